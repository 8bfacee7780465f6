// Package audit records rotation lifecycle events that happen outside the
// engine's transactions: provisioning, deletion and other administrative
// actions. Engine-driven transitions write their events in the same
// transaction as the state change instead.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/fleetrotate/internal/storage"
	"github.com/org/fleetrotate/pkg/models"
)

// Recorder appends rotation events and mirrors them to the log.
type Recorder struct {
	store storage.Store
	log   zerolog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store storage.Store, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: log}
}

// Record appends an event. Secret values must NEVER be passed here, only
// metadata. Fire and forget: a failed event write should not break the
// operation it describes.
func (r *Recorder) Record(ctx context.Context, deviceID *uuid.UUID, event, detail string) {
	e := &models.RotationEvent{
		DeviceID:  deviceID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.AppendEvent(ctx, e); err != nil {
		r.log.Error().Err(err).Str("event", event).Msg("failed to record rotation event")
	}

	logEvent := r.log.Info().Str("event", event)
	if deviceID != nil {
		logEvent = logEvent.Str("device_id", deviceID.String())
	}
	if detail != "" {
		logEvent = logEvent.Str("detail", detail)
	}
	logEvent.Msg("rotation event")
}

// Query retrieves paginated rotation events.
func (r *Recorder) Query(ctx context.Context, filter storage.EventFilter) ([]*models.RotationEvent, error) {
	return r.store.Events(ctx, filter)
}
