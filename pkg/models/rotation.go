package models

import (
	"time"

	"github.com/google/uuid"
)

// Rotation event types recorded in the append-only event log.
const (
	EventWaveStarted   = "wave_started"
	EventPromoted      = "promoted"
	EventHandoffServed = "handoff_served"
	EventConfirmed     = "confirmed"
	EventTimedOut      = "timed_out"
	EventRestoreFailed = "restore_failed"
	EventRestored      = "restored"
	EventProvisioned   = "provisioned"
	EventDeleted       = "deleted"
)

// RotationEvent is one entry in the rotation event log. DeviceID is nil for
// fleet-wide events such as wave starts.
type RotationEvent struct {
	ID        int64      `db:"id" json:"id"`
	DeviceID  *uuid.UUID `db:"device_id" json:"device_id,omitempty"`
	Event     string     `db:"event" json:"event"`
	Detail    string     `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// PassError records a per-device failure inside a pass. Failures of this
// kind are retried on later passes and never abort the pass itself.
type PassError struct {
	DeviceID uuid.UUID `json:"device_id"`
	Op       string    `json:"op"`
	Message  string    `json:"message"`
}

// PassSummary reports what one engine pass did.
type PassSummary struct {
	StartedAt   time.Time             `json:"started_at"`
	WaveStarted bool                  `json:"wave_started"`
	Queued      int                   `json:"queued"`
	TimedOut    int                   `json:"timed_out"`
	Restored    int                   `json:"restored"`
	Promoted    *uuid.UUID            `json:"promoted,omitempty"`
	Counts      map[RotationState]int `json:"counts"`
	Errors      []PassError           `json:"errors,omitempty"`
}

// FleetStatus summarizes rotation progress across the fleet.
type FleetStatus struct {
	Counts            map[RotationState]int `json:"counts"`
	Pending           *DeviceSummary        `json:"pending,omitempty"`
	LastWaveStartedAt *time.Time            `json:"last_wave_started_at,omitempty"`
	LastCompletedAt   *time.Time            `json:"last_completed_at,omitempty"`
}

// HandoffCredential is the secret material served to a device during handoff.
type HandoffCredential struct {
	ClientReference string    `json:"client_reference"`
	ClientSecret    string    `json:"client_secret"`
	RotatedAt       time.Time `json:"rotated_at"`
}

// ConfirmationProof is the parsed evidence a device presents to confirm it
// obtained a token with its new secret. Only the issue time takes part in
// the staleness check; signature verification happens upstream.
type ConfirmationProof struct {
	IssuedAt time.Time
	Subject  string
}
