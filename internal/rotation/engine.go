// Package rotation drives the fleet credential rotation lifecycle:
// scheduled waves, one-at-a-time promotions, device handoff and
// confirmation, and timeout recovery. All state lives in storage; the
// engine itself is stateless and safe to run from multiple replicas.
package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/org/fleetrotate/internal/idp"
	"github.com/org/fleetrotate/internal/notify"
	"github.com/org/fleetrotate/internal/storage"
	"github.com/org/fleetrotate/internal/vault"
	"github.com/org/fleetrotate/pkg/models"
)

// DefaultConfirmTimeout is how long a device has to confirm a rotation
// before the previous secret is restored.
const DefaultConfirmTimeout = 24 * time.Hour

// Config wires an Engine. Store, IdentityProvider, Publisher, Vault and
// Schedule are required; the rest default.
type Config struct {
	Store            storage.Store
	IdentityProvider idp.Client
	Publisher        notify.Publisher
	Vault            *vault.Vault
	Schedule         Schedule
	ConfirmTimeout   time.Duration
	SubjectPrefix    string
	Clock            clock.Clock
	Log              zerolog.Logger
}

// Engine coordinates fleet credential rotation. Every transition runs in
// its own transaction; the fleet-wide control row serializes anything that
// may create a PENDING rotation.
type Engine struct {
	store    storage.Store
	idp      idp.Client
	pub      notify.Publisher
	vault    *vault.Vault
	schedule Schedule
	timeout  time.Duration
	subject  string
	clock    clock.Clock
	log      zerolog.Logger
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = notify.DefaultSubjectPrefix
	}
	return &Engine{
		store:    cfg.Store,
		idp:      cfg.IdentityProvider,
		pub:      cfg.Publisher,
		vault:    cfg.Vault,
		schedule: cfg.Schedule,
		timeout:  cfg.ConfirmTimeout,
		subject:  cfg.SubjectPrefix,
		clock:    cfg.Clock,
		log:      cfg.Log,
	}
}

// ConfirmTimeout returns the configured confirmation window.
func (e *Engine) ConfirmTimeout() time.Duration { return e.timeout }

// RunPass executes one pass: start a wave if a boundary elapsed, expire
// overdue pending rotations, retry failed restorations, then promote at
// most one device. Per-device provider failures are collected in the
// summary and retried on later passes; only storage failures are returned
// as errors.
func (e *Engine) RunPass(ctx context.Context) (*models.PassSummary, error) {
	start := time.Now()
	defer func() { passDuration.Observe(time.Since(start).Seconds()) }()
	passesTotal.Inc()

	now := e.clock.Now().UTC()
	sum := &models.PassSummary{StartedAt: now}

	if err := e.startDueWave(ctx, now, sum); err != nil {
		return sum, fmt.Errorf("starting wave: %w", err)
	}

	expired, err := e.store.PendingBefore(ctx, now.Add(-e.timeout))
	if err != nil {
		return sum, fmt.Errorf("listing expired rotations: %w", err)
	}
	for _, id := range expired {
		if err := e.expireDevice(ctx, id, now, sum); err != nil {
			return sum, fmt.Errorf("expiring device %s: %w", id, err)
		}
	}

	retries, err := e.store.TimeoutWithCache(ctx)
	if err != nil {
		return sum, fmt.Errorf("listing unrestored devices: %w", err)
	}
	for _, id := range retries {
		if err := e.retryRestore(ctx, id, sum); err != nil {
			return sum, fmt.Errorf("retrying restore for device %s: %w", id, err)
		}
	}

	if err := e.promoteNext(ctx, now, sum); err != nil {
		return sum, fmt.Errorf("promoting next device: %w", err)
	}

	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return sum, fmt.Errorf("counting devices: %w", err)
	}
	sum.Counts = counts
	for state, n := range counts {
		devicesByState.WithLabelValues(string(state)).Set(float64(n))
	}
	return sum, nil
}

// startDueWave moves the whole fleet OK -> QUEUED when a schedule boundary
// has elapsed. The boundary itself is persisted as the wave mark, so missed
// boundaries drain one per pass. A fresh deployment anchors the schedule at
// the first pass instead of firing immediately.
func (e *Engine) startDueWave(ctx context.Context, now time.Time, sum *models.PassSummary) error {
	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		lastWave, err := tx.LockControl(ctx)
		if err != nil {
			return err
		}
		if lastWave == nil {
			return tx.SetLastWave(ctx, now)
		}
		due, boundary := e.schedule.Due(*lastWave, now)
		if !due {
			return nil
		}
		queued, err := tx.QueueAllOK(ctx)
		if err != nil {
			return err
		}
		if err := tx.SetLastWave(ctx, boundary); err != nil {
			return err
		}
		sum.WaveStarted = true
		sum.Queued = queued
		wavesTotal.Inc()
		e.log.Info().Time("boundary", boundary).Int("queued", queued).Msg("rotation wave started")
		return tx.AppendEvent(ctx, &models.RotationEvent{
			Event:     models.EventWaveStarted,
			Detail:    fmt.Sprintf("queued %d devices at boundary %s", queued, boundary.Format(time.RFC3339)),
			CreatedAt: now,
		})
	})
}

// expireDevice handles one overdue PENDING rotation: the device always
// moves to TIMEOUT, and the cached previous secret is cleared only if it
// was successfully restored at the provider. A failed restore keeps the
// cache so a later pass can retry.
func (e *Engine) expireDevice(ctx context.Context, id uuid.UUID, now time.Time, sum *models.PassSummary) error {
	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDeviceForUpdate(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		// Re-check under the row lock: the device may have confirmed
		// between the scan and now.
		if d.RotationState != models.RotationPending {
			return nil
		}
		if d.LastRotationAttemptAt == nil || now.Sub(*d.LastRotationAttemptAt) < e.timeout {
			return nil
		}

		restoreErr := e.restorePrevious(ctx, d)
		d.RotationState = models.RotationTimeout
		if err := tx.UpdateDeviceRotation(ctx, d); err != nil {
			return err
		}

		sum.TimedOut++
		timeoutsTotal.Inc()
		event := models.EventTimedOut
		detail := "confirmation window elapsed, previous secret restored"
		if restoreErr != nil {
			event = models.EventRestoreFailed
			detail = restoreErr.Error()
			restoreFailuresTotal.Inc()
			sum.Errors = append(sum.Errors, models.PassError{DeviceID: d.ID, Op: "restore_secret", Message: restoreErr.Error()})
			e.log.Error().Err(restoreErr).Str("device_id", d.ID.String()).
				Msg("secret restoration failed, cached secret kept for retry")
		} else {
			e.log.Warn().Str("device_id", d.ID.String()).Msg("rotation timed out, previous secret restored")
		}
		return tx.AppendEvent(ctx, &models.RotationEvent{
			DeviceID:  &d.ID,
			Event:     event,
			Detail:    detail,
			CreatedAt: now,
		})
	})
}

// retryRestore retries restoration for a TIMEOUT device that still holds a
// cached secret from a failed restore. State does not change; only the
// cache clears on success.
func (e *Engine) retryRestore(ctx context.Context, id uuid.UUID, sum *models.PassSummary) error {
	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDeviceForUpdate(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.RotationState != models.RotationTimeout || len(d.CachedSecretCiphertext) == 0 {
			return nil
		}

		if restoreErr := e.restorePrevious(ctx, d); restoreErr != nil {
			sum.Errors = append(sum.Errors, models.PassError{DeviceID: d.ID, Op: "restore_secret", Message: restoreErr.Error()})
			e.log.Error().Err(restoreErr).Str("device_id", d.ID.String()).Msg("secret restoration retry failed")
			return nil
		}
		if err := tx.UpdateDeviceRotation(ctx, d); err != nil {
			return err
		}
		sum.Restored++
		e.log.Info().Str("device_id", d.ID.String()).Msg("previous secret restored on retry")
		return tx.AppendEvent(ctx, &models.RotationEvent{
			DeviceID:  &d.ID,
			Event:     models.EventRestored,
			Detail:    "previous secret restored after earlier failure",
			CreatedAt: e.clock.Now().UTC(),
		})
	})
}

// restorePrevious opens the cached secret and puts it back in service at
// the provider. On success the cached secret becomes the active one again.
func (e *Engine) restorePrevious(ctx context.Context, d *models.Device) error {
	plaintext, err := e.vault.Open(d.CachedSecretCiphertext)
	if err != nil {
		return fmt.Errorf("opening cached secret: %w", err)
	}
	if err := e.idp.RestoreSecret(ctx, d.ClientReference, string(plaintext)); err != nil {
		return err
	}
	d.SecretCiphertext = d.CachedSecretCiphertext
	d.CachedSecretCiphertext = nil
	return nil
}

// promoteNext promotes at most one device per pass: the oldest QUEUED
// device, or the oldest TIMEOUT device once the queue drains. Nothing is
// promoted while any rotation is still pending.
func (e *Engine) promoteNext(ctx context.Context, now time.Time, sum *models.PassSummary) error {
	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockControl(ctx); err != nil {
			return err
		}
		pending, err := tx.AnyPending(ctx)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}
		d, err := tx.NextCandidate(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := e.promote(ctx, tx, d, now); err != nil {
			var pe *idp.Error
			if errors.As(err, &pe) {
				// Device stays in its prior state; a later pass retries.
				sum.Errors = append(sum.Errors, models.PassError{DeviceID: d.ID, Op: "regenerate_secret", Message: err.Error()})
				e.log.Warn().Err(err).Str("device_id", d.ID.String()).Bool("transient", idp.IsTransient(err)).
					Msg("promotion failed at provider")
				return nil
			}
			return err
		}
		sum.Promoted = &d.ID
		return nil
	})
}

// promote drives the locked device QUEUED/TIMEOUT -> PENDING: cache the
// outgoing secret, regenerate at the provider, store the sealed
// replacement, stamp the attempt and notify the device.
func (e *Engine) promote(ctx context.Context, tx storage.Tx, d *models.Device, now time.Time) error {
	if err := Transition(d.RotationState, models.RotationPending); err != nil {
		return err
	}
	prior := d.RotationState

	// A TIMEOUT retry whose restoration never succeeded keeps its cache:
	// the original secret is still the one to fall back to.
	if len(d.CachedSecretCiphertext) == 0 {
		d.CachedSecretCiphertext = d.SecretCiphertext
	}

	secret, err := e.idp.RegenerateSecret(ctx, d.ClientReference)
	if err != nil {
		return err
	}
	sealed, err := e.vault.Seal([]byte(secret))
	if err != nil {
		return fmt.Errorf("sealing new secret: %w", err)
	}

	d.SecretCiphertext = sealed
	d.RotationState = models.RotationPending
	d.LastRotationAttemptAt = &now
	if err := tx.UpdateDeviceRotation(ctx, d); err != nil {
		return err
	}
	if err := tx.AppendEvent(ctx, &models.RotationEvent{
		DeviceID:  &d.ID,
		Event:     models.EventPromoted,
		Detail:    fmt.Sprintf("promoted from %s", prior),
		CreatedAt: now,
	}); err != nil {
		return err
	}
	promotionsTotal.Inc()
	e.log.Info().Str("device_id", d.ID.String()).Str("from", string(prior)).Msg("device promoted, awaiting confirmation")

	e.notifyRotation(ctx, d, now)
	return nil
}

// notifyRotation tells the device a new secret awaits pickup. Losing the
// message is recovered by the confirmation timeout, so failures only log.
func (e *Engine) notifyRotation(ctx context.Context, d *models.Device, now time.Time) {
	notice := struct {
		DeviceID    uuid.UUID `json:"device_id"`
		Event       string    `json:"event"`
		AttemptedAt time.Time `json:"attempted_at"`
	}{DeviceID: d.ID, Event: "secret_rotated", AttemptedAt: now}

	payload, _ := json.Marshal(notice) //nolint:errcheck
	subject := fmt.Sprintf("%s.%s", e.subject, d.ID)
	if err := e.pub.Publish(ctx, subject, payload); err != nil {
		e.log.Warn().Err(err).Str("device_id", d.ID.String()).Msg("rotation notification publish failed")
	}
}

// BeginHandoff serves the in-flight secret to a device. PENDING devices get
// the same secret on every call. A QUEUED device calling in early is
// promoted on the spot, subject to the same single-in-flight rule. OK and
// TIMEOUT devices have nothing to hand off.
func (e *Engine) BeginHandoff(ctx context.Context, deviceID uuid.UUID) (*models.HandoffCredential, error) {
	var cred *models.HandoffCredential
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		// Handoff may promote, so the control lock comes first to keep
		// the control -> device lock order.
		if _, err := tx.LockControl(ctx); err != nil {
			return err
		}
		d, err := tx.GetDeviceForUpdate(ctx, deviceID)
		if err != nil {
			return err
		}

		switch d.RotationState {
		case models.RotationPending:
			// Idempotent re-serve of the same secret epoch.
		case models.RotationQueued:
			pending, err := tx.AnyPending(ctx)
			if err != nil {
				return err
			}
			if pending {
				return fmt.Errorf("%w: another rotation is in flight", ErrConflict)
			}
			if err := e.promote(ctx, tx, d, e.clock.Now().UTC()); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: no rotation in progress (state %s)", ErrConflict, d.RotationState)
		}

		plaintext, err := e.vault.Open(d.SecretCiphertext)
		if err != nil {
			return fmt.Errorf("opening active secret: %w", err)
		}
		cred = &models.HandoffCredential{
			ClientReference: d.ClientReference,
			ClientSecret:    string(plaintext),
			RotatedAt:       *d.LastRotationAttemptAt,
		}
		return tx.AppendEvent(ctx, &models.RotationEvent{
			DeviceID:  &d.ID,
			Event:     models.EventHandoffServed,
			CreatedAt: e.clock.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return cred, nil
}

// Confirm settles a pending rotation. The proof must have been issued after
// the rotation attempt: a token minted earlier proves nothing about the new
// secret.
func (e *Engine) Confirm(ctx context.Context, deviceID uuid.UUID, proof models.ConfirmationProof) error {
	return e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDeviceForUpdate(ctx, deviceID)
		if err != nil {
			return err
		}
		if d.RotationState != models.RotationPending {
			return fmt.Errorf("%w: no rotation awaiting confirmation (state %s)", ErrConflict, d.RotationState)
		}
		if d.LastRotationAttemptAt == nil || !proof.IssuedAt.After(*d.LastRotationAttemptAt) {
			return fmt.Errorf("%w: proof issued %s, rotation attempted %s", ErrStaleProof,
				proof.IssuedAt.Format(time.RFC3339), d.LastRotationAttemptAt.Format(time.RFC3339))
		}

		now := e.clock.Now().UTC()
		d.RotationState = models.RotationOK
		d.SecretCreatedAt = *d.LastRotationAttemptAt
		d.LastRotationCompletedAt = &now
		d.CachedSecretCiphertext = nil
		if err := tx.UpdateDeviceRotation(ctx, d); err != nil {
			return err
		}
		confirmationsTotal.Inc()
		e.log.Info().Str("device_id", d.ID.String()).Msg("rotation confirmed")
		return tx.AppendEvent(ctx, &models.RotationEvent{
			DeviceID:  &d.ID,
			Event:     models.EventConfirmed,
			CreatedAt: now,
		})
	})
}

// TriggerWave queues the fleet outside the schedule. Without force it
// refuses while a rotation is pending; with force it queues OK devices
// regardless, leaving the in-flight rotation to settle on its own.
func (e *Engine) TriggerWave(ctx context.Context, force bool) (int, error) {
	var queued int
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := tx.LockControl(ctx); err != nil {
			return err
		}
		if !force {
			pending, err := tx.AnyPending(ctx)
			if err != nil {
				return err
			}
			if pending {
				return fmt.Errorf("%w: a rotation is in flight", ErrConflict)
			}
		}
		now := e.clock.Now().UTC()
		n, err := tx.QueueAllOK(ctx)
		if err != nil {
			return err
		}
		queued = n
		if err := tx.SetLastWave(ctx, now); err != nil {
			return err
		}
		wavesTotal.Inc()
		e.log.Info().Int("queued", n).Bool("force", force).Msg("manual rotation wave")
		return tx.AppendEvent(ctx, &models.RotationEvent{
			Event:     models.EventWaveStarted,
			Detail:    fmt.Sprintf("manual wave queued %d devices (force=%t)", n, force),
			CreatedAt: now,
		})
	})
	if err != nil {
		return 0, err
	}
	return queued, nil
}

// FleetStatus reports rotation progress across the fleet.
func (e *Engine) FleetStatus(ctx context.Context) (*models.FleetStatus, error) {
	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	status := &models.FleetStatus{Counts: counts}

	pending, err := e.store.PendingDevice(ctx)
	if err == nil {
		summary := pending.Summary()
		status.Pending = &summary
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if status.LastWaveStartedAt, err = e.store.LastWave(ctx); err != nil {
		return nil, err
	}
	if status.LastCompletedAt, err = e.store.LastCompletion(ctx); err != nil {
		return nil, err
	}
	return status, nil
}
