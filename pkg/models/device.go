package models

import (
	"time"

	"github.com/google/uuid"
)

// RotationState is the credential rotation lifecycle state of a device.
type RotationState string

const (
	// RotationOK means the active secret is current and no rotation is scheduled.
	RotationOK RotationState = "ok"
	// RotationQueued means the device is awaiting its turn in the current wave.
	RotationQueued RotationState = "queued"
	// RotationPending means a new secret has been generated and the device
	// has not yet confirmed picking it up.
	RotationPending RotationState = "pending"
	// RotationTimeout means a pending rotation expired unconfirmed and the
	// previous secret was put back in service.
	RotationTimeout RotationState = "timeout"
)

// Valid reports whether s is one of the defined rotation states.
func (s RotationState) Valid() bool {
	switch s {
	case RotationOK, RotationQueued, RotationPending, RotationTimeout:
		return true
	}
	return false
}

// Device is one fleet device together with its credential rotation record.
// Secret material is stored sealed; plaintext exists only transiently during
// handoff and provider calls.
type Device struct {
	ID              uuid.UUID `db:"id"`
	Name            string    `db:"name"`
	ClientReference string    `db:"client_reference"`

	RotationState RotationState `db:"rotation_state"`

	// SecretCiphertext is the sealed currently-active client secret.
	SecretCiphertext []byte `db:"secret_ciphertext"`
	// CachedSecretCiphertext holds the sealed previous secret while a
	// rotation is pending, and after a failed restoration. Empty otherwise.
	CachedSecretCiphertext []byte `db:"cached_secret_ciphertext"`

	SecretCreatedAt         time.Time  `db:"secret_created_at"`
	LastRotationAttemptAt   *time.Time `db:"last_rotation_attempt_at"`
	LastRotationCompletedAt *time.Time `db:"last_rotation_completed_at"`

	APITokenHash string    `db:"api_token_hash"`
	CreatedAt    time.Time `db:"created_at"`
}

// Summary returns the device view with secret material stripped.
func (d *Device) Summary() DeviceSummary {
	return DeviceSummary{
		ID:                      d.ID,
		Name:                    d.Name,
		ClientReference:         d.ClientReference,
		RotationState:           d.RotationState,
		SecretCreatedAt:         d.SecretCreatedAt,
		LastRotationAttemptAt:   d.LastRotationAttemptAt,
		LastRotationCompletedAt: d.LastRotationCompletedAt,
		CreatedAt:               d.CreatedAt,
	}
}

// DeviceSummary is the wire representation of a device.
type DeviceSummary struct {
	ID                      uuid.UUID     `json:"id"`
	Name                    string        `json:"name"`
	ClientReference         string        `json:"client_reference"`
	RotationState           RotationState `json:"rotation_state"`
	SecretCreatedAt         time.Time     `json:"secret_created_at"`
	LastRotationAttemptAt   *time.Time    `json:"last_rotation_attempt_at,omitempty"`
	LastRotationCompletedAt *time.Time    `json:"last_rotation_completed_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

// ProvisionedDevice is the one-time bootstrap bundle returned when a device
// is created. The API token and client secret are never retrievable again.
type ProvisionedDevice struct {
	Device       DeviceSummary `json:"device"`
	APIToken     string        `json:"api_token"`
	ClientSecret string        `json:"client_secret"`
	EnvPayload   string        `json:"env_payload"`
}
