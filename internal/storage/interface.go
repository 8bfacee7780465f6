package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/org/fleetrotate/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// EventFilter narrows rotation event log queries. Zero-valued fields are ignored.
type EventFilter struct {
	DeviceID *uuid.UUID
	Since    *time.Time
	Limit    int
	Offset   int
}

// Tx is the per-transaction view of the store. Rotation transitions run
// inside a Tx so that row locks, state changes and event rows commit
// atomically. Lock order is always the control row first, then a device
// row; transactions touching a single device may skip the control lock.
type Tx interface {
	// LockControl locks the fleet-wide control row for the rest of the
	// transaction and returns the last wave start (nil before the first
	// wave). Every transaction that may create a pending rotation takes
	// this lock first.
	LockControl(ctx context.Context) (*time.Time, error)
	// SetLastWave records when the most recent wave started.
	SetLastWave(ctx context.Context, t time.Time) error

	// GetDeviceForUpdate locks the device row for the rest of the transaction.
	GetDeviceForUpdate(ctx context.Context, id uuid.UUID) (*models.Device, error)
	// UpdateDeviceRotation persists the rotation fields of a device:
	// state, sealed secrets and rotation timestamps.
	UpdateDeviceRotation(ctx context.Context, d *models.Device) error

	// QueueAllOK moves every OK device to QUEUED and returns how many moved.
	QueueAllOK(ctx context.Context) (int, error)
	// AnyPending reports whether any device is in PENDING state.
	AnyPending(ctx context.Context) (bool, error)
	// NextCandidate returns and locks the next device eligible for
	// promotion: the QUEUED device with the oldest secret, or failing
	// that the TIMEOUT device with the oldest secret. ErrNotFound when
	// no device is eligible.
	NextCandidate(ctx context.Context) (*models.Device, error)

	// AppendEvent writes a rotation event row in this transaction.
	AppendEvent(ctx context.Context, e *models.RotationEvent) error
}

// Store defines the persistence interface for the rotation service.
type Store interface {
	// WithTx runs fn inside a transaction, committing when fn returns
	// nil and rolling back otherwise.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Devices
	CreateDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetDeviceByName(ctx context.Context, name string) (*models.Device, error)
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	DeleteDevice(ctx context.Context, id uuid.UUID) error

	// Rotation bookkeeping
	//
	// PendingBefore returns IDs of PENDING devices whose last rotation
	// attempt is older than cutoff; TimeoutWithCache returns IDs of
	// TIMEOUT devices still holding a cached previous secret. Callers
	// re-check state under a row lock before acting on either.
	PendingBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	TimeoutWithCache(ctx context.Context) ([]uuid.UUID, error)
	PendingDevice(ctx context.Context) (*models.Device, error)
	CountByState(ctx context.Context) (map[models.RotationState]int, error)
	LastWave(ctx context.Context) (*time.Time, error)
	LastCompletion(ctx context.Context) (*time.Time, error)

	// Events
	AppendEvent(ctx context.Context, e *models.RotationEvent) error
	Events(ctx context.Context, filter EventFilter) ([]*models.RotationEvent, error)

	// Lifecycle
	Close()
}
