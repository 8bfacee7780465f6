package storage

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/org/fleetrotate/pkg/models"
)

// Memory is an in-memory Store for tests and local development. A single
// mutex serializes transactions, which matches the row-lock discipline of
// the postgres backend closely enough for engine semantics: at most one
// transaction mutates state at a time, and a failed transaction rolls back.
type Memory struct {
	mu       sync.Mutex
	devices  map[uuid.UUID]*models.Device
	lastWave *time.Time
	events   []*models.RotationEvent
	nextID   int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{devices: make(map[uuid.UUID]*models.Device)}
}

func (m *Memory) Close() {}

// WithTx serializes fn against all other transactions and restores the
// previous state if fn returns an error.
func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&memTx{m: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memSnapshot struct {
	devices   map[uuid.UUID]*models.Device
	lastWave  *time.Time
	numEvents int
}

func (m *Memory) snapshot() memSnapshot {
	devices := make(map[uuid.UUID]*models.Device, len(m.devices))
	for id, d := range m.devices {
		devices[id] = copyDevice(d)
	}
	return memSnapshot{devices: devices, lastWave: copyTime(m.lastWave), numEvents: len(m.events)}
}

func (m *Memory) restore(s memSnapshot) {
	m.devices = s.devices
	m.lastWave = s.lastWave
	m.events = m.events[:s.numEvents]
}

// --- Devices ---

func (m *Memory) CreateDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.devices {
		if existing.Name == d.Name || existing.APITokenHash == d.APITokenHash {
			return ErrAlreadyExists
		}
	}
	if _, ok := m.devices[d.ID]; ok {
		return ErrAlreadyExists
	}
	m.devices[d.ID] = copyDevice(d)
	return nil
}

func (m *Memory) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

func (m *Memory) GetDeviceByName(ctx context.Context, name string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.Name == name {
			return copyDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.APITokenHash == tokenHash {
			return copyDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) ListDevices(ctx context.Context) ([]*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := lo.Map(lo.Values(m.devices), func(d *models.Device, _ int) *models.Device {
		return copyDevice(d)
	})
	sort.Slice(devices, func(i, j int) bool { return devices[i].Name < devices[j].Name })
	return devices, nil
}

func (m *Memory) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[id]; !ok {
		return ErrNotFound
	}
	delete(m.devices, id)
	return nil
}

// --- Rotation bookkeeping ---

func (m *Memory) PendingBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for _, d := range m.devices {
		if d.RotationState == models.RotationPending &&
			d.LastRotationAttemptAt != nil && d.LastRotationAttemptAt.Before(cutoff) {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (m *Memory) TimeoutWithCache(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []uuid.UUID
	for _, d := range m.devices {
		if d.RotationState == models.RotationTimeout && len(d.CachedSecretCiphertext) > 0 {
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

func (m *Memory) PendingDevice(ctx context.Context) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		if d.RotationState == models.RotationPending {
			return copyDevice(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) CountByState(ctx context.Context) (map[models.RotationState]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := map[models.RotationState]int{
		models.RotationOK:      0,
		models.RotationQueued:  0,
		models.RotationPending: 0,
		models.RotationTimeout: 0,
	}
	for state, n := range lo.CountValuesBy(lo.Values(m.devices), func(d *models.Device) models.RotationState {
		return d.RotationState
	}) {
		counts[state] = n
	}
	return counts, nil
}

func (m *Memory) LastWave(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTime(m.lastWave), nil
}

func (m *Memory) LastCompletion(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *time.Time
	for _, d := range m.devices {
		if d.LastRotationCompletedAt == nil {
			continue
		}
		if latest == nil || d.LastRotationCompletedAt.After(*latest) {
			latest = copyTime(d.LastRotationCompletedAt)
		}
	}
	return latest, nil
}

// --- Events ---

func (m *Memory) AppendEvent(ctx context.Context, e *models.RotationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(e)
	return nil
}

func (m *Memory) appendEventLocked(e *models.RotationEvent) {
	m.nextID++
	stored := *e
	stored.ID = m.nextID
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, &stored)
}

func (m *Memory) Events(ctx context.Context, filter EventFilter) ([]*models.RotationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := lo.Filter(m.events, func(e *models.RotationEvent, _ int) bool {
		if filter.DeviceID != nil && (e.DeviceID == nil || *e.DeviceID != *filter.DeviceID) {
			return false
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			return false
		}
		return true
	})
	// Newest first, matching the postgres backend.
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	out := make([]*models.RotationEvent, len(matched))
	for i, e := range matched {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

// --- Transactions ---

type memTx struct {
	m *Memory
}

func (t *memTx) LockControl(ctx context.Context) (*time.Time, error) {
	return copyTime(t.m.lastWave), nil
}

func (t *memTx) SetLastWave(ctx context.Context, at time.Time) error {
	t.m.lastWave = &at
	return nil
}

func (t *memTx) GetDeviceForUpdate(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	d, ok := t.m.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDevice(d), nil
}

func (t *memTx) UpdateDeviceRotation(ctx context.Context, d *models.Device) error {
	stored, ok := t.m.devices[d.ID]
	if !ok {
		return ErrNotFound
	}
	stored.RotationState = d.RotationState
	stored.SecretCiphertext = bytes.Clone(d.SecretCiphertext)
	stored.CachedSecretCiphertext = bytes.Clone(d.CachedSecretCiphertext)
	stored.SecretCreatedAt = d.SecretCreatedAt
	stored.LastRotationAttemptAt = copyTime(d.LastRotationAttemptAt)
	stored.LastRotationCompletedAt = copyTime(d.LastRotationCompletedAt)
	return nil
}

func (t *memTx) QueueAllOK(ctx context.Context) (int, error) {
	n := 0
	for _, d := range t.m.devices {
		if d.RotationState == models.RotationOK {
			d.RotationState = models.RotationQueued
			n++
		}
	}
	return n, nil
}

func (t *memTx) AnyPending(ctx context.Context) (bool, error) {
	for _, d := range t.m.devices {
		if d.RotationState == models.RotationPending {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) NextCandidate(ctx context.Context) (*models.Device, error) {
	for _, state := range []models.RotationState{models.RotationQueued, models.RotationTimeout} {
		candidates := lo.Filter(lo.Values(t.m.devices), func(d *models.Device, _ int) bool {
			return d.RotationState == state
		})
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].SecretCreatedAt.Equal(candidates[j].SecretCreatedAt) {
				return bytes.Compare(candidates[i].ID[:], candidates[j].ID[:]) < 0
			}
			return candidates[i].SecretCreatedAt.Before(candidates[j].SecretCreatedAt)
		})
		return copyDevice(candidates[0]), nil
	}
	return nil, ErrNotFound
}

func (t *memTx) AppendEvent(ctx context.Context, e *models.RotationEvent) error {
	t.m.appendEventLocked(e)
	return nil
}

// --- Copy helpers ---

func copyDevice(d *models.Device) *models.Device {
	out := *d
	out.SecretCiphertext = bytes.Clone(d.SecretCiphertext)
	out.CachedSecretCiphertext = bytes.Clone(d.CachedSecretCiphertext)
	out.LastRotationAttemptAt = copyTime(d.LastRotationAttemptAt)
	out.LastRotationCompletedAt = copyTime(d.LastRotationCompletedAt)
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
