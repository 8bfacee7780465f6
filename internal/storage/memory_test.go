package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/org/fleetrotate/pkg/models"
)

func seedDevice(t *testing.T, m *Memory, name string, state models.RotationState, secretAge time.Duration) *models.Device {
	t.Helper()
	d := &models.Device{
		ID:               uuid.New(),
		Name:             name,
		ClientReference:  "cli_" + name,
		RotationState:    state,
		SecretCiphertext: []byte("sealed-" + name),
		SecretCreatedAt:  time.Now().UTC().Add(-secretAge),
		APITokenHash:     "hash-" + name,
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice(%s) failed: %v", name, err)
	}
	return d
}

func TestCreateDeviceRejectsDuplicateName(t *testing.T) {
	m := NewMemory()
	seedDevice(t, m, "gateway-1", models.RotationOK, 0)

	dup := &models.Device{
		ID:           uuid.New(),
		Name:         "gateway-1",
		APITokenHash: "other-hash",
	}
	if err := m.CreateDevice(context.Background(), dup); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate name: got %v, want ErrAlreadyExists", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	m := NewMemory()
	d := seedDevice(t, m, "gateway-1", models.RotationOK, 0)

	boom := errors.New("boom")
	err := m.WithTx(context.Background(), func(tx Tx) error {
		got, err := tx.GetDeviceForUpdate(context.Background(), d.ID)
		if err != nil {
			return err
		}
		got.RotationState = models.RotationQueued
		if err := tx.UpdateDeviceRotation(context.Background(), got); err != nil {
			return err
		}
		if err := tx.SetLastWave(context.Background(), time.Now()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx returned %v", err)
	}

	got, err := m.GetDevice(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDevice failed: %v", err)
	}
	if got.RotationState != models.RotationOK {
		t.Errorf("state = %s after rollback, want ok", got.RotationState)
	}
	lastWave, err := m.LastWave(context.Background())
	if err != nil {
		t.Fatalf("LastWave failed: %v", err)
	}
	if lastWave != nil {
		t.Error("last wave survived rollback")
	}
}

func TestNextCandidatePrefersOldestQueued(t *testing.T) {
	m := NewMemory()
	seedDevice(t, m, "young-queued", models.RotationQueued, time.Hour)
	oldest := seedDevice(t, m, "old-queued", models.RotationQueued, 48*time.Hour)
	seedDevice(t, m, "timed-out", models.RotationTimeout, 90*24*time.Hour)
	seedDevice(t, m, "fine", models.RotationOK, time.Hour)

	err := m.WithTx(context.Background(), func(tx Tx) error {
		got, err := tx.NextCandidate(context.Background())
		if err != nil {
			return err
		}
		if got.ID != oldest.ID {
			t.Errorf("candidate = %s, want oldest queued %s", got.Name, oldest.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestNextCandidateFallsBackToTimeout(t *testing.T) {
	m := NewMemory()
	timedOut := seedDevice(t, m, "timed-out", models.RotationTimeout, 90*24*time.Hour)
	seedDevice(t, m, "fine", models.RotationOK, time.Hour)

	err := m.WithTx(context.Background(), func(tx Tx) error {
		got, err := tx.NextCandidate(context.Background())
		if err != nil {
			return err
		}
		if got.ID != timedOut.ID {
			t.Errorf("candidate = %s, want %s", got.Name, timedOut.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}
}

func TestNextCandidateEmpty(t *testing.T) {
	m := NewMemory()
	seedDevice(t, m, "fine", models.RotationOK, time.Hour)

	err := m.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.NextCandidate(context.Background())
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestEventsFilterAndOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	deviceA := uuid.New()
	deviceB := uuid.New()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, e := range []*models.RotationEvent{
		{DeviceID: &deviceA, Event: models.EventPromoted},
		{DeviceID: &deviceB, Event: models.EventPromoted},
		{DeviceID: &deviceA, Event: models.EventConfirmed},
		{Event: models.EventWaveStarted},
	} {
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := m.AppendEvent(ctx, e); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	all, err := m.Events(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d events, want 4", len(all))
	}
	if all[0].Event != models.EventWaveStarted {
		t.Errorf("newest first: got %s", all[0].Event)
	}

	forA, err := m.Events(ctx, EventFilter{DeviceID: &deviceA})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(forA) != 2 {
		t.Errorf("device filter: got %d events, want 2", len(forA))
	}

	since := base.Add(2 * time.Minute)
	recent, err := m.Events(ctx, EventFilter{Since: &since})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(recent) != 2 {
		t.Errorf("since filter: got %d events, want 2", len(recent))
	}

	limited, err := m.Events(ctx, EventFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	if len(limited) != 1 || limited[0].Event != models.EventConfirmed {
		t.Errorf("limit/offset: got %+v", limited)
	}
}
