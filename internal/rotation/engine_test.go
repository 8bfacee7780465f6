package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/fleetrotate/internal/idp"
	"github.com/org/fleetrotate/internal/storage"
	"github.com/org/fleetrotate/internal/vault"
	"github.com/org/fleetrotate/pkg/models"
)

// fakeIdP is a scriptable identity provider. Secrets are minted as
// secret-1, secret-2, ... in call order.
type fakeIdP struct {
	mu              sync.Mutex
	counter         int
	regenerateCalls int
	failRegenerate  error
	failRestore     error
	restored        []string // "clientRef:secret" per successful restore
}

func (f *fakeIdP) CreateCredential(ctx context.Context, spec idp.CredentialSpec) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	return fmt.Sprintf("cli_%s", spec.Name), fmt.Sprintf("secret-%d", f.counter), nil
}

func (f *fakeIdP) RegenerateSecret(ctx context.Context, clientReference string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regenerateCalls++
	if f.failRegenerate != nil {
		return "", f.failRegenerate
	}
	f.counter++
	return fmt.Sprintf("secret-%d", f.counter), nil
}

func (f *fakeIdP) RestoreSecret(ctx context.Context, clientReference, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRestore != nil {
		return f.failRestore
	}
	f.restored = append(f.restored, clientReference+":"+secret)
	return nil
}

func (f *fakeIdP) DeleteCredential(ctx context.Context, clientReference string) error {
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type testEngine struct {
	eng   *Engine
	store *storage.Memory
	idp   *fakeIdP
	pub   *fakePublisher
	clk   *clock.Mock
	vault *vault.Vault
}

// newTestEngine builds an engine on an hourly schedule with a one hour
// confirmation window, anchored at 2026-03-01 10:00 UTC.
func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	v, err := vault.New(bytes.Repeat([]byte{0x42}, vault.MasterKeySize))
	require.NoError(t, err)

	schedule, err := ParseSchedule("0 * * * *")
	require.NoError(t, err)

	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

	te := &testEngine{
		store: storage.NewMemory(),
		idp:   &fakeIdP{},
		pub:   &fakePublisher{},
		clk:   clk,
		vault: v,
	}
	te.eng = New(Config{
		Store:            te.store,
		IdentityProvider: te.idp,
		Publisher:        te.pub,
		Vault:            v,
		Schedule:         schedule,
		ConfirmTimeout:   time.Hour,
		Clock:            clk,
		Log:              zerolog.Nop(),
	})
	return te
}

// addDevice seeds a device whose active secret is "initial-<name>".
func (te *testEngine) addDevice(t *testing.T, name string, state models.RotationState, secretAge time.Duration) *models.Device {
	t.Helper()
	sealed, err := te.vault.Seal([]byte("initial-" + name))
	require.NoError(t, err)
	d := &models.Device{
		ID:               uuid.New(),
		Name:             name,
		ClientReference:  "cli_" + name,
		RotationState:    state,
		SecretCiphertext: sealed,
		SecretCreatedAt:  te.clk.Now().UTC().Add(-secretAge),
		APITokenHash:     "hash-" + name,
		CreatedAt:        te.clk.Now().UTC(),
	}
	require.NoError(t, te.store.CreateDevice(context.Background(), d))
	return d
}

func (te *testEngine) pass(t *testing.T) *models.PassSummary {
	t.Helper()
	sum, err := te.eng.RunPass(context.Background())
	require.NoError(t, err)
	return sum
}

func (te *testEngine) device(t *testing.T, id uuid.UUID) *models.Device {
	t.Helper()
	d, err := te.store.GetDevice(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (te *testEngine) openSecret(t *testing.T, sealed []byte) string {
	t.Helper()
	plaintext, err := te.vault.Open(sealed)
	require.NoError(t, err)
	return string(plaintext)
}

func TestFirstPassAnchorsSchedule(t *testing.T) {
	te := newTestEngine(t)
	te.addDevice(t, "a", models.RotationOK, 0)

	sum := te.pass(t)
	assert.False(t, sum.WaveStarted, "first pass must anchor, not fire")

	lastWave, err := te.store.LastWave(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lastWave)
	assert.Equal(t, te.clk.Now().UTC(), *lastWave)

	sum = te.pass(t)
	assert.False(t, sum.WaveStarted)

	te.clk.Add(time.Hour)
	sum = te.pass(t)
	assert.True(t, sum.WaveStarted)
	assert.Equal(t, 1, sum.Queued)
}

func TestWaveQueuesFleetAndPromotesOldest(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t) // anchor

	young := te.addDevice(t, "young", models.RotationOK, time.Hour)
	oldest := te.addDevice(t, "oldest", models.RotationOK, 72*time.Hour)
	mid := te.addDevice(t, "mid", models.RotationOK, 24*time.Hour)

	te.clk.Add(time.Hour)
	sum := te.pass(t)

	assert.True(t, sum.WaveStarted)
	assert.Equal(t, 3, sum.Queued)
	require.NotNil(t, sum.Promoted)
	assert.Equal(t, oldest.ID, *sum.Promoted)

	assert.Equal(t, models.RotationPending, te.device(t, oldest.ID).RotationState)
	assert.Equal(t, models.RotationQueued, te.device(t, young.ID).RotationState)
	assert.Equal(t, models.RotationQueued, te.device(t, mid.ID).RotationState)

	assert.Equal(t, []string{"fleet.rotate." + oldest.ID.String()}, te.pub.subjects)

	promoted := te.device(t, oldest.ID)
	assert.Equal(t, "secret-1", te.openSecret(t, promoted.SecretCiphertext))
	assert.Equal(t, "initial-oldest", te.openSecret(t, promoted.CachedSecretCiphertext))
	require.NotNil(t, promoted.LastRotationAttemptAt)
}

func TestSingleRotationInFlight(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)

	// More passes inside the same interval promote nothing further.
	for i := 0; i < 3; i++ {
		sum := te.pass(t)
		assert.Nil(t, sum.Promoted)
		assert.Equal(t, 1, sum.Counts[models.RotationPending])
		assert.Equal(t, 1, sum.Counts[models.RotationQueued])
	}
	assert.Equal(t, 1, te.idp.regenerateCalls)
}

func TestHandoffIsIdempotentAndConfirmSettles(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	b := te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)
	require.Equal(t, models.RotationPending, te.device(t, a.ID).RotationState)

	cred1, err := te.eng.BeginHandoff(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, "cli_a", cred1.ClientReference)
	assert.Equal(t, "secret-1", cred1.ClientSecret)

	// A retried handoff serves the same secret without touching the provider.
	cred2, err := te.eng.BeginHandoff(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, cred1.ClientSecret, cred2.ClientSecret)
	assert.Equal(t, 1, te.idp.regenerateCalls)

	attempt := *te.device(t, a.ID).LastRotationAttemptAt
	te.clk.Add(5 * time.Minute)
	err = te.eng.Confirm(context.Background(), a.ID, models.ConfirmationProof{IssuedAt: te.clk.Now().UTC()})
	require.NoError(t, err)

	settled := te.device(t, a.ID)
	assert.Equal(t, models.RotationOK, settled.RotationState)
	assert.Empty(t, settled.CachedSecretCiphertext)
	assert.Equal(t, attempt, settled.SecretCreatedAt)
	require.NotNil(t, settled.LastRotationCompletedAt)

	// With the slot free, the next pass promotes the remaining device.
	sum := te.pass(t)
	require.NotNil(t, sum.Promoted)
	assert.Equal(t, b.ID, *sum.Promoted)
}

func TestConfirmRejectsStaleProof(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)
	attempt := *te.device(t, a.ID).LastRotationAttemptAt

	for _, issuedAt := range []time.Time{attempt.Add(-time.Minute), attempt} {
		err := te.eng.Confirm(context.Background(), a.ID, models.ConfirmationProof{IssuedAt: issuedAt})
		assert.True(t, errors.Is(err, ErrStaleProof), "issued %s: got %v", issuedAt, err)
	}
	assert.Equal(t, models.RotationPending, te.device(t, a.ID).RotationState)
}

func TestConfirmRejectsWrongState(t *testing.T) {
	te := newTestEngine(t)
	a := te.addDevice(t, "a", models.RotationOK, 0)

	err := te.eng.Confirm(context.Background(), a.ID, models.ConfirmationProof{IssuedAt: te.clk.Now()})
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestHandoffRejectsIdleAndTimedOutDevices(t *testing.T) {
	te := newTestEngine(t)
	idle := te.addDevice(t, "idle", models.RotationOK, 0)
	timedOut := te.addDevice(t, "late", models.RotationTimeout, time.Hour)

	for _, id := range []uuid.UUID{idle.ID, timedOut.ID} {
		_, err := te.eng.BeginHandoff(context.Background(), id)
		assert.True(t, errors.Is(err, ErrConflict), "device %s: got %v", id, err)
	}
}

func TestHandoffUnknownDevice(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.eng.BeginHandoff(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestEarlyHandoffPromotesQueuedDevice(t *testing.T) {
	te := newTestEngine(t)
	a := te.addDevice(t, "a", models.RotationQueued, 2*time.Hour)
	b := te.addDevice(t, "b", models.RotationQueued, time.Hour)

	// The younger device comes in early; it gets promoted on the spot.
	cred, err := te.eng.BeginHandoff(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-1", cred.ClientSecret)
	assert.Equal(t, models.RotationPending, te.device(t, b.ID).RotationState)

	// The other queued device now hits the single-in-flight rule.
	_, err = te.eng.BeginHandoff(context.Background(), a.ID)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, models.RotationQueued, te.device(t, a.ID).RotationState)
}

func TestTimeoutRestoresPreviousSecret(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	b := te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)
	require.Equal(t, models.RotationPending, te.device(t, a.ID).RotationState)

	// Device a never confirms; the window is one hour.
	te.clk.Add(61 * time.Minute)
	sum := te.pass(t)

	assert.Equal(t, 1, sum.TimedOut)
	assert.Equal(t, []string{"cli_a:initial-a"}, te.idp.restored)

	expired := te.device(t, a.ID)
	assert.Equal(t, models.RotationTimeout, expired.RotationState)
	assert.Empty(t, expired.CachedSecretCiphertext, "cache clears once restored")
	assert.Equal(t, "initial-a", te.openSecret(t, expired.SecretCiphertext))

	// The same pass moved on to the remaining queued device.
	require.NotNil(t, sum.Promoted)
	assert.Equal(t, b.ID, *sum.Promoted)
}

func TestFailedRestoreKeepsCacheAndRetries(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	b := te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t) // wave, a promoted

	te.idp.failRestore = &idp.Error{Op: "restore_secret", Status: 503, Transient: true, Err: errors.New("provider down")}
	te.clk.Add(61 * time.Minute)
	sum := te.pass(t) // a times out unrestored, b takes the slot

	assert.Equal(t, 1, sum.TimedOut)
	require.NotEmpty(t, sum.Errors)
	assert.Equal(t, "restore_secret", sum.Errors[0].Op)
	require.NotNil(t, sum.Promoted)
	assert.Equal(t, b.ID, *sum.Promoted)

	expired := te.device(t, a.ID)
	assert.Equal(t, models.RotationTimeout, expired.RotationState)
	assert.Equal(t, "initial-a", te.openSecret(t, expired.CachedSecretCiphertext),
		"failed restore must keep the cached secret")

	// Provider recovers; the next pass retries the restoration even though
	// b's rotation is still in flight.
	te.idp.failRestore = nil
	sum = te.pass(t)
	assert.Equal(t, 1, sum.Restored)
	assert.Equal(t, []string{"cli_a:initial-a"}, te.idp.restored)

	restored := te.device(t, a.ID)
	assert.Equal(t, models.RotationTimeout, restored.RotationState)
	assert.Empty(t, restored.CachedSecretCiphertext)
	assert.Equal(t, "initial-a", te.openSecret(t, restored.SecretCiphertext))
}

func TestRetriedPromotionPreservesOriginalCache(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, 2*time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t) // promote: active secret-1, cache initial-a

	// The rotation expires with a failing restore, and the same pass
	// promotes the device again since nothing else is waiting. The cache
	// must still hold the original secret, not the dead secret-1.
	te.idp.failRestore = &idp.Error{Op: "restore_secret", Status: 502, Transient: true, Err: errors.New("bad gateway")}
	te.clk.Add(61 * time.Minute)
	sum := te.pass(t)
	assert.Equal(t, 1, sum.TimedOut)
	require.NotNil(t, sum.Promoted)
	retried := te.device(t, a.ID)
	assert.Equal(t, models.RotationPending, retried.RotationState)
	assert.Equal(t, "initial-a", te.openSecret(t, retried.CachedSecretCiphertext))
	assert.Equal(t, "secret-2", te.openSecret(t, retried.SecretCiphertext))

	// When this attempt also expires and the provider is back, the
	// device falls back to the original secret.
	te.idp.failRestore = nil
	te.clk.Add(61 * time.Minute)
	te.pass(t)
	assert.Contains(t, te.idp.restored, "cli_a:initial-a")
}

func TestPromotionFailureLeavesDeviceQueued(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, time.Hour)

	te.idp.failRegenerate = &idp.Error{Op: "regenerate_secret", Status: 500, Transient: true, Err: errors.New("boom")}
	te.clk.Add(time.Hour)
	sum := te.pass(t)

	assert.True(t, sum.WaveStarted)
	assert.Nil(t, sum.Promoted)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "regenerate_secret", sum.Errors[0].Op)

	queued := te.device(t, a.ID)
	assert.Equal(t, models.RotationQueued, queued.RotationState)
	assert.Empty(t, queued.CachedSecretCiphertext)
	assert.Empty(t, te.pub.subjects)

	// Provider recovers, next pass succeeds.
	te.idp.failRegenerate = nil
	sum = te.pass(t)
	require.NotNil(t, sum.Promoted)
	assert.Equal(t, a.ID, *sum.Promoted)
}

func TestEarlyHandoffSurfacesProviderFailure(t *testing.T) {
	te := newTestEngine(t)
	a := te.addDevice(t, "a", models.RotationQueued, time.Hour)

	te.idp.failRegenerate = &idp.Error{Op: "regenerate_secret", Status: 503, Transient: true, Err: errors.New("busy")}
	_, err := te.eng.BeginHandoff(context.Background(), a.ID)
	require.Error(t, err)
	assert.True(t, idp.IsTransient(err))
	assert.Equal(t, models.RotationQueued, te.device(t, a.ID).RotationState)
}

func TestManualWave(t *testing.T) {
	te := newTestEngine(t)
	te.addDevice(t, "a", models.RotationOK, time.Hour)
	te.addDevice(t, "b", models.RotationOK, time.Hour)

	queued, err := te.eng.TriggerWave(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	// A manual wave re-anchors the schedule.
	lastWave, err := te.store.LastWave(context.Background())
	require.NoError(t, err)
	require.NotNil(t, lastWave)
	assert.Equal(t, te.clk.Now().UTC(), *lastWave)
}

func TestManualWaveRefusedWhilePending(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	ok := te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)

	// b confirmed its wave already; put it back to OK for the force case.
	require.NoError(t, te.store.WithTx(context.Background(), func(tx storage.Tx) error {
		d, err := tx.GetDeviceForUpdate(context.Background(), ok.ID)
		if err != nil {
			return err
		}
		d.RotationState = models.RotationOK
		return tx.UpdateDeviceRotation(context.Background(), d)
	}))

	_, err := te.eng.TriggerWave(context.Background(), false)
	assert.True(t, errors.Is(err, ErrConflict))

	queued, err := te.eng.TriggerWave(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	counts, err := te.store.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.RotationPending], "forced wave leaves the in-flight rotation alone")
}

func TestMissedBoundariesDrainOnePerPass(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t) // anchor at 10:00
	anchor := te.clk.Now().UTC()

	te.clk.Add(3*time.Hour + 30*time.Minute)

	for i := 1; i <= 3; i++ {
		sum := te.pass(t)
		assert.True(t, sum.WaveStarted, "pass %d", i)
		lastWave, err := te.store.LastWave(context.Background())
		require.NoError(t, err)
		assert.Equal(t, anchor.Add(time.Duration(i)*time.Hour), *lastWave)
	}
	sum := te.pass(t)
	assert.False(t, sum.WaveStarted, "all elapsed boundaries drained")
}

func TestFleetStatus(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, 2*time.Hour)
	te.addDevice(t, "b", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)

	status, err := te.eng.FleetStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, status.Counts[models.RotationPending])
	assert.Equal(t, 1, status.Counts[models.RotationQueued])
	require.NotNil(t, status.Pending)
	assert.Equal(t, a.ID, status.Pending.ID)
	require.NotNil(t, status.LastWaveStartedAt)
	assert.Nil(t, status.LastCompletedAt)

	te.clk.Add(time.Minute)
	require.NoError(t, te.eng.Confirm(context.Background(), a.ID, models.ConfirmationProof{IssuedAt: te.clk.Now().UTC()}))

	status, err = te.eng.FleetStatus(context.Background())
	require.NoError(t, err)
	assert.Nil(t, status.Pending)
	require.NotNil(t, status.LastCompletedAt)
}

func TestPassRecordsEventTrail(t *testing.T) {
	te := newTestEngine(t)
	te.pass(t)
	a := te.addDevice(t, "a", models.RotationOK, time.Hour)

	te.clk.Add(time.Hour)
	te.pass(t)
	_, err := te.eng.BeginHandoff(context.Background(), a.ID)
	require.NoError(t, err)
	te.clk.Add(time.Minute)
	require.NoError(t, te.eng.Confirm(context.Background(), a.ID, models.ConfirmationProof{IssuedAt: te.clk.Now().UTC()}))

	events, err := te.store.Events(context.Background(), storage.EventFilter{})
	require.NoError(t, err)

	var kinds []string
	for i := len(events) - 1; i >= 0; i-- {
		kinds = append(kinds, events[i].Event)
	}
	assert.Equal(t, []string{
		models.EventWaveStarted,
		models.EventPromoted,
		models.EventHandoffServed,
		models.EventConfirmed,
	}, kinds)
}
