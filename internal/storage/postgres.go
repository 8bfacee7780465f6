package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/org/fleetrotate/pkg/models"
)

const deviceColumns = `id, name, client_reference, rotation_state, secret_ciphertext,
	cached_secret_ciphertext, secret_created_at, last_rotation_attempt_at,
	last_rotation_completed_at, api_token_hash, created_at`

// PostgresBackend is a Store backed by PostgreSQL.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend opens a pgxpool connection and returns a ready backend.
func NewPostgresBackend(ctx context.Context, connStr string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Close() {
	p.pool.Close()
}

// WithTx runs fn inside a transaction.
func (p *PostgresBackend) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Devices ---

func (p *PostgresBackend) CreateDevice(ctx context.Context, d *models.Device) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO devices (id, name, client_reference, rotation_state, secret_ciphertext,
		        cached_secret_ciphertext, secret_created_at, last_rotation_attempt_at,
		        last_rotation_completed_at, api_token_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.Name, d.ClientReference, d.RotationState, d.SecretCiphertext,
		d.CachedSecretCiphertext, d.SecretCreatedAt, d.LastRotationAttemptAt,
		d.LastRotationCompletedAt, d.APITokenHash, d.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresBackend) GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	var d models.Device
	err := pgxscan.Get(ctx, p.pool, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (p *PostgresBackend) GetDeviceByName(ctx context.Context, name string) (*models.Device, error) {
	var d models.Device
	err := pgxscan.Get(ctx, p.pool, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE name = $1`, name)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (p *PostgresBackend) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	var d models.Device
	err := pgxscan.Get(ctx, p.pool, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE api_token_hash = $1`, tokenHash)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (p *PostgresBackend) ListDevices(ctx context.Context) ([]*models.Device, error) {
	var devices []*models.Device
	err := pgxscan.Select(ctx, p.pool, &devices,
		`SELECT `+deviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (p *PostgresBackend) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM devices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Rotation bookkeeping ---

func (p *PostgresBackend) PendingBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := pgxscan.Select(ctx, p.pool, &ids,
		`SELECT id FROM devices
		 WHERE rotation_state = $1 AND last_rotation_attempt_at < $2
		 ORDER BY last_rotation_attempt_at`,
		models.RotationPending, cutoff)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *PostgresBackend) TimeoutWithCache(ctx context.Context) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := pgxscan.Select(ctx, p.pool, &ids,
		`SELECT id FROM devices
		 WHERE rotation_state = $1 AND cached_secret_ciphertext IS NOT NULL
		 ORDER BY last_rotation_attempt_at`,
		models.RotationTimeout)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (p *PostgresBackend) PendingDevice(ctx context.Context) (*models.Device, error) {
	var d models.Device
	err := pgxscan.Get(ctx, p.pool, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE rotation_state = $1 LIMIT 1`,
		models.RotationPending)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (p *PostgresBackend) CountByState(ctx context.Context) (map[models.RotationState]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT rotation_state, COUNT(*) FROM devices GROUP BY rotation_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.RotationState]int{
		models.RotationOK:      0,
		models.RotationQueued:  0,
		models.RotationPending: 0,
		models.RotationTimeout: 0,
	}
	for rows.Next() {
		var state models.RotationState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func (p *PostgresBackend) LastWave(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT last_wave_started_at FROM rotation_control WHERE id`).Scan(&t)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return t, nil
}

func (p *PostgresBackend) LastCompletion(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT MAX(last_rotation_completed_at) FROM devices`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// --- Events ---

func (p *PostgresBackend) AppendEvent(ctx context.Context, e *models.RotationEvent) error {
	return appendEvent(ctx, p.pool, e)
}

func (p *PostgresBackend) Events(ctx context.Context, filter EventFilter) ([]*models.RotationEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, device_id, event, detail, created_at FROM rotation_events WHERE 1=1`)
	args := []any{}
	n := 1
	if filter.DeviceID != nil {
		fmt.Fprintf(&query, ` AND device_id = $%d`, n)
		args = append(args, *filter.DeviceID)
		n++
	}
	if filter.Since != nil {
		fmt.Fprintf(&query, ` AND created_at >= $%d`, n)
		args = append(args, *filter.Since)
		n++
	}
	query.WriteString(` ORDER BY created_at DESC, id DESC`)
	if filter.Limit > 0 {
		fmt.Fprintf(&query, ` LIMIT $%d`, n)
		args = append(args, filter.Limit)
		n++
	}
	if filter.Offset > 0 {
		fmt.Fprintf(&query, ` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	var events []*models.RotationEvent
	if err := pgxscan.Select(ctx, p.pool, &events, query.String(), args...); err != nil {
		return nil, err
	}
	return events, nil
}

// execer covers pgxpool.Pool and pgx.Tx for shared write helpers.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func appendEvent(ctx context.Context, db execer, e *models.RotationEvent) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := db.Exec(ctx,
		`INSERT INTO rotation_events (device_id, event, detail, created_at)
		 VALUES ($1, $2, $3, $4)`,
		e.DeviceID, e.Event, e.Detail, createdAt,
	)
	return err
}

// --- Transactions ---

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockControl(ctx context.Context) (*time.Time, error) {
	var lastWave *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT last_wave_started_at FROM rotation_control WHERE id FOR UPDATE`).Scan(&lastWave)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return lastWave, nil
}

func (t *pgTx) SetLastWave(ctx context.Context, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE rotation_control SET last_wave_started_at = $1 WHERE id`, at)
	return err
}

func (t *pgTx) GetDeviceForUpdate(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	var d models.Device
	err := pgxscan.Get(ctx, t.tx, &d,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return &d, nil
}

func (t *pgTx) UpdateDeviceRotation(ctx context.Context, d *models.Device) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE devices
		 SET rotation_state = $2,
		     secret_ciphertext = $3,
		     cached_secret_ciphertext = $4,
		     secret_created_at = $5,
		     last_rotation_attempt_at = $6,
		     last_rotation_completed_at = $7
		 WHERE id = $1`,
		d.ID, d.RotationState, d.SecretCiphertext, d.CachedSecretCiphertext,
		d.SecretCreatedAt, d.LastRotationAttemptAt, d.LastRotationCompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) QueueAllOK(ctx context.Context) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE devices SET rotation_state = $1 WHERE rotation_state = $2`,
		models.RotationQueued, models.RotationOK)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *pgTx) AnyPending(ctx context.Context) (bool, error) {
	var pending bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM devices WHERE rotation_state = $1)`,
		models.RotationPending).Scan(&pending)
	return pending, err
}

func (t *pgTx) NextCandidate(ctx context.Context) (*models.Device, error) {
	// QUEUED devices go first; TIMEOUT devices are retried only once the
	// queue drains. Oldest secret wins within each class.
	for _, state := range []models.RotationState{models.RotationQueued, models.RotationTimeout} {
		var d models.Device
		err := pgxscan.Get(ctx, t.tx, &d,
			`SELECT `+deviceColumns+` FROM devices
			 WHERE rotation_state = $1
			 ORDER BY secret_created_at, id
			 LIMIT 1
			 FOR UPDATE`, state)
		if err == nil {
			return &d, nil
		}
		if !pgxscan.NotFound(err) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (t *pgTx) AppendEvent(ctx context.Context, e *models.RotationEvent) error {
	return appendEvent(ctx, t.tx, e)
}

// --- Error mapping ---

func mapNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) || pgxscan.NotFound(err) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
