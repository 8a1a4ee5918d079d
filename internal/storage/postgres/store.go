// Package postgres provides the Postgres-backed Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Config controls the connection pool.
type Config struct {
	DSN      string
	MaxConns int32
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements monitor.Store on pgx. Assumed schema:
//
//	CREATE TABLE targets (
//	    id TEXT PRIMARY KEY,
//	    client_id TEXT NOT NULL,
//	    name TEXT NOT NULL,
//	    url TEXT NOT NULL,
//	    rules JSONB NOT NULL,
//	    poll_interval_seconds BIGINT NOT NULL,
//	    active BOOLEAN NOT NULL DEFAULT TRUE,
//	    last_run TIMESTAMPTZ,
//	    last_status TEXT NOT NULL DEFAULT 'new',
//	    failure_count INT NOT NULL DEFAULT 0,
//	    success_rate DOUBLE PRECISION NOT NULL DEFAULT 0
//	);
//
//	CREATE TABLE snapshots (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL REFERENCES targets(id),
//	    captured_at TIMESTAMPTZ NOT NULL,
//	    fields JSONB NOT NULL,
//	    checksum TEXT NOT NULL,
//	    content_uri TEXT,
//	    status_code INT NOT NULL,
//	    duration_ms BIGINT NOT NULL
//	);
//
//	CREATE TABLE change_events (
//	    id TEXT PRIMARY KEY,
//	    target_id TEXT NOT NULL REFERENCES targets(id),
//	    prev_snapshot_id TEXT NOT NULL,
//	    new_snapshot_id TEXT NOT NULL,
//	    field TEXT NOT NULL,
//	    kind TEXT NOT NULL,
//	    magnitude DOUBLE PRECISION NOT NULL DEFAULT 0,
//	    occurred_at TIMESTAMPTZ NOT NULL
//	);
type Store struct {
	pool querier
}

// New connects a pool and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const targetColumns = `id, client_id, name, url, rules, poll_interval_seconds,
	       active, last_run, last_status, failure_count, success_rate`

// PutTarget validates and upserts a target definition. Run-state columns are
// left alone on conflict; only the definition changes.
func (s *Store) PutTarget(ctx context.Context, target monitor.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	rulesJSON, err := json.Marshal(target.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	query := `
		INSERT INTO targets (id, client_id, name, url, rules, poll_interval_seconds, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    client_id = EXCLUDED.client_id,
		    name = EXCLUDED.name,
		    url = EXCLUDED.url,
		    rules = EXCLUDED.rules,
		    poll_interval_seconds = EXCLUDED.poll_interval_seconds,
		    active = EXCLUDED.active;
	`
	_, err = s.pool.Exec(ctx, query,
		target.ID,
		target.ClientID,
		target.Name,
		target.URL,
		rulesJSON,
		int64(target.PollInterval/time.Second),
		target.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// SetActive flips a target's active flag.
func (s *Store) SetActive(ctx context.Context, targetID string, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE targets SET active = $1 WHERE id = $2;`, active, targetID)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}

// Target returns one target by ID.
func (s *Store) Target(ctx context.Context, targetID string) (monitor.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE id = $1;`
	row := s.pool.QueryRow(ctx, query, targetID)
	t, err := scanTarget(row.Scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Target{}, monitor.ErrNotFound
		}
		return monitor.Target{}, fmt.Errorf("load target: %w", err)
	}
	return t, nil
}

// LoadActiveTargets returns the active targets ordered by ID.
func (s *Store) LoadActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets WHERE active ORDER BY id;`
	return s.queryTargets(ctx, query)
}

// ListTargets returns every target ordered by ID, active or not.
func (s *Store) ListTargets(ctx context.Context) ([]monitor.Target, error) {
	query := `SELECT ` + targetColumns + ` FROM targets ORDER BY id;`
	return s.queryTargets(ctx, query)
}

func (s *Store) queryTargets(ctx context.Context, query string, args ...any) ([]monitor.Target, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	defer rows.Close()

	var targets []monitor.Target
	for rows.Next() {
		t, err := scanTarget(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate target rows: %w", err)
	}
	return targets, nil
}

func scanTarget(scan func(dest ...any) error) (monitor.Target, error) {
	var (
		t            monitor.Target
		rulesJSON    []byte
		intervalSecs int64
		lastRun      *time.Time
	)
	err := scan(
		&t.ID,
		&t.ClientID,
		&t.Name,
		&t.URL,
		&rulesJSON,
		&intervalSecs,
		&t.Active,
		&lastRun,
		&t.LastStatus,
		&t.FailureCount,
		&t.SuccessRate,
	)
	if err != nil {
		return monitor.Target{}, err
	}
	if err := json.Unmarshal(rulesJSON, &t.Rules); err != nil {
		return monitor.Target{}, fmt.Errorf("decode rules for target %s: %w", t.ID, err)
	}
	t.PollInterval = time.Duration(intervalSecs) * time.Second
	if lastRun != nil {
		t.LastRun = *lastRun
	}
	return t, nil
}

// SaveSnapshot inserts one immutable snapshot row.
func (s *Store) SaveSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	fieldsJSON, err := json.Marshal(snap.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	query := `
		INSERT INTO snapshots (id, target_id, captured_at, fields, checksum, content_uri, status_code, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err = s.pool.Exec(ctx, query,
		snap.ID,
		snap.TargetID,
		snap.CapturedAt,
		fieldsJSON,
		snap.Checksum,
		snap.ContentURI,
		snap.StatusCode,
		snap.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for a target, or
// monitor.ErrNotFound when the target has no snapshots yet.
func (s *Store) LatestSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, error) {
	query := `
		SELECT id, target_id, captured_at, fields, checksum, content_uri, status_code, duration_ms
		FROM snapshots
		WHERE target_id = $1
		ORDER BY captured_at DESC
		LIMIT 1;
	`
	var (
		snap       monitor.Snapshot
		fieldsJSON []byte
		durationMs int64
	)
	err := s.pool.QueryRow(ctx, query, targetID).Scan(
		&snap.ID,
		&snap.TargetID,
		&snap.CapturedAt,
		&fieldsJSON,
		&snap.Checksum,
		&snap.ContentURI,
		&snap.StatusCode,
		&durationMs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return monitor.Snapshot{}, monitor.ErrNotFound
		}
		return monitor.Snapshot{}, fmt.Errorf("load latest snapshot: %w", err)
	}
	if err := json.Unmarshal(fieldsJSON, &snap.Fields); err != nil {
		return monitor.Snapshot{}, fmt.Errorf("decode snapshot fields: %w", err)
	}
	snap.Duration = time.Duration(durationMs) * time.Millisecond
	return snap, nil
}

// SaveChangeEvent inserts one change event row.
func (s *Store) SaveChangeEvent(ctx context.Context, event monitor.ChangeEvent) error {
	query := `
		INSERT INTO change_events (id, target_id, prev_snapshot_id, new_snapshot_id, field, kind, magnitude, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
	`
	_, err := s.pool.Exec(ctx, query,
		event.ID,
		event.TargetID,
		event.PrevSnapshotID,
		event.NewSnapshotID,
		event.Field,
		event.Kind,
		event.Magnitude,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// ListChangeEvents returns a page of a target's events, newest first. A
// limit of zero or less means no limit.
func (s *Store) ListChangeEvents(ctx context.Context, targetID string, limit, offset int) ([]monitor.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, target_id, prev_snapshot_id, new_snapshot_id, field, kind, magnitude, occurred_at
		FROM change_events
		WHERE target_id = $1
		ORDER BY occurred_at DESC
		LIMIT NULLIF($2, -1) OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, targetID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	var events []monitor.ChangeEvent
	for rows.Next() {
		var ev monitor.ChangeEvent
		err := rows.Scan(
			&ev.ID,
			&ev.TargetID,
			&ev.PrevSnapshotID,
			&ev.NewSnapshotID,
			&ev.Field,
			&ev.Kind,
			&ev.Magnitude,
			&ev.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan change event row: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change event rows: %w", err)
	}
	return events, nil
}

// UpdateTargetRunState advances the run-state columns. A zero `at` leaves
// last_run unchanged so deferred targets come due again next cycle. The
// success rate decays by 5% per run and earns 5 points on success.
func (s *Store) UpdateTargetRunState(ctx context.Context, targetID string, status monitor.TargetStatus, at time.Time, failures int) error {
	var lastRun *time.Time
	if !at.IsZero() {
		lastRun = &at
	}
	query := `
		UPDATE targets
		SET last_status = $1,
		    failure_count = $2,
		    last_run = COALESCE($3, last_run),
		    success_rate = success_rate * 0.95 + CASE WHEN $1 = 'ok' THEN 5 ELSE 0 END
		WHERE id = $4;
	`
	tag, err := s.pool.Exec(ctx, query, string(status), failures, lastRun, targetID)
	if err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return monitor.ErrNotFound
	}
	return nil
}
