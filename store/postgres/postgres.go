// Package postgres implements loom.ThreadStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool. History, run state and output are
// stored as JSONB.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/loom"
)

// Store implements loom.ThreadStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithLogger sets a structured logger for store errors.
func WithLogger(l *slog.Logger) Option {
	return func(c *pgConfig) { c.logger = l }
}

var _ loom.ThreadStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Store{pool: pool, cfg: cfg}
}

// Connect parses dsn, opens a pool and returns a Store that owns it; Close
// closes the pool.
func Connect(ctx context.Context, dsn string, opts ...Option) (*OwnedStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &OwnedStore{Store: New(pool, opts...)}, nil
}

// OwnedStore is a Store that closes its pool on Close.
type OwnedStore struct {
	*Store
}

// Close closes the pool.
func (s *OwnedStore) Close() error {
	s.pool.Close()
	return nil
}

// Init creates the threads table and its indexes. Safe to call more than once.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			history JSONB NOT NULL,
			state JSONB NOT NULL,
			output JSONB,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_status_updated_idx ON threads(status, updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			s.cfg.logger.Error("postgres: init failed", "error", err)
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

// SaveThread inserts or replaces the snapshot of a thread.
func (s *Store) SaveThread(ctx context.Context, snap loom.Snapshot) error {
	history, err := loom.MarshalEvents(snap.History)
	if err != nil {
		return fmt.Errorf("postgres: encode history: %w", err)
	}
	state, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("postgres: encode state: %w", err)
	}
	var output []byte
	if snap.Output != nil {
		if output, err = json.Marshal(snap.Output); err != nil {
			return fmt.Errorf("postgres: encode output: %w", err)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (id, agent_id, status, tick, history, state, output, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			status = EXCLUDED.status,
			tick = EXCLUDED.tick,
			history = EXCLUDED.history,
			state = EXCLUDED.state,
			output = EXCLUDED.output,
			updated_at = EXCLUDED.updated_at`,
		snap.ThreadID, snap.AgentID, string(snap.State.Status), snap.State.Tick,
		string(history), string(state), nullableJSON(output), snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		s.cfg.logger.Error("postgres: save thread failed", "id", snap.ThreadID, "error", err)
		return fmt.Errorf("postgres: save thread: %w", err)
	}
	return nil
}

// LoadThread returns the stored snapshot of a thread, or an error wrapping
// loom.ErrThreadNotFound.
func (s *Store) LoadThread(ctx context.Context, id string) (loom.Snapshot, error) {
	var (
		snap                   loom.Snapshot
		history, state, output []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, history, state, output, created_at, updated_at FROM threads WHERE id = $1`, id,
	).Scan(&snap.ThreadID, &snap.AgentID, &history, &state, &output, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return loom.Snapshot{}, fmt.Errorf("postgres: load thread %s: %w", id, loom.ErrThreadNotFound)
	}
	if err != nil {
		return loom.Snapshot{}, fmt.Errorf("postgres: load thread: %w", err)
	}

	if snap.History, err = loom.UnmarshalEvents(history); err != nil {
		return loom.Snapshot{}, fmt.Errorf("postgres: decode history: %w", err)
	}
	if err := json.Unmarshal(state, &snap.State); err != nil {
		return loom.Snapshot{}, fmt.Errorf("postgres: decode state: %w", err)
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &snap.Output); err != nil {
			return loom.Snapshot{}, fmt.Errorf("postgres: decode output: %w", err)
		}
	}
	return snap, nil
}

// DeleteThread removes a thread. Deleting a missing thread is not an error.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete thread: %w", err)
	}
	return nil
}

// ListThreads returns thread summaries ordered by most recently updated
// first. An empty status matches every thread; limit <= 0 means no limit.
func (s *Store) ListThreads(ctx context.Context, status loom.RunStatus, limit int) ([]loom.ThreadSummary, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, status, tick, updated_at
		 FROM threads WHERE ($1::text = '' OR status = $1)
		 ORDER BY updated_at DESC, id
		 LIMIT $2`,
		string(status), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var out []loom.ThreadSummary
	for rows.Next() {
		var (
			ts loom.ThreadSummary
			st string
		)
		if err := rows.Scan(&ts.ThreadID, &ts.AgentID, &st, &ts.Tick, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan thread: %w", err)
		}
		ts.Status = loom.RunStatus(st)
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Close is a no-op; the caller owns the pool.
func (s *Store) Close() error {
	return nil
}

func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
