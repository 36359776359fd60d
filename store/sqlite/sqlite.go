// Package sqlite implements loom.ThreadStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/loom"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements loom.ThreadStore backed by a local SQLite file.
// History, run state and output are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ loom.ThreadStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			tick INTEGER NOT NULL DEFAULT 0,
			history TEXT NOT NULL,
			state TEXT NOT NULL,
			output TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS threads_status_updated ON threads(status, updated_at DESC)`,
	}
	for _, ddl := range stmts {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: init failed", "error", err)
			return fmt.Errorf("create schema: %w", err)
		}
	}
	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// SaveThread inserts or replaces the snapshot of a thread.
func (s *Store) SaveThread(ctx context.Context, snap loom.Snapshot) error {
	start := time.Now()
	s.logger.Debug("sqlite: save thread", "id", snap.ThreadID, "status", snap.State.Status, "tick", snap.State.Tick)

	history, state, output, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO threads (id, agent_id, status, tick, history, state, output, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			status = excluded.status,
			tick = excluded.tick,
			history = excluded.history,
			state = excluded.state,
			output = excluded.output,
			updated_at = excluded.updated_at`,
		snap.ThreadID, snap.AgentID, string(snap.State.Status), snap.State.Tick,
		history, state, output, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: save thread failed", "id", snap.ThreadID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("save thread: %w", err)
	}
	s.logger.Debug("sqlite: save thread ok", "id", snap.ThreadID, "duration", time.Since(start))
	return nil
}

// LoadThread returns the stored snapshot of a thread, or an error wrapping
// loom.ErrThreadNotFound.
func (s *Store) LoadThread(ctx context.Context, id string) (loom.Snapshot, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load thread", "id", id)

	var (
		snap           loom.Snapshot
		history, state   string
		output         sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, history, state, output, created_at, updated_at FROM threads WHERE id = ?`,
		id,
	).Scan(&snap.ThreadID, &snap.AgentID, &history, &state, &output, &snap.CreatedAt, &snap.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loom.Snapshot{}, fmt.Errorf("load thread %s: %w", id, loom.ErrThreadNotFound)
	}
	if err != nil {
		s.logger.Error("sqlite: load thread failed", "id", id, "error", err, "duration", time.Since(start))
		return loom.Snapshot{}, fmt.Errorf("load thread: %w", err)
	}
	if err := decodeSnapshot(&snap, history, state, output.String); err != nil {
		return loom.Snapshot{}, fmt.Errorf("load thread %s: %w", id, err)
	}
	s.logger.Debug("sqlite: load thread ok", "id", id, "events", len(snap.History), "duration", time.Since(start))
	return snap, nil
}

// DeleteThread removes a thread. Deleting a missing thread is not an error.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	start := time.Now()
	s.logger.Debug("sqlite: delete thread", "id", id)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id); err != nil {
		s.logger.Error("sqlite: delete thread failed", "id", id, "error", err)
		return fmt.Errorf("delete thread: %w", err)
	}
	s.logger.Debug("sqlite: delete thread ok", "id", id, "duration", time.Since(start))
	return nil
}

// ListThreads returns thread summaries ordered by most recently updated
// first. An empty status matches every thread; limit <= 0 means no limit.
func (s *Store) ListThreads(ctx context.Context, status loom.RunStatus, limit int) ([]loom.ThreadSummary, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list threads", "status", status, "limit", limit)

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, status, tick, updated_at
		 FROM threads WHERE (? = '' OR status = ?)
		 ORDER BY updated_at DESC, id
		 LIMIT ?`,
		string(status), string(status), limit,
	)
	if err != nil {
		s.logger.Error("sqlite: list threads failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []loom.ThreadSummary
	for rows.Next() {
		var (
			ts loom.ThreadSummary
			st string
		)
		if err := rows.Scan(&ts.ThreadID, &ts.AgentID, &st, &ts.Tick, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		ts.Status = loom.RunStatus(st)
		out = append(out, ts)
	}
	s.logger.Debug("sqlite: list threads ok", "count", len(out), "duration", time.Since(start))
	return out, rows.Err()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func encodeSnapshot(snap loom.Snapshot) (history, state string, output *string, err error) {
	h, err := loom.MarshalEvents(snap.History)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode history: %w", err)
	}
	st, err := json.Marshal(snap.State)
	if err != nil {
		return "", "", nil, fmt.Errorf("encode state: %w", err)
	}
	if snap.Output != nil {
		o, err := json.Marshal(snap.Output)
		if err != nil {
			return "", "", nil, fmt.Errorf("encode output: %w", err)
		}
		v := string(o)
		output = &v
	}
	return string(h), string(st), output, nil
}

func decodeSnapshot(snap *loom.Snapshot, history, state, output string) error {
	events, err := loom.UnmarshalEvents([]byte(history))
	if err != nil {
		return fmt.Errorf("decode history: %w", err)
	}
	snap.History = events
	if err := json.Unmarshal([]byte(state), &snap.State); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	if output != "" {
		if err := json.Unmarshal([]byte(output), &snap.Output); err != nil {
			return fmt.Errorf("decode output: %w", err)
		}
	}
	return nil
}
