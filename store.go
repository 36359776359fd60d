package loom

import "context"

// ThreadStore persists thread snapshots so suspended or interrupted runs can
// be restored in another process. Implementations live in store/sqlite and
// store/postgres.
type ThreadStore interface {
	// Init creates the schema. Safe to call more than once.
	Init(ctx context.Context) error
	// SaveThread inserts or replaces the snapshot of a thread.
	SaveThread(ctx context.Context, snap Snapshot) error
	// LoadThread returns the latest snapshot, or ErrThreadNotFound.
	LoadThread(ctx context.Context, threadID string) (Snapshot, error)
	// DeleteThread removes a thread. Deleting a missing thread is not an error.
	DeleteThread(ctx context.Context, threadID string) error
	// ListThreads returns summaries of stored threads, newest first.
	ListThreads(ctx context.Context, status RunStatus, limit int) ([]ThreadSummary, error)
	Close() error
}

// ThreadSummary is a stored thread without its history.
type ThreadSummary struct {
	ThreadID  string
	AgentID   string
	Status    RunStatus
	Tick      int
	UpdatedAt int64
}
