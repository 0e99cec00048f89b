// Package storage defines the Storage interface every backend (sqlite,
// dolt, memory) implements. It is the single source of truth for on-disk
// state (spec §3 "Ownership"): transactional at the operation level,
// consistent with the last successful write from the same process.
package storage

import (
	"context"
	"time"

	"github.com/jonathanpeterwu/stackmemory-sub004/internal/types"
)

// Tx is an in-flight transaction handle. Callers pass it back into every
// Storage method invoked within the transaction's scope.
type Tx interface {
	Commit() error
	Rollback() error
}

// SessionFilter narrows SelectSessions.
type SessionFilter struct {
	ProjectID string
	Branch    string // empty = any branch
	State     types.SessionState
}

// SearchFilters narrows SearchFulltext.
type SearchFilters struct {
	ProjectID string
	SessionID string   // empty = any session in the project
	Kinds     []string // "frame", "event", "anchor" — empty = all
}

// SearchHit is one full-text match, carrying the BM25-style lexical score
// the Retriever re-ranks on (spec §4.2 "Full-text results carry a lexical
// relevance score").
type SearchHit struct {
	FrameID   string
	Kind      string // "frame" | "event" | "anchor"
	Snippet   string
	BM25Score float64
	CreatedAt time.Time
}

// Storage is the minimal capability set every backend exposes: tx, CRUD,
// full-text search. Kept deliberately narrow — see spec §9 "Polymorphism".
type Storage interface {
	// Transactions
	BeginTx(ctx context.Context) (Tx, error)

	// Projects / Sessions
	EnsureProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, projectID string) (*types.Project, error)
	InsertSession(ctx context.Context, s *types.Session) error
	UpdateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	SelectSessions(ctx context.Context, f SessionFilter, limit int) ([]*types.Session, error)

	// Frames
	InsertFrame(ctx context.Context, tx Tx, f *types.Frame) error
	CloseFrame(ctx context.Context, tx Tx, frameID string, closedAt time.Time, digest *types.FrameDigest) error
	GetFrame(ctx context.Context, frameID string) (*types.Frame, error)
	GetFrames(ctx context.Context, frameIDs []string) ([]*types.Frame, error)
	SelectFramesBySession(ctx context.Context, sessionID string, state types.FrameState) ([]*types.Frame, error)
	ChildFrames(ctx context.Context, parentFrameID string) ([]*types.Frame, error)

	// Events
	AppendEvent(ctx context.Context, tx Tx, e *types.Event) error
	GetEvents(ctx context.Context, frameID string, limit int) ([]*types.Event, error)
	EventCount(ctx context.Context, frameID string, types_ ...types.EventType) (int, error)

	// Anchors
	InsertAnchor(ctx context.Context, tx Tx, a *types.Anchor) error
	GetAnchors(ctx context.Context, frameID string) ([]*types.Anchor, error)
	SelectAnchorsBySession(ctx context.Context, sessionID string) ([]*types.Anchor, error)

	// Tasks
	InsertTask(ctx context.Context, t *types.Task) error
	UpdateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
	SelectActiveTasks(ctx context.Context, limit int) ([]*types.Task, error)
	TaskMetrics(ctx context.Context) (*types.TaskMetrics, error)
	AddTaskDependency(ctx context.Context, taskID, dependsOnID string) error

	// Tier layer
	UpsertStorageItem(ctx context.Context, tx Tx, item *types.StorageItem) error
	GetStorageItem(ctx context.Context, frameID string) (*types.StorageItem, error)
	EnqueueMigration(ctx context.Context, tx Tx, m *types.MigrationQueueEntry) error
	ClaimMigrationBatch(ctx context.Context, n int, leaseHolder string, leaseTTL time.Duration) ([]*types.MigrationQueueEntry, error)
	CompleteMigration(ctx context.Context, itemID string) error
	RequeueMigration(ctx context.Context, m *types.MigrationQueueEntry) error
	QueueDepth(ctx context.Context) (int, error)

	// Full text
	SearchFulltext(ctx context.Context, query string, f SearchFilters, limit int) ([]SearchHit, error)

	// Config (key/value bag used by internal/config, per-project overrides)
	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error

	Close() error
}
