package stores

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/ferrite-build/ferrite/pkg/engine"
)

// ArtifactStore is the store-side artifact surface. It extends the
// engine's contract with content access and the maintenance operations
// the cache commands use.
type ArtifactStore interface {
	engine.ArtifactStore

	// Open returns a reader over the stored artifact content. Backends
	// that index metadata only return an error.
	Open(ctx context.Context, fingerprint string) (io.ReadCloser, error)

	// Delete removes the artifact stored under a fingerprint. Deleting an
	// absent fingerprint is not an error.
	Delete(ctx context.Context, fingerprint string) error

	// List returns all stored artifact records.
	List(ctx context.Context) ([]*engine.Artifact, error)

	// Stats reports cache totals.
	Stats(ctx context.Context) (*CacheStats, error)

	// Close releases backend resources.
	Close() error
}

// CacheStats aggregates the contents of an artifact store.
type CacheStats struct {
	// Artifacts is the number of stored artifacts.
	Artifacts int `json:"artifacts"`

	// TotalSize is the combined artifact size in bytes.
	TotalSize int64 `json:"total_size"`

	// Oldest is the creation time of the oldest artifact.
	Oldest time.Time `json:"oldest,omitempty"`

	// Newest is the creation time of the newest artifact.
	Newest time.Time `json:"newest,omitempty"`
}

// NodeRecord is the persisted outcome of one graph node in a run.
type NodeRecord struct {
	// ID is the database row identifier.
	ID int64 `json:"id"`

	// RunID is the owning run.
	RunID string `json:"run_id"`

	// NodeID is the graph node identifier (name or name@user/channel).
	NodeID string `json:"node_id"`

	// Ref is the node's resolved reference.
	Ref string `json:"ref"`

	// Fingerprint is the node's binary fingerprint, empty for invalid
	// nodes.
	Fingerprint string `json:"fingerprint,omitempty"`

	// State is the node's terminal lifecycle state.
	State engine.LifecycleState `json:"state"`

	// Action is the planned action, empty when no plan unit existed.
	Action engine.PlanAction `json:"action,omitempty"`

	// CacheHit records whether the artifact was reused.
	CacheHit bool `json:"cache_hit"`

	// FailureReason explains a failed or invalid outcome.
	FailureReason string `json:"failure_reason,omitempty"`

	// StartedAt is when the node's stages began, nil if never scheduled.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the node reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IndexStore persists resolution runs, per-node outcomes and the event
// timeline, plus the queryable artifact index.
type IndexStore interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *engine.Run) error
	FinishRun(ctx context.Context, run *engine.Run) error
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*engine.Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Node result operations
	RecordNode(ctx context.Context, rec *NodeRecord) error
	ListNodes(ctx context.Context, runID string) ([]*NodeRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *engine.Event) error
	ListEvents(ctx context.Context, runID *string, level *string, limit, offset int) ([]*engine.Event, error)

	// Artifact index operations
	IndexArtifact(ctx context.Context, a *engine.Artifact) error
	GetArtifact(ctx context.Context, fingerprint string) (*engine.Artifact, error)
	ListArtifacts(ctx context.Context, limit, offset int) ([]*engine.Artifact, error)
	RemoveArtifact(ctx context.Context, fingerprint string) error

	// Utility
	HealthCheck(ctx context.Context) error
}
