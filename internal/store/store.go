// Package store persists import runs, per-category checkpoints, and the
// fingerprint window that backs deduplication. Two backends are provided:
// SQLite for single-host use and Postgres for shared deployments.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/vitalstream/healthsync/internal/model"
)

// RunFilter specifies criteria for listing import runs.
type RunFilter struct {
	Status     model.RunStatus `json:"status,omitempty"`
	SourceHash string          `json:"source_hash,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

// BatchCommit records the durable effects of one delivered batch: the
// fingerprints it wrote and the new checkpoint position for its category.
// Both land in a single transaction so a crash can never persist one
// without the other.
type BatchCommit struct {
	RunID      string
	SourceHash string
	Category   model.Category

	// LastSeq and LastTime advance the category checkpoint.
	LastSeq  int64
	LastTime time.Time

	// MaxObservationTime advances the category watermark.
	MaxObservationTime time.Time

	Fingerprints []FingerprintEntry
}

// FingerprintEntry is one written point's identity hash plus its
// observation time, kept so the window can be pruned by age.
type FingerprintEntry struct {
	Hash uint64
	Time time.Time
}

// Store defines the persistence interface for the import pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.ImportRun) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.ImportRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.ImportRun, error)
	LatestRunForSource(ctx context.Context, sourceHash string) (*model.ImportRun, error)

	// Checkpoints
	GetCheckpoints(ctx context.Context, sourceHash string) (map[model.Category]model.Checkpoint, error)
	MarkSourceComplete(ctx context.Context, sourceHash string) error
	ResetSource(ctx context.Context, sourceHash string) error

	// Dedup window and watermarks
	RecentFingerprints(ctx context.Context, category model.Category, since time.Time) ([]uint64, error)
	PruneFingerprints(ctx context.Context, category model.Category, before time.Time) (int, error)
	Watermark(ctx context.Context, category model.Category) (time.Time, error)

	// CommitBatch applies one batch's fingerprints, checkpoint, and
	// watermark atomically.
	CommitBatch(ctx context.Context, commit BatchCommit) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = eris.New("store: run not found")

// Open constructs a Store for the configured driver. The caller is
// responsible for running Migrate before first use.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, dsn, nil)
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}
