package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalstream/healthsync/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "healthsync.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(sourceHash string) *model.ImportRun {
	return &model.ImportRun{
		ID:         uuid.New().String(),
		SourceHash: sourceHash,
		SourcePath: "/exports/export.xml",
		Mode:       model.ModeStreaming,
		Status:     model.RunStatusInProgress,
		StartedAt:  time.Now().UTC(),
	}
}

func TestSQLiteRunLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	run := newRun("abc123")
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, model.RunStatusInProgress, got.Status)
	assert.Nil(t, got.CompletedAt)

	stats := model.NewRunStats()
	stats.Category(model.CategoryVitals).Written = 42
	require.NoError(t, s.FinishRun(ctx, run.ID, model.RunStatusComplete, stats, ""))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Stats)
	assert.Equal(t, int64(42), got.Stats.Category(model.CategoryVitals).Written)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLiteGetRunNotFound(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)

	_, err := s.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	err = s.FinishRun(context.Background(), "missing", model.RunStatusFailed, nil, "boom")
	assert.Error(t, err)
}

func TestSQLiteListRuns(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	a := newRun("src-a")
	a.StartedAt = time.Now().UTC().Add(-time.Hour)
	b := newRun("src-b")
	require.NoError(t, s.CreateRun(ctx, a))
	require.NoError(t, s.CreateRun(ctx, b))
	require.NoError(t, s.FinishRun(ctx, a.ID, model.RunStatusFailed, nil, "sink unavailable"))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	failed, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "sink unavailable", failed[0].Error)

	bySource, err := s.ListRuns(ctx, RunFilter{SourceHash: "src-b"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)

	latest, err := s.LatestRunForSource(ctx, "src-a")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, a.ID, latest.ID)

	none, err := s.LatestRunForSource(ctx, "src-z")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSQLiteCommitBatchAtomic(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	obsTime := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)
	commit := BatchCommit{
		RunID:              uuid.New().String(),
		SourceHash:         "src-1",
		Category:           model.CategoryVitals,
		LastSeq:            500,
		LastTime:           obsTime,
		MaxObservationTime: obsTime,
		Fingerprints: []FingerprintEntry{
			{Hash: 11, Time: obsTime},
			{Hash: 22, Time: obsTime.Add(-time.Minute)},
		},
	}
	require.NoError(t, s.CommitBatch(ctx, commit))

	cps, err := s.GetCheckpoints(ctx, "src-1")
	require.NoError(t, err)
	require.Contains(t, cps, model.CategoryVitals)
	assert.Equal(t, int64(500), cps[model.CategoryVitals].LastSeq)
	assert.Equal(t, model.RunStatusInProgress, cps[model.CategoryVitals].Status)

	fps, err := s.RecentFingerprints(ctx, model.CategoryVitals, obsTime.Add(-time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{11, 22}, fps)

	wm, err := s.Watermark(ctx, model.CategoryVitals)
	require.NoError(t, err)
	assert.True(t, wm.Equal(obsTime))

	// Re-committing the same fingerprints must not fail.
	commit.LastSeq = 900
	require.NoError(t, s.CommitBatch(ctx, commit))
	cps, err = s.GetCheckpoints(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), cps[model.CategoryVitals].LastSeq)
}

func TestSQLiteWatermarkMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	newer := time.Date(2026, 7, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-48 * time.Hour)

	require.NoError(t, s.CommitBatch(ctx, BatchCommit{
		SourceHash: "s", Category: model.CategoryActivity,
		LastSeq: 1, LastTime: newer, MaxObservationTime: newer,
	}))
	require.NoError(t, s.CommitBatch(ctx, BatchCommit{
		SourceHash: "s", Category: model.CategoryActivity,
		LastSeq: 2, LastTime: older, MaxObservationTime: older,
	}))

	wm, err := s.Watermark(ctx, model.CategoryActivity)
	require.NoError(t, err)
	assert.True(t, wm.Equal(newer), "watermark never moves backwards")
}

func TestSQLiteWatermarkEmpty(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)

	wm, err := s.Watermark(context.Background(), model.CategorySleep)
	require.NoError(t, err)
	assert.True(t, wm.IsZero())
}

func TestSQLiteFingerprintWindow(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.CommitBatch(ctx, BatchCommit{
		SourceHash: "s", Category: model.CategoryBody,
		LastSeq: 1, LastTime: now, MaxObservationTime: now,
		Fingerprints: []FingerprintEntry{
			{Hash: 1, Time: now},
			{Hash: 2, Time: now.Add(-72 * time.Hour)},
		},
	}))

	require.NoError(t, s.CommitBatch(ctx, BatchCommit{
		SourceHash: "s", Category: model.CategorySleep,
		LastSeq: 1, LastTime: now, MaxObservationTime: now,
		Fingerprints: []FingerprintEntry{
			{Hash: 3, Time: now.Add(-72 * time.Hour)},
		},
	}))

	recent, err := s.RecentFingerprints(ctx, model.CategoryBody, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, recent)

	// Pruning is per category; the stale sleep fingerprint stays put.
	pruned, err := s.PruneFingerprints(ctx, model.CategoryBody, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	sleep, err := s.RecentFingerprints(ctx, model.CategorySleep, now.Add(-96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, sleep)
}

// Category workers commit in parallel against the same database; with the
// busy timeout applied per connection none of them may surface SQLITE_BUSY.
func TestSQLiteConcurrentCommits(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make(chan error, len(model.Categories())*5)
	for ci, cat := range model.Categories() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(1); i <= 5; i++ {
				errs <- s.CommitBatch(ctx, BatchCommit{
					SourceHash:         "src-parallel",
					Category:           cat,
					LastSeq:            i * 100,
					LastTime:           base.Add(time.Duration(i) * time.Minute),
					MaxObservationTime: base.Add(time.Duration(i) * time.Minute),
					Fingerprints: []FingerprintEntry{
						{Hash: uint64(ci)<<32 | uint64(i), Time: base},
					},
				})
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSQLiteResetAndComplete(t *testing.T) {
	t.Parallel()
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, cat := range []model.Category{model.CategoryVitals, model.CategoryActivity} {
		require.NoError(t, s.CommitBatch(ctx, BatchCommit{
			SourceHash: "src-x", Category: cat, LastSeq: 10, LastTime: now, MaxObservationTime: now,
		}))
	}

	require.NoError(t, s.MarkSourceComplete(ctx, "src-x"))
	cps, err := s.GetCheckpoints(ctx, "src-x")
	require.NoError(t, err)
	for _, cp := range cps {
		assert.Equal(t, model.RunStatusComplete, cp.Status)
	}

	require.NoError(t, s.ResetSource(ctx, "src-x"))
	cps, err = s.GetCheckpoints(ctx, "src-x")
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()

	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(context.Background(), "oracle", "")
	assert.Error(t, err)
}
