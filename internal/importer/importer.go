// Package importer coordinates a full import run: streaming the export,
// demultiplexing elements to per-category workers, and recording the run's
// outcome. Categories are processed in parallel; within a category,
// parsing, delivery, and checkpoint advancement stay strictly ordered.
package importer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/reader"
	"github.com/vitalstream/healthsync/internal/sink"
	"github.com/vitalstream/healthsync/internal/store"
	"github.com/vitalstream/healthsync/internal/validate"
)

// Options configures a Coordinator.
type Options struct {
	Mode        model.Mode
	BatchSize   int
	DedupWindow time.Duration
	Timezone    *time.Location
	// Buffer is the per-category channel capacity between the demux loop
	// and workers.
	Buffer int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5000
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = 24 * time.Hour
	}
	if o.Timezone == nil {
		o.Timezone = time.UTC
	}
	if o.Buffer <= 0 {
		o.Buffer = 256
	}
	return o
}

// Coordinator owns the import run lifecycle.
type Coordinator struct {
	store     store.Store
	writer    *sink.Writer
	validator *validate.Validator
	opts      Options
	log       *zap.Logger
}

func New(st store.Store, writer *sink.Writer, v *validate.Validator, opts Options) *Coordinator {
	return &Coordinator{
		store:     st,
		writer:    writer,
		validator: v,
		opts:      opts.withDefaults(),
		log:       zap.L().Named("importer"),
	}
}

// Run imports one export file. The returned ImportRun carries final stats
// even when the run fails partway.
func (c *Coordinator) Run(ctx context.Context, sourcePath string) (*model.ImportRun, error) {
	sourceHash, err := reader.SourceHash(sourcePath)
	if err != nil {
		return nil, err
	}

	log := c.log.With(
		zap.String("source", sourcePath),
		zap.String("source_hash", sourceHash),
		zap.String("mode", string(c.opts.Mode)))

	run := &model.ImportRun{
		ID:         uuid.New().String(),
		SourceHash: sourceHash,
		SourcePath: sourcePath,
		Mode:       c.opts.Mode,
		Status:     model.RunStatusInProgress,
		Stats:      model.NewRunStats(),
		StartedAt:  time.Now().UTC(),
	}
	preview := c.opts.Mode == model.ModePreview

	checkpoints, err := c.prepareCheckpoints(ctx, sourceHash)
	if err != nil {
		return nil, err
	}

	// A source whose every category finished cleanly has nothing left to
	// deliver; re-running it is a no-op.
	if c.opts.Mode == model.ModeStreaming && allComplete(checkpoints) {
		log.Info("source already fully imported, nothing to do")
		run.Status = model.RunStatusComplete
		now := time.Now().UTC()
		run.CompletedAt = &now
		return run, nil
	}

	if !preview {
		if err := c.store.CreateRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "importer: create run")
		}
	}

	log.Info("starting import")
	runErr := c.execute(ctx, run, checkpoints)

	now := time.Now().UTC()
	run.CompletedAt = &now
	if runErr != nil {
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	} else {
		run.Status = model.RunStatusComplete
	}

	if !preview {
		if runErr == nil {
			if err := c.store.MarkSourceComplete(ctx, sourceHash); err != nil {
				log.Warn("failed to mark source complete", zap.Error(err))
			}
			c.pruneWindows(ctx, log)
		}
		if err := c.store.FinishRun(ctx, run.ID, run.Status, run.Stats, run.Error); err != nil {
			log.Warn("failed to record run outcome", zap.Error(err))
		}
	}

	if runErr != nil {
		log.Error("import failed",
			zap.Int64("written", run.Stats.TotalWritten()),
			zap.Error(runErr))
		return run, runErr
	}

	log.Info("import complete",
		zap.Int64("written", run.Stats.TotalWritten()),
		zap.Int64("malformed", run.Stats.TotalMalformed()),
		zap.Int64("unclassified", run.Stats.Unclassified))
	return run, nil
}

// pruneWindows drops fingerprints that have fallen behind each category's
// dedup window. The cutoff trails the watermark, never the wall clock, so a
// backfill of old data keeps its window intact.
func (c *Coordinator) pruneWindows(ctx context.Context, log *zap.Logger) {
	var removed int
	for _, cat := range model.Categories() {
		wm, err := c.store.Watermark(ctx, cat)
		if err != nil {
			log.Warn("failed to read watermark",
				zap.String("category", string(cat)), zap.Error(err))
			continue
		}
		if wm.IsZero() {
			continue
		}
		n, err := c.store.PruneFingerprints(ctx, cat, wm.Add(-c.opts.DedupWindow))
		if err != nil {
			log.Warn("failed to prune fingerprint window",
				zap.String("category", string(cat)), zap.Error(err))
			continue
		}
		removed += n
	}
	if removed > 0 {
		log.Debug("pruned fingerprint window", zap.Int("removed", removed))
	}
}

// prepareCheckpoints loads resume state according to mode. Force clears
// checkpoints first so the whole source re-delivers.
func (c *Coordinator) prepareCheckpoints(ctx context.Context, sourceHash string) (map[model.Category]model.Checkpoint, error) {
	if c.opts.Mode == model.ModeForce {
		if err := c.store.ResetSource(ctx, sourceHash); err != nil {
			return nil, err
		}
		return map[model.Category]model.Checkpoint{}, nil
	}
	cps, err := c.store.GetCheckpoints(ctx, sourceHash)
	if err != nil {
		return nil, err
	}
	return cps, nil
}

func allComplete(cps map[model.Category]model.Checkpoint) bool {
	if len(cps) == 0 {
		return false
	}
	for _, cp := range cps {
		if cp.Status != model.RunStatusComplete {
			return false
		}
	}
	return true
}

// execute streams the source and fans elements out to one worker per
// category. The reader, demux loop, and workers all run under one error
// group: the first failure cancels everything.
func (c *Coordinator) execute(ctx context.Context, run *model.ImportRun, checkpoints map[model.Category]model.Checkpoint) error {
	src, err := reader.Open(run.SourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	var skippedFragments atomic.Int64
	rd := reader.New(reader.Options{
		Buffer: c.opts.Buffer,
		OnFragment: func(pe *reader.ParseError) {
			skippedFragments.Add(1)
			c.log.Debug("skipped malformed fragment",
				zap.Int64("offset", pe.Offset), zap.Error(pe.Err))
		},
	})

	g, gCtx := errgroup.WithContext(ctx)

	// Every worker is created before any goroutine starts. A setup failure
	// here returns before the reader or any sender exists, so nothing is
	// left blocked on a channel that will never be drained or closed.
	workers := make(map[model.Category]*worker, len(model.Categories()))
	channels := make(map[model.Category]chan model.RawElement, len(model.Categories()))
	for _, cat := range model.Categories() {
		w, err := c.newWorker(gCtx, run, cat, checkpoints[cat])
		if err != nil {
			return err
		}
		workers[cat] = w
		channels[cat] = make(chan model.RawElement, c.opts.Buffer)
	}

	elements, readErrs := rd.Stream(gCtx, src)

	for _, cat := range model.Categories() {
		w, ch := workers[cat], channels[cat]
		g.Go(func() error { return w.loop(gCtx, ch) })
	}

	var unclassified atomic.Int64
	g.Go(func() error {
		defer func() {
			for _, ch := range channels {
				close(ch)
			}
		}()
		for el := range elements {
			if el.Category == model.CategoryUnclassified {
				unclassified.Add(1)
				continue
			}
			select {
			case channels[el.Category] <- el:
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
		return <-readErrs
	})

	runErr := g.Wait()

	run.Stats.SkippedFragments = skippedFragments.Load()
	run.Stats.Unclassified = unclassified.Load()
	for cat, w := range workers {
		run.Stats.Categories[cat] = w.stats
	}
	return runErr
}
