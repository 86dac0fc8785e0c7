package importer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vitalstream/healthsync/internal/dedup"
	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/parser"
	"github.com/vitalstream/healthsync/internal/resilience"
	"github.com/vitalstream/healthsync/internal/sink"
	"github.com/vitalstream/healthsync/internal/store"
)

// worker processes one category serially: parse, validate, dedup, batch,
// deliver, commit. Serial processing is what keeps the checkpoint honest:
// when the checkpoint says seq N, every element up to N has been fully
// handled.
type worker struct {
	c        *Coordinator
	run      *model.ImportRun
	category model.Category
	stats    *model.CategoryStats
	log      *zap.Logger

	resumeSeq int64
	watermark time.Time
	window    *dedup.Window
	batcher   *sink.Batcher

	// processedSeq tracks the highest fully handled element, including
	// dropped ones; it is what the checkpoint advances to.
	processedSeq int64
	committedSeq int64
	lastTime     time.Time
	maxObsTime   time.Time
	pendingFPs   []store.FingerprintEntry
}

func (c *Coordinator) newWorker(ctx context.Context, run *model.ImportRun, cat model.Category, cp model.Checkpoint) (*worker, error) {
	w := &worker{
		c:        c,
		run:      run,
		category: cat,
		stats:    &model.CategoryStats{},
		log:      c.log.With(zap.String("category", string(cat))),
	}

	if c.opts.Mode != model.ModeForce {
		w.resumeSeq = cp.LastSeq
		w.committedSeq = cp.LastSeq
		w.processedSeq = cp.LastSeq

		// The dedup window trails the category watermark, not the wall
		// clock: exports routinely carry observations months old, and
		// those must still collide with what an earlier source committed.
		wm, err := c.store.Watermark(ctx, cat)
		if err != nil {
			return nil, err
		}
		var seed []uint64
		if !wm.IsZero() {
			seed, err = c.store.RecentFingerprints(ctx, cat, wm.Add(-c.opts.DedupWindow))
			if err != nil {
				return nil, err
			}
		}
		w.window = dedup.NewWindow(seed)

		if c.opts.Mode == model.ModeIncremental {
			w.watermark = wm
		}
	} else {
		w.window = dedup.NewWindow(nil)
	}

	w.batcher = sink.NewBatcher(c.opts.BatchSize, w.deliver)
	return w, nil
}

func (w *worker) loop(ctx context.Context, in <-chan model.RawElement) error {
	for el := range in {
		if err := w.process(ctx, el); err != nil {
			return err
		}
	}
	if err := w.batcher.Flush(ctx); err != nil {
		return err
	}
	// Elements dropped after the last delivery still advance the
	// checkpoint, otherwise resume would re-chew them forever.
	return w.commit(ctx)
}

func (w *worker) process(ctx context.Context, el model.RawElement) error {
	if el.Seq <= w.resumeSeq {
		w.stats.ResumeSkipped++
		return nil
	}
	w.processedSeq = el.Seq

	obs, err := parser.Parse(el, w.c.opts.Timezone)
	if err != nil {
		if parser.IsMalformed(err) {
			w.stats.Malformed++
			w.log.Debug("dropped malformed record", zap.Error(err))
			return nil
		}
		return err
	}
	w.stats.Parsed++
	w.lastTime = obs.Time

	if ok, reason := w.c.validator.Check(obs); !ok {
		w.stats.ValidationDropped++
		w.log.Debug("dropped out-of-range observation",
			zap.String("reason", reason), zap.Int64("seq", obs.Seq))
		return nil
	}

	if !w.watermark.IsZero() && !obs.Time.After(w.watermark) {
		w.stats.WatermarkSkipped++
		return nil
	}

	fp := dedup.Fingerprint(obs)
	if w.c.opts.Mode != model.ModeForce && w.window.Seen(fp) {
		w.stats.DedupDropped++
		return nil
	}

	w.pendingFPs = append(w.pendingFPs, store.FingerprintEntry{Hash: fp, Time: obs.Time})
	if obs.Time.After(w.maxObsTime) {
		w.maxObsTime = obs.Time
	}
	return w.batcher.Add(ctx, obs)
}

// deliver writes one batch and durably commits its effects. A write
// failure is returned as-is; a commit failure is fatal because the sink
// now holds points the store does not know about beyond re-overwriting.
func (w *worker) deliver(ctx context.Context, batch []model.Observation) error {
	if w.c.opts.Mode == model.ModePreview {
		w.stats.Written += int64(len(batch))
		w.pendingFPs = w.pendingFPs[:0]
		return nil
	}

	retries, err := w.c.writer.Write(ctx, w.category, batch)
	w.stats.Retries += int64(retries)
	if err != nil {
		return err
	}

	if err := w.commit(ctx); err != nil {
		return err
	}
	w.stats.Written += int64(len(batch))
	return nil
}

func (w *worker) commit(ctx context.Context) error {
	if w.c.opts.Mode == model.ModePreview {
		return nil
	}
	if w.processedSeq <= w.committedSeq && len(w.pendingFPs) == 0 {
		return nil
	}

	err := w.c.store.CommitBatch(ctx, store.BatchCommit{
		RunID:              w.run.ID,
		SourceHash:         w.run.SourceHash,
		Category:           w.category,
		LastSeq:            w.processedSeq,
		LastTime:           w.lastTime,
		MaxObservationTime: w.maxObsTime,
		Fingerprints:       w.pendingFPs,
	})
	if err != nil {
		return &resilience.FatalError{
			Err: eris.Wrapf(err, "importer: commit checkpoint %s seq %d", w.category, w.processedSeq),
		}
	}
	w.committedSeq = w.processedSeq
	w.pendingFPs = w.pendingFPs[:0]
	return nil
}
