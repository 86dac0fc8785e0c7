// Package sink delivers validated observations to the time-series backend
// in fixed-size batches, retrying transient failures with exponential
// backoff.
package sink

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vitalstream/healthsync/internal/model"
	"github.com/vitalstream/healthsync/internal/resilience"
)

// Sink is a destination for observation batches. Writes must be idempotent
// at the point level: re-sending a batch overwrites rather than duplicates.
type Sink interface {
	WriteBatch(ctx context.Context, category model.Category, batch []model.Observation) error
	Ping(ctx context.Context) error
}

// Writer wraps a Sink with the delivery retry policy.
type Writer struct {
	sink  Sink
	retry resilience.RetryConfig
	log   *zap.Logger
}

func NewWriter(s Sink, retry resilience.RetryConfig) *Writer {
	return &Writer{
		sink:  s,
		retry: retry,
		log:   zap.L().Named("sink"),
	}
}

// Write delivers one batch, retrying transient failures. It returns the
// number of retries consumed; on exhaustion or a fatal response the error
// names the batch's sequence range so the failure can be located in the
// source.
func (w *Writer) Write(ctx context.Context, category model.Category, batch []model.Observation) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	var retries int
	cfg := w.retry
	cfg.ShouldRetry = resilience.IsTransient
	cfg.OnRetry = func(attempt int, err error) {
		retries++
		w.log.Warn("batch write failed, retrying",
			zap.String("category", string(category)),
			zap.Int("attempt", attempt),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return w.sink.WriteBatch(ctx, category, batch)
	})
	if err != nil {
		first, last := batch[0].Seq, batch[len(batch)-1].Seq
		return retries, eris.Wrapf(err, "sink: write %s batch seq %d-%d", category, first, last)
	}
	return retries, nil
}
