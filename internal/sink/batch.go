package sink

import (
	"context"

	"github.com/vitalstream/healthsync/internal/model"
)

// FlushFunc receives a full or final batch for delivery.
type FlushFunc func(ctx context.Context, batch []model.Observation) error

// Batcher accumulates observations and hands them to its flush function in
// fixed-size batches, preserving arrival order. It is owned by a single
// category worker and is not safe for concurrent use.
type Batcher struct {
	size  int
	flush FlushFunc
	buf   []model.Observation
}

func NewBatcher(size int, flush FlushFunc) *Batcher {
	if size <= 0 {
		size = 5000
	}
	return &Batcher{
		size:  size,
		flush: flush,
		buf:   make([]model.Observation, 0, size),
	}
}

// Add buffers one observation, flushing when the batch fills.
func (b *Batcher) Add(ctx context.Context, obs model.Observation) error {
	b.buf = append(b.buf, obs)
	if len(b.buf) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush delivers whatever is buffered, including a final partial batch.
// The buffer is cleared only after a successful flush, so a failed batch
// is never silently dropped.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if err := b.flush(ctx, b.buf); err != nil {
		return err
	}
	b.buf = b.buf[:0]
	return nil
}

// Pending reports how many observations are buffered but not yet flushed.
func (b *Batcher) Pending() int { return len(b.buf) }
