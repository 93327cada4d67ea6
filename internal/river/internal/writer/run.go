package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/metrics"
)

// Run micro-batches actions from in and emits one BatchResult per submitted
// batch on out, which it closes on return. A batch is flushed when BatchSize
// actions are pending or FlushInterval elapses.
//
// Unsettled actions stay at the head of the pending buffer and are retried on
// the next flush; while the buffer is full Run stops reading from in.
//
// When in is closed the pending actions are flushed and Run returns. When ctx
// is done the pending actions get one final flush that is not canceled.
func (w *Writer) Run(ctx context.Context, in <-chan *events.IndexAction, out chan<- events.BatchResult) error {
	defer close(out)

	b := &batcher{w: w, out: out}
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		metrics.QueueDepth.WithLabelValues(w.river).Set(float64(len(in) + len(b.pending)))

		if len(b.pending) >= w.cfg.BatchSize {
			if err := b.flush(ctx); err == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return b.drain(context.WithoutCancel(ctx))
			case <-ticker.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return b.drain(context.WithoutCancel(ctx))

		case a, ok := <-in:
			if !ok {
				return b.drain(ctx)
			}
			b.pending = append(b.pending, a)
			if len(b.pending) >= w.cfg.BatchSize {
				_ = b.flush(ctx)
			}

		case <-ticker.C:
			_ = b.flush(ctx)
		}
	}
}

type batcher struct {
	w       *Writer
	out     chan<- events.BatchResult
	pending []*events.IndexAction
}

// flush submits up to BatchSize pending actions and drops the settled prefix.
func (b *batcher) flush(ctx context.Context) error {
	if len(b.pending) == 0 {
		return nil
	}
	n := min(len(b.pending), b.w.cfg.BatchSize)
	res, settled := b.w.submit(ctx, b.pending[:n])
	b.pending = b.pending[settled:]

	select {
	case b.out <- res:
	case <-ctx.Done():
	}
	return res.Err
}

// drain flushes until nothing is pending. A failing flush ends the drain;
// the unsettled actions are replayed from the cursor on restart.
func (b *batcher) drain(ctx context.Context) error {
	for len(b.pending) > 0 {
		if err := b.flush(ctx); err != nil {
			b.w.logger.Error("Shutdown flush failed", "pending", len(b.pending), "error", err)
			return fmt.Errorf("%d actions left pending: %w", len(b.pending), err)
		}
	}
	return nil
}
