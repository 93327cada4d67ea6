// Package writer applies index actions to the search engine in bulk.
package writer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/mongoriver/internal/deadletter"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/metrics"
	"github.com/syntrixbase/mongoriver/internal/river/internal/recovery"
	"github.com/syntrixbase/mongoriver/internal/search"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DeadLetters records items the engine rejected permanently.
type DeadLetters interface {
	Append(ctx context.Context, entries []deadletter.Entry) error
}

// Options configures a Writer.
type Options struct {
	River  string
	Index  string
	Config config.WriterConfig

	// DeadLetters is optional.
	DeadLetters DeadLetters

	Logger *slog.Logger
}

// Writer submits batches of index actions. Rejected items are settled and
// journaled; retryable items are retried up to MaxRetries times.
type Writer struct {
	engine      search.Engine
	index       string
	river       string
	cfg         config.WriterConfig
	deadLetters DeadLetters
	limiter     *rate.Limiter
	tracer      trace.Tracer
	logger      *slog.Logger

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Writer for the configured index.
func New(engine search.Engine, opts Options) *Writer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultConfig().Writer.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = config.DefaultConfig().Writer.FlushInterval
	}

	w := &Writer{
		engine:      engine,
		index:       opts.Index,
		river:       opts.River,
		cfg:         cfg,
		deadLetters: opts.DeadLetters,
		tracer:      otel.Tracer("github.com/syntrixbase/mongoriver/writer"),
		logger:      logger.With("component", "writer", "river", opts.River),
		sleep:       sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return w
}

// Submit applies one batch and reports the contiguous settled prefix.
func (w *Writer) Submit(ctx context.Context, batch []*events.IndexAction) events.BatchResult {
	res, _ := w.submit(ctx, batch)
	return res
}

// submit also returns the length of the settled prefix.
func (w *Writer) submit(ctx context.Context, batch []*events.IndexAction) (events.BatchResult, int) {
	ctx, span := w.tracer.Start(ctx, "writer.Submit", trace.WithAttributes(
		attribute.String("river", w.river),
		attribute.String("index", w.index),
		attribute.Int("batch.size", len(batch)),
	))
	defer span.End()

	var res events.BatchResult
	settled := 0
	for settled < len(batch) {
		if isDrop(batch[settled]) {
			if err := w.deleteAll(ctx, batch[settled]); err != nil {
				res.Err = err
				break
			}
			res.Applied++
			settled++
			continue
		}

		end := settled
		for end < len(batch) && !isDrop(batch[end]) {
			end++
		}
		n, err := w.submitSegment(ctx, batch[settled:end], &res)
		settled += n
		if err != nil {
			res.Err = err
			break
		}
	}

	if settled > 0 {
		res.AcknowledgedUpTo = batch[settled-1].OperationID
		res.Snapshot = true
		for _, a := range batch[:settled] {
			if !a.Snapshot {
				res.Snapshot = false
				break
			}
		}
	}

	span.SetAttributes(
		attribute.Int("batch.settled", settled),
		attribute.Int("batch.rejected", res.Rejected),
	)
	if res.Err != nil {
		metrics.BatchFailures.WithLabelValues(w.river).Inc()
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		w.logger.Error("Batch not fully applied",
			"settled", settled,
			"size", len(batch),
			"acknowledged_up_to", res.AcknowledgedUpTo.String(),
			"error", res.Err,
		)
	}
	return res, settled
}

// itemState tracks one action of a segment across bulk attempts.
type itemState int

const (
	itemPending itemState = iota
	itemApplied
	itemRejected
	itemSuppressed
)

// submitSegment applies a run of actions without collection drops and
// returns the length of its settled prefix. Every attempt resends the whole
// suffix from the first pending item, applied items included, so a later
// write to a key always lands after an earlier one that had to be retried.
func (w *Writer) submitSegment(ctx context.Context, seg []*events.IndexAction, res *events.BatchResult) (int, error) {
	state := make([]itemState, len(seg))
	var rejected []deadletter.Entry

	for i, a := range seg {
		if a.Type == events.ActionSuppress {
			state[i] = itemSuppressed
			res.Suppressed++
		}
	}

	retry := backoff.WithMaxRetries(recovery.NewBackOff(ctx, recovery.BackoffOptions{
		Initial: w.cfg.InitialBackoff,
		Max:     w.cfg.MaxBackoff,
	}), uint64(max(w.cfg.MaxRetries, 0)))

	var lastErr error
	for {
		first := firstPending(state)
		if first < 0 {
			lastErr = nil
			break
		}
		var idx []int
		var items []search.BulkItem
		for i := first; i < len(seg); i++ {
			if state[i] == itemApplied || state[i] == itemPending {
				idx = append(idx, i)
				items = append(items, bulkItem(seg[i]))
			}
		}

		results, err := w.bulk(ctx, items)
		if err != nil {
			lastErr = err
			w.logger.Warn("Bulk request failed", "items", len(items), "error", err)
		} else {
			lastErr = nil
			for k, r := range results {
				a := seg[idx[k]]
				op := items[k].Op
				switch r.Outcome(op) {
				case search.OutcomeApplied:
					state[idx[k]] = itemApplied
				case search.OutcomeRejected:
					state[idx[k]] = itemRejected
					res.Rejected++
					res.FailedKeys = append(res.FailedKeys, a.TargetID)
					metrics.ItemsRejected.WithLabelValues(w.river).Inc()
					w.logger.Warn("Index rejected item",
						"doc_key", a.TargetID,
						"op", op.String(),
						"status", r.Status,
						"error", r.Error,
						"operation_id", a.OperationID.String(),
					)
					rejected = append(rejected, w.deadLetter(a, op, r))
				default:
					// An applied item that now fails is pending again: its
					// earlier write may have been overtaken by this attempt.
					state[idx[k]] = itemPending
					lastErr = fmt.Errorf("item %s: status %d: %s", a.TargetID, r.Status, r.Error)
				}
			}
		}

		if firstPending(state) < 0 {
			lastErr = nil
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		if err := w.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	w.journal(ctx, rejected)

	for i, st := range state {
		if st == itemApplied {
			res.Applied++
			metrics.ItemsIndexed.WithLabelValues(w.river, opType(seg[i]).String()).Inc()
		}
	}

	prefix := firstPending(state)
	if prefix < 0 {
		return len(seg), nil
	}
	if lastErr == nil {
		lastErr = errors.New("items left unsettled")
	}
	return prefix, fmt.Errorf("%w: %v", events.ErrIndexUnavailable, lastErr)
}

func (w *Writer) bulk(ctx context.Context, items []search.BulkItem) ([]search.ItemResult, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	results, err := w.engine.Bulk(ctx, w.index, items)
	metrics.BulkLatency.WithLabelValues(w.river).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.BulkRequests.WithLabelValues(w.river, "error").Inc()
		return nil, err
	}
	if len(results) != len(items) {
		metrics.BulkRequests.WithLabelValues(w.river, "error").Inc()
		return nil, fmt.Errorf("bulk returned %d results for %d items", len(results), len(items))
	}
	metrics.BulkRequests.WithLabelValues(w.river, "ok").Inc()
	return results, nil
}

// deleteAll empties the index for a collection drop, retrying like a bulk request.
func (w *Writer) deleteAll(ctx context.Context, a *events.IndexAction) error {
	retry := backoff.WithMaxRetries(recovery.NewBackOff(ctx, recovery.BackoffOptions{
		Initial: w.cfg.InitialBackoff,
		Max:     w.cfg.MaxBackoff,
	}), uint64(max(w.cfg.MaxRetries, 0)))

	err := backoff.Retry(func() error {
		return w.engine.DeleteAll(ctx, w.index)
	}, retry)
	if err != nil {
		return fmt.Errorf("%w: delete all documents: %v", events.ErrIndexUnavailable, err)
	}
	metrics.ItemsIndexed.WithLabelValues(w.river, "drop").Inc()
	w.logger.Warn("Source collection dropped, index emptied", "operation_id", a.OperationID.String())
	return nil
}

func (w *Writer) deadLetter(a *events.IndexAction, op search.OpType, r search.ItemResult) deadletter.Entry {
	return deadletter.Entry{
		River:       w.river,
		Index:       w.index,
		DocumentKey: a.TargetID,
		Op:          op.String(),
		OperationID: a.OperationID,
		Status:      r.Status,
		Reason:      r.Error,
		Document:    a.Document,
	}
}

func (w *Writer) journal(ctx context.Context, entries []deadletter.Entry) {
	if w.deadLetters == nil || len(entries) == 0 {
		return
	}
	if err := w.deadLetters.Append(context.WithoutCancel(ctx), entries); err != nil {
		w.logger.Error("Failed to journal rejected items", "count", len(entries), "error", err)
	}
}

func opType(a *events.IndexAction) search.OpType {
	if a.Kind == events.KindDelete {
		return search.OpDelete
	}
	return search.OpIndex
}

func bulkItem(a *events.IndexAction) search.BulkItem {
	if opType(a) == search.OpDelete {
		return search.BulkItem{Op: search.OpDelete, ID: a.TargetID}
	}
	return search.BulkItem{Op: search.OpIndex, ID: a.TargetID, Document: a.Document}
}

func isDrop(a *events.IndexAction) bool {
	return a.Type == events.ActionApply && a.Kind == events.KindCollectionDrop
}

func firstPending(state []itemState) int {
	for i, st := range state {
		if st == itemPending {
			return i
		}
	}
	return -1
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
