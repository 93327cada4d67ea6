package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/metrics"
)

// StageOptions configures a Stage.
type StageOptions struct {
	River   string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Stage turns change events into index actions. Evaluator failures never
// propagate: the event is suppressed and the failure counted.
type Stage struct {
	evaluator Evaluator
	river     string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewStage creates a Stage around evaluator.
func NewStage(evaluator Evaluator, opts StageOptions) *Stage {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = Passthrough{}
	}
	return &Stage{
		evaluator: evaluator,
		river:     opts.River,
		timeout:   opts.Timeout,
		logger:    logger.With("component", "transform", "river", opts.River),
	}
}

// Apply evaluates the hook for evt. It returns nil only when ctx is done,
// in which case the event must not be acknowledged.
func (s *Stage) Apply(ctx context.Context, evt *events.ChangeEvent) *events.IndexAction {
	if evt.Kind == events.KindCollectionDrop {
		return events.Apply(evt, nil)
	}

	in := Input{
		Kind:        evt.Kind,
		Document:    copyDocument(evt.Payload),
		Collection:  evt.Collection,
		OperationID: evt.OperationID,
	}
	if evt.Kind == events.KindDelete || in.Document == nil {
		in.Document = map[string]any{"_id": evt.DocumentKey}
	}

	start := time.Now()
	out, err := s.evaluate(ctx, in)
	metrics.EvaluationLatency.WithLabelValues(s.river).Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		reason := "error"
		if errors.Is(err, ErrTimeout) {
			reason = "timeout"
		} else if errors.Is(err, errPanic) {
			reason = "panic"
		}
		metrics.EvaluatorFailures.WithLabelValues(s.river, reason).Inc()
		s.logger.Warn("Transform failed, suppressing event",
			"doc_key", evt.DocumentKey,
			"operation_id", evt.OperationID.String(),
			"reason", reason,
			"error", err,
		)
		return events.Suppress(evt, fmt.Errorf("%w: %v", events.ErrEvaluatorFailure, err))
	}

	if out.Ignore {
		metrics.EventsSuppressed.WithLabelValues(s.river).Inc()
		return events.Suppress(evt, nil)
	}
	if evt.Kind == events.KindDelete {
		return events.Apply(evt, nil)
	}

	doc := out.Document
	if doc == nil {
		doc = in.Document
	}
	return events.Apply(evt, doc)
}

var errPanic = errors.New("evaluator panicked")

func (s *Stage) evaluate(ctx context.Context, in Input) (out Output, err error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()

	out, err = s.evaluator.Evaluate(ctx, in)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
	return out, err
}
