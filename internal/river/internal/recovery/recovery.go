// Package recovery classifies pipeline errors and detects stream gaps.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"go.mongodb.org/mongo-driver/mongo"
)

// GapThreshold is the default time gap that triggers a gap detection alert.
const GapThreshold = 5 * time.Minute

// Server error codes meaning the requested oplog position is gone.
var staleCodes = []int{
	136, // CappedPositionLost
	280, // ChangeStreamFatalError
	286, // ChangeStreamHistoryLost
}

// GapDetector detects time gaps in the event stream.
type GapDetector struct {
	threshold time.Duration
	logger    *slog.Logger

	lastEventTime time.Time
	gapsDetected  int
}

// GapDetectorOptions configures the gap detector.
type GapDetectorOptions struct {
	// Threshold is the minimum gap duration to consider as a gap.
	Threshold time.Duration

	// Logger for gap detection.
	Logger *slog.Logger
}

// NewGapDetector creates a new gap detector.
func NewGapDetector(opts GapDetectorOptions) *GapDetector {
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = GapThreshold
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GapDetector{
		threshold: threshold,
		logger:    logger.With("component", "gap-detector"),
	}
}

// RecordEvent records an event and reports whether the time since the
// previous event reached the threshold. Snapshot events are ignored.
func (g *GapDetector) RecordEvent(evt *events.ChangeEvent) bool {
	if evt.Snapshot {
		return false
	}
	eventTime := evt.OperationID.Time()

	if g.lastEventTime.IsZero() {
		g.lastEventTime = eventTime
		return false
	}

	gap := eventTime.Sub(g.lastEventTime)
	g.lastEventTime = eventTime
	if gap < g.threshold {
		return false
	}

	g.gapsDetected++
	g.logger.Warn("Gap detected in event stream",
		"gap", gap.String(),
		"threshold", g.threshold.String(),
		"operation_id", evt.OperationID.String(),
	)
	return true
}

// GapsDetected returns the number of gaps detected.
func (g *GapDetector) GapsDetected() int {
	return g.gapsDetected
}

// Reset resets the detector state.
func (g *GapDetector) Reset() {
	g.lastEventTime = time.Time{}
	g.gapsDetected = 0
}

// Classify maps a raw source error onto the pipeline error taxonomy.
// Errors that already wrap a taxonomy sentinel, and context errors, are
// returned unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, events.ErrStaleCursor), errors.Is(err, events.ErrProtocol),
		errors.Is(err, events.ErrTransientConnection):
		return err
	case isStaleCursorError(err):
		return fmt.Errorf("%w: %v", events.ErrStaleCursor, err)
	case isTransientError(err):
		return fmt.Errorf("%w: %v", events.ErrTransientConnection, err)
	}
	return err
}

func isStaleCursorError(err error) bool {
	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range staleCodes {
			if se.HasErrorCode(code) {
				return true
			}
		}
	}
	return containsAny(err.Error(),
		"CappedPositionLost",
		"ChangeStreamHistoryLost",
		"resume point may no longer be in the oplog",
	)
}

func isTransientError(err error) bool {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return true
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("RetryableWriteError") || se.HasErrorLabel("ResumableChangeStreamError")) {
		return true
	}
	return containsAny(err.Error(),
		"connection reset",
		"connection refused",
		"broken pipe",
		"EOF",
		"server selection error",
		"not primary",
		"node is recovering",
		"network",
		"temporary failure",
	)
}

func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// Action represents the action to take on error.
type Action int

const (
	// ActionNone means no action is needed.
	ActionNone Action = iota

	// ActionReconnect means reopen the source from the last position.
	ActionReconnect

	// ActionResnapshot means discard the cursor and snapshot again.
	ActionResnapshot

	// ActionFatal means a fatal error that cannot be recovered.
	ActionFatal
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReconnect:
		return "reconnect"
	case ActionResnapshot:
		return "resnapshot"
	case ActionFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Handler decides how the controller reacts to a source error.
type Handler struct {
	logger         *slog.Logger
	autoResnapshot bool

	consecutiveErrors    int
	maxConsecutiveErrors int
	staleCursorErrors    int
}

// HandlerOptions configures the recovery handler.
type HandlerOptions struct {
	// AutoResnapshot turns stale cursors into a fresh snapshot instead of a fault.
	AutoResnapshot bool

	MaxConsecutiveErrors int
	Logger               *slog.Logger
}

// NewHandler creates a new recovery handler.
func NewHandler(opts HandlerOptions) *Handler {
	maxErrors := opts.MaxConsecutiveErrors
	if maxErrors == 0 {
		maxErrors = 10
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		logger:               logger.With("component", "recovery-handler"),
		autoResnapshot:       opts.AutoResnapshot,
		maxConsecutiveErrors: maxErrors,
	}
}

// HandleError analyzes an error and determines the recovery action.
func (h *Handler) HandleError(err error) Action {
	if err == nil {
		h.consecutiveErrors = 0
		return ActionNone
	}

	err = Classify(err)
	h.consecutiveErrors++

	switch {
	case errors.Is(err, events.ErrProtocol):
		h.logger.Error("Protocol error, giving up", "error", err)
		return ActionFatal

	case errors.Is(err, events.ErrStaleCursor):
		h.staleCursorErrors++
		if !h.autoResnapshot {
			h.logger.Error("Resume position lost and auto re-snapshot disabled", "error", err)
			return ActionFatal
		}
		h.logger.Warn("Resume position lost, re-snapshotting",
			"error", err,
			"count", h.staleCursorErrors,
		)
		return ActionResnapshot
	}

	if h.consecutiveErrors >= h.maxConsecutiveErrors {
		h.logger.Error("Max consecutive errors reached",
			"error", err,
			"count", h.consecutiveErrors,
		)
		return ActionFatal
	}

	h.logger.Warn("Source error, will reconnect",
		"error", err,
		"transient", errors.Is(err, events.ErrTransientConnection),
		"consecutive_errors", h.consecutiveErrors,
	)
	return ActionReconnect
}

// ResetErrorCount resets the consecutive error count.
func (h *Handler) ResetErrorCount() {
	h.consecutiveErrors = 0
}

// StaleCursorErrors returns how many stale cursor errors were handled.
func (h *Handler) StaleCursorErrors() int {
	return h.staleCursorErrors
}

// BackoffOptions shapes an exponential backoff.
type BackoffOptions struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration // 0 retries forever
}

// NewBackOff returns a context-aware exponential backoff.
func NewBackOff(ctx context.Context, opts BackoffOptions) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if opts.Initial > 0 {
		b.InitialInterval = opts.Initial
	}
	if opts.Max > 0 {
		b.MaxInterval = opts.Max
	}
	b.MaxElapsedTime = opts.MaxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}
