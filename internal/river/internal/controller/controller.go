// Package controller supervises one river: it runs the snapshot and tail
// phases, pipes events through the transform stage into the writer, persists
// the cursor and reacts to failures.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/mongoriver/internal/health"
	"github.com/syntrixbase/mongoriver/internal/notify"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/cursor"
	"github.com/syntrixbase/mongoriver/internal/river/internal/metrics"
	"github.com/syntrixbase/mongoriver/internal/river/internal/recovery"
	"github.com/syntrixbase/mongoriver/internal/river/internal/transform"
	"github.com/syntrixbase/mongoriver/internal/river/internal/writer"
	"github.com/syntrixbase/mongoriver/internal/search"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("river already started")
	// ErrRemoved is the terminal error of a river whose configuration was removed.
	ErrRemoved = errors.New("river removed")
)

// Options configures a Controller.
type Options struct {
	Config config.Config

	Source EventSource
	Stage  *transform.Stage
	Writer *writer.Writer
	Engine search.Engine
	Cursor cursor.Store

	// CursorPolicy decides how often acknowledged positions are saved.
	// The zero value means cursor.DefaultPolicy().
	CursorPolicy cursor.Policy

	// Health and Notifier are optional.
	Health   *health.Checker
	Notifier *notify.Notifier

	// RunID tags status messages.
	RunID string

	Logger *slog.Logger
}

// Controller owns the lifecycle of one river.
type Controller struct {
	cfg      config.Config
	name     string
	source   EventSource
	stage    *transform.Stage
	writer   *writer.Writer
	engine   search.Engine
	store    cursor.Store
	tracker  *cursor.Tracker
	handler  *recovery.Handler
	health   *health.Checker
	notifier *notify.Notifier
	runID    string
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	err        error
	started    bool
	stopping   bool
	runCancel  context.CancelFunc
	stopCancel context.CancelFunc
	done       chan struct{}

	removed atomic.Bool

	// sleep is injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates opts and creates a Controller in the Starting state.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Source == nil:
		return nil, fmt.Errorf("controller: source is required")
	case opts.Stage == nil:
		return nil, fmt.Errorf("controller: stage is required")
	case opts.Writer == nil:
		return nil, fmt.Errorf("controller: writer is required")
	case opts.Engine == nil:
		return nil, fmt.Errorf("controller: engine is required")
	case opts.Cursor == nil:
		return nil, fmt.Errorf("controller: cursor store is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "controller", "river", opts.Config.Name)

	policy := opts.CursorPolicy
	if policy == (cursor.Policy{}) {
		policy = cursor.DefaultPolicy()
	}

	c := &Controller{
		cfg:     opts.Config,
		name:    opts.Config.Name,
		source:  opts.Source,
		stage:   opts.Stage,
		writer:  opts.Writer,
		engine:  opts.Engine,
		store:   opts.Cursor,
		tracker: cursor.NewTracker(policy),
		handler: recovery.NewHandler(recovery.HandlerOptions{
			AutoResnapshot: opts.Config.Recovery.AutoResnapshot,
			Logger:         logger,
		}),
		health:   opts.Health,
		notifier: opts.Notifier,
		runID:    opts.RunID,
		logger:   logger,
		state:    StateStarting,
		done:     make(chan struct{}),
		sleep:    sleepContext,
	}
	if c.health != nil {
		c.health.RegisterRiver(c.name)
	}
	return c, nil
}

// Name returns the river name.
func (c *Controller) Name() string {
	return c.name
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that faulted the river, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the river reached Stopped or Faulted.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Start launches the river in the background. Canceling ctx is a hard stop;
// use Stop for a graceful one.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true

	runCtx, runCancel := context.WithCancel(ctx)
	stopCtx, stopCancel := context.WithCancel(runCtx)
	c.runCancel = runCancel
	c.stopCancel = stopCancel
	c.mu.Unlock()

	c.logger.Info("Starting river",
		"namespace", c.cfg.Namespace(),
		"index", c.cfg.Index.Name,
	)
	c.publishState(StateStarting, StateStarting, nil)

	go c.run(runCtx, stopCtx)
	return nil
}

// Stop stops reading from the source, lets the writer drain what was
// already read, saves the cursor and waits for the river to stop. When ctx
// expires first the river is canceled hard and ctx.Err() is returned.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.mu.Unlock()
		c.setState(StateStopped, nil)
		close(c.done)
		return nil
	}
	if c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.stopping = true
	c.mu.Unlock()

	c.setState(StateStopping, nil)
	c.stopCancel()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("River stop timed out, canceling")
		c.runCancel()
		return ctx.Err()
	}
}

// Remove stops the river without saving the cursor, deletes the stored
// cursor and leaves the river Faulted with ErrRemoved.
func (c *Controller) Remove(ctx context.Context) error {
	c.removed.Store(true)
	if err := c.Stop(ctx); err != nil {
		return err
	}
	if err := c.store.Delete(ctx); err != nil {
		metrics.CursorErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	if c.State() != StateFaulted {
		c.setState(StateFaulted, ErrRemoved)
	}
	c.logger.Info("River removed")
	return nil
}

func (c *Controller) isStopping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping
}

// run is the supervisor goroutine.
func (c *Controller) run(runCtx, stopCtx context.Context) {
	defer close(c.done)
	defer c.runCancel()

	err := c.supervise(runCtx, stopCtx)

	switch {
	case c.removed.Load():
		c.setState(StateFaulted, ErrRemoved)
	case c.isStopping() || (err == nil && runCtx.Err() != nil):
		c.setState(StateStopped, nil)
		c.logger.Info("River stopped")
	case err != nil:
		c.setState(StateFaulted, err)
		c.logger.Error("River faulted", "error", err)
	default:
		c.setState(StateStopped, nil)
	}
}

func (c *Controller) supervise(runCtx, stopCtx context.Context) error {
	pos, err := c.prepare(stopCtx)
	if err != nil {
		if stopCtx.Err() != nil {
			return nil
		}
		return err
	}

	bo := recovery.NewBackOff(stopCtx, c.backoffOptions())
	for {
		if stopCtx.Err() != nil {
			return nil
		}

		var runErr error
		if pos == nil {
			c.setState(StateSnapshotting, nil)
			var p events.OperationID
			p, runErr = c.runSnapshot(runCtx, stopCtx)
			if runErr == nil {
				pos = &p
				bo.Reset()
				c.handler.ResetErrorCount()
				continue
			}
		} else {
			c.setState(StateTailing, nil)
			runErr = c.runTail(runCtx, stopCtx, *pos)
			if latest, ok := c.tracker.Latest(); ok {
				pos = &latest
			}
		}

		if stopCtx.Err() != nil {
			return nil
		}
		if runErr == nil {
			// The source ended without error; reopen it.
			runErr = fmt.Errorf("%w: source ended", events.ErrTransientConnection)
		}

		switch c.handler.HandleError(runErr) {
		case recovery.ActionResnapshot:
			if err := c.store.Delete(runCtx); err != nil {
				metrics.CursorErrors.WithLabelValues(c.name).Inc()
				c.logger.Warn("Failed to delete stale cursor", "error", err)
			}
			c.tracker.Reset()
			pos = nil
		case recovery.ActionFatal:
			return runErr
		default:
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("giving up after repeated failures: %w", runErr)
			}
			if err := c.sleep(stopCtx, wait); err != nil {
				return nil
			}
		}
	}
}

// prepare loads the cursor and then makes sure the target index exists.
// The order matters: a cursor whose target index is missing is discarded.
func (c *Controller) prepare(ctx context.Context) (*events.OperationID, error) {
	var pos *events.OperationID
	op := func() error {
		p, err := c.store.Load(ctx)
		if err != nil {
			return err
		}
		if err := c.engine.CreateIndex(ctx, c.cfg.Index.Name); err != nil {
			return fmt.Errorf("failed to create index %s: %w", c.cfg.Index.Name, err)
		}
		pos = p
		return nil
	}
	onRetry := func(err error, wait time.Duration) {
		c.logger.Warn("Failed to prepare index, retrying", "error", err, "retry_in", wait)
	}

	b := backoff.WithMaxRetries(recovery.NewBackOff(ctx, c.backoffOptions()), uint64(c.cfg.Writer.MaxRetries))
	if err := backoff.RetryNotify(op, b, onRetry); err != nil {
		return nil, fmt.Errorf("%w: %v", events.ErrIndexUnavailable, err)
	}

	if pos != nil {
		c.logger.Info("Resuming from cursor", "position", pos.String())
	} else {
		c.logger.Info("No usable cursor, starting with a snapshot")
	}
	return pos, nil
}

// runSnapshot copies the collection and returns the position tailing must
// start from. Positions are not persisted until the whole snapshot settled.
func (c *Controller) runSnapshot(runCtx, stopCtx context.Context) (events.OperationID, error) {
	metrics.Snapshots.WithLabelValues(c.name).Inc()

	snap, err := c.source.Snapshot(stopCtx)
	if err != nil {
		return events.OperationID{}, err
	}
	defer snap.Close()

	position := snap.Position()
	c.logger.Info("Snapshot started", "position", position.String())
	start := time.Now()

	if err := c.pump(runCtx, stopCtx, snap, false); err != nil {
		return events.OperationID{}, err
	}
	if stopCtx.Err() != nil {
		return events.OperationID{}, stopCtx.Err()
	}

	c.tracker.Record(position)
	if err := c.save(runCtx); err != nil {
		return events.OperationID{}, err
	}
	c.logger.Info("Snapshot completed",
		"position", position.String(),
		"duration", time.Since(start),
	)
	return position, nil
}

// runTail streams the operation log from just after from until the source
// fails or the river is stopped.
func (c *Controller) runTail(runCtx, stopCtx context.Context, from events.OperationID) error {
	it, err := c.source.Tail(stopCtx, from)
	if err != nil {
		return err
	}
	defer it.Close()

	c.logger.Info("Tailing operation log", "from", from.String())
	err = c.pump(runCtx, stopCtx, it, true)

	if c.tracker.ShouldSaveOnShutdown() && !c.removed.Load() {
		if saveErr := c.save(context.WithoutCancel(runCtx)); saveErr != nil {
			c.logger.Error("Failed to save cursor", "error", saveErr)
		}
	}
	return err
}

// pump runs source -> transform -> queue -> writer until the iterator ends
// or stopCtx is done, consuming batch results on the calling goroutine.
// The writer keeps running on runCtx so everything already queued drains.
func (c *Controller) pump(runCtx, stopCtx context.Context, it events.Iterator, persist bool) error {
	queue := make(chan *events.IndexAction, c.cfg.Writer.QueueSize)
	results := make(chan events.BatchResult, 16)

	var g errgroup.Group
	g.Go(func() error {
		defer close(queue)
		return c.feed(stopCtx, it, queue)
	})
	g.Go(func() error {
		return c.writer.Run(runCtx, queue, results)
	})

	for res := range results {
		c.handleResult(runCtx, res, persist)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) && stopCtx.Err() != nil {
		return nil
	}
	return err
}

// feed reads events and queues their actions. It never queues an action
// for an event the stage did not finish evaluating.
func (c *Controller) feed(ctx context.Context, it events.Iterator, queue chan<- *events.IndexAction) error {
	for it.Next(ctx) {
		action := c.stage.Apply(ctx, it.Event())
		if action == nil {
			break
		}
		if c.health != nil {
			c.health.RecordEvents(c.name, 1)
		}
		select {
		case queue <- action:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := it.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Controller) handleResult(ctx context.Context, res events.BatchResult, persist bool) {
	ack := ""
	if res.Progress() {
		ack = res.AcknowledgedUpTo.String()
	}
	if c.health != nil {
		c.health.RecordBatch(c.name, res.Applied, res.Rejected, ack, res.Err)
	}

	if res.Err != nil {
		c.logger.Warn("Batch not fully applied",
			"acknowledged", ack,
			"error", res.Err,
		)
		c.notifier.Notify(ctx, notify.Status{
			Kind:         notify.KindBatchFailure,
			River:        c.name,
			RunID:        c.runID,
			State:        c.State().String(),
			Acknowledged: ack,
			Error:        res.Err.Error(),
		})
	} else if res.Progress() {
		c.handler.ResetErrorCount()
	}

	if !persist || !res.Progress() || res.Snapshot {
		return
	}
	if c.tracker.Record(res.AcknowledgedUpTo) {
		if err := c.save(ctx); err != nil {
			c.logger.Warn("Failed to save cursor", "error", err)
		}
	}
}

// save persists the latest acknowledged position.
func (c *Controller) save(ctx context.Context) error {
	latest, ok := c.tracker.Latest()
	if !ok {
		return nil
	}
	if err := c.store.Save(ctx, latest); err != nil {
		metrics.CursorErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	c.tracker.MarkSaved()
	metrics.CursorsSaved.WithLabelValues(c.name).Inc()
	c.logger.Debug("Cursor saved", "position", latest.String())
	return nil
}

// setState records a transition and reports it to metrics, health and the
// notifier. Transitions out of a terminal state are ignored.
func (c *Controller) setState(next State, err error) {
	c.mu.Lock()
	prev := c.state
	if prev.Terminal() && !(next == StateFaulted && errors.Is(err, ErrRemoved)) {
		c.mu.Unlock()
		return
	}
	if prev == next && err == nil {
		c.mu.Unlock()
		return
	}
	if prev == StateStopping && (next == StateSnapshotting || next == StateTailing) {
		c.mu.Unlock()
		return
	}
	c.state = next
	if err != nil {
		c.err = err
	}
	c.mu.Unlock()

	c.logger.Info("River state changed", "from", prev.String(), "to", next.String())
	c.publishState(prev, next, err)
}

func (c *Controller) publishState(prev, next State, err error) {
	for _, s := range allStates {
		v := 0.0
		if s == next {
			v = 1
		}
		metrics.RiverState.WithLabelValues(c.name, s.String()).Set(v)
	}
	if c.health != nil {
		c.health.SetState(c.name, next.String(), err)
	}

	status := notify.Status{
		Kind:  notify.KindState,
		River: c.name,
		RunID: c.runID,
		State: next.String(),
	}
	if prev != next {
		status.Previous = prev.String()
	}
	if err != nil {
		status.Error = err.Error()
	}
	c.notifier.Notify(context.Background(), status)
}

func (c *Controller) backoffOptions() recovery.BackoffOptions {
	return recovery.BackoffOptions{
		Initial: c.cfg.Tailer.ReconnectInitialInterval,
		Max:     c.cfg.Tailer.ReconnectMaxInterval,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
