package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/mongoriver/internal/health"
	"github.com/syntrixbase/mongoriver/internal/notify"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/cursor"
	"github.com/syntrixbase/mongoriver/internal/river/internal/transform"
	"github.com/syntrixbase/mongoriver/internal/river/internal/writer"
	"github.com/syntrixbase/mongoriver/internal/search/memory"
)

const (
	targetIndex = "users"
	cursorIndex = "users_river"
)

// sliceIterator yields events, then fails with err or blocks until ctx is done.
type sliceIterator struct {
	events   []*events.ChangeEvent
	pos      int
	current  *events.ChangeEvent
	err      error
	finalErr error
	block    bool
	position events.OperationID
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.pos < len(it.events) {
		it.current = it.events[it.pos]
		it.pos++
		return true
	}
	if it.finalErr != nil {
		it.err = it.finalErr
		return false
	}
	if it.block {
		<-ctx.Done()
		it.err = ctx.Err()
	}
	return false
}

func (it *sliceIterator) Event() *events.ChangeEvent   { return it.current }
func (it *sliceIterator) Err() error                   { return it.err }
func (it *sliceIterator) Close() error                 { return nil }
func (it *sliceIterator) Position() events.OperationID { return it.position }

// fakeSource serves a fixed collection and operation log.
type fakeSource struct {
	mu        sync.Mutex
	docs      []*events.ChangeEvent
	position  events.OperationID
	changes   []*events.ChangeEvent
	oldest    events.OperationID
	tailErrs  []error // consumed one per Tail call, after the changes
	snapshots int
	tails     []events.OperationID
}

func (f *fakeSource) Snapshot(ctx context.Context) (SnapshotIterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	return &sliceIterator{events: f.docs, position: f.position}, nil
}

func (f *fakeSource) Tail(ctx context.Context, from events.OperationID) (events.Iterator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tails = append(f.tails, from)
	if from.Compare(f.oldest) < 0 {
		return nil, events.ErrStaleCursor
	}
	it := &sliceIterator{block: true}
	for _, c := range f.changes {
		if c.OperationID.Compare(from) > 0 {
			it.events = append(it.events, c)
		}
	}
	if len(f.tailErrs) > 0 {
		it.finalErr = f.tailErrs[0]
		f.tailErrs = f.tailErrs[1:]
	}
	return it, nil
}

func (f *fakeSource) snapshotCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots
}

func (f *fakeSource) tailPositions() []events.OperationID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]events.OperationID(nil), f.tails...)
}

func id(t uint32) events.OperationID {
	return events.OperationID{T: t, I: 1}
}

func insert(t uint32, key string) *events.ChangeEvent {
	return &events.ChangeEvent{
		OperationID: id(t),
		Collection:  "app.users",
		DocumentKey: key,
		Kind:        events.KindInsert,
		Payload:     map[string]any{"_id": key, "name": key},
	}
}

func snapshotDoc(p events.OperationID, key string) *events.ChangeEvent {
	evt := insert(0, key)
	evt.OperationID = p
	evt.Snapshot = true
	return evt
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Name = "test"
	cfg.Source.Database = "app"
	cfg.Source.Collection = "users"
	cfg.Index.Name = targetIndex
	cfg.Index.CursorIndex = cursorIndex
	cfg.Writer.BatchSize = 10
	cfg.Writer.FlushInterval = 5 * time.Millisecond
	cfg.Writer.QueueSize = 10
	cfg.Writer.MaxRetries = 1
	cfg.Writer.InitialBackoff = time.Millisecond
	cfg.Writer.MaxBackoff = 2 * time.Millisecond
	cfg.Tailer.ReconnectInitialInterval = time.Millisecond
	cfg.Tailer.ReconnectMaxInterval = 2 * time.Millisecond
	cfg.ApplyDefaults()
	return cfg
}

type harness struct {
	cfg       config.Config
	engine    *memory.Engine
	source    *fakeSource
	store     *cursor.IndexStore
	checker   *health.Checker
	publisher *notify.MemoryPublisher
	evaluator transform.Evaluator
	policy    cursor.Policy
}

func newHarness(engine *memory.Engine, source *fakeSource) *harness {
	if engine == nil {
		engine = memory.New()
	}
	cfg := testConfig()
	return &harness{
		cfg:       cfg,
		engine:    engine,
		source:    source,
		store:     cursor.NewIndexStore(engine, cursorIndex, targetIndex, cfg.Name),
		checker:   health.NewChecker(nil),
		publisher: &notify.MemoryPublisher{},
		evaluator: transform.Passthrough{},
		policy:    cursor.EveryBatch(),
	}
}

func (h *harness) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := New(Options{
		Config: h.cfg,
		Source: h.source,
		Stage:  transform.NewStage(h.evaluator, transform.StageOptions{River: h.cfg.Name, Timeout: time.Second}),
		Writer: writer.New(h.engine, writer.Options{
			River:  h.cfg.Name,
			Index:  targetIndex,
			Config: h.cfg.Writer,
		}),
		Engine:       h.engine,
		Cursor:       h.store,
		CursorPolicy: h.policy,
		Health:       h.checker,
		Notifier:     notify.New(h.publisher, "river", nil),
		RunID:        "run-1",
	})
	require.NoError(t, err)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func (h *harness) savedCursor(t *testing.T) *events.OperationID {
	t.Helper()
	pos, err := h.store.Load(context.Background())
	require.NoError(t, err)
	return pos
}

func waitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state = %s, want %s", c.State(), want)
}

func stop(t *testing.T, c *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestController_SnapshotThenTail(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		docs:     []*events.ChangeEvent{snapshotDoc(p, "a"), snapshotDoc(p, "b")},
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "c"), insert(102, "d")},
	})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		pos := h.savedCursor(t)
		return pos != nil && *pos == id(102)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c", "d"}, h.engine.IDs(targetIndex))
	assert.Equal(t, StateTailing, c.State())
	assert.Equal(t, []events.OperationID{p}, h.source.tailPositions())

	stop(t, c)
	assert.Equal(t, StateStopped, c.State())
	assert.NoError(t, c.Err())
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}
}

func TestController_RestartResumesFromCursor(t *testing.T) {
	t.Parallel()
	engine := memory.New()
	p := id(100)
	first := newHarness(engine, &fakeSource{
		docs:     []*events.ChangeEvent{snapshotDoc(p, "a")},
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "b")},
	})
	c := first.controller(t)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		pos := first.savedCursor(t)
		return pos != nil && *pos == id(101)
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, c)

	second := newHarness(engine, &fakeSource{
		changes: []*events.ChangeEvent{insert(101, "b"), insert(102, "c")},
	})
	c2 := second.controller(t)
	require.NoError(t, c2.Start(context.Background()))
	require.Eventually(t, func() bool {
		pos := second.savedCursor(t)
		return pos != nil && *pos == id(102)
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, c2)

	assert.Zero(t, second.source.snapshotCount(), "restart must not snapshot again")
	assert.Equal(t, id(101), second.source.tailPositions()[0])
	assert.Equal(t, []string{"a", "b", "c"}, engine.IDs(targetIndex))
}

func TestController_StaleCursorResnapshots(t *testing.T) {
	t.Parallel()
	engine := memory.New()
	require.NoError(t, engine.CreateIndex(context.Background(), targetIndex))

	p := id(200)
	h := newHarness(engine, &fakeSource{
		docs:     []*events.ChangeEvent{snapshotDoc(p, "x")},
		position: p,
		oldest:   id(150),
	})
	require.NoError(t, h.store.Save(context.Background(), id(50)))

	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		pos := h.savedCursor(t)
		return pos != nil && *pos == p
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, c, StateTailing)
	stop(t, c)

	assert.Equal(t, 1, h.source.snapshotCount())
	assert.Equal(t, []events.OperationID{id(50), p}, h.source.tailPositions())
	assert.Equal(t, []string{"x"}, engine.IDs(targetIndex))
}

func TestController_StaleCursorFaultsWithoutAutoResnapshot(t *testing.T) {
	t.Parallel()
	engine := memory.New()
	require.NoError(t, engine.CreateIndex(context.Background(), targetIndex))

	h := newHarness(engine, &fakeSource{oldest: id(150)})
	h.cfg.Recovery.AutoResnapshot = false
	require.NoError(t, h.store.Save(context.Background(), id(50)))

	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	<-c.Done()

	assert.Equal(t, StateFaulted, c.State())
	assert.ErrorIs(t, c.Err(), events.ErrStaleCursor)
	assert.Zero(t, h.source.snapshotCount())
	assert.Equal(t, health.StatusUnhealthy, h.checker.Check())
}

func TestController_ProtocolErrorFaults(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "a")},
		tailErrs: []error{events.ErrProtocol},
	})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	<-c.Done()

	assert.Equal(t, StateFaulted, c.State())
	assert.ErrorIs(t, c.Err(), events.ErrProtocol)
	// Events read before the failure are still applied and acknowledged.
	assert.Equal(t, []string{"a"}, h.engine.IDs(targetIndex))
	pos := h.savedCursor(t)
	require.NotNil(t, pos)
	assert.Equal(t, id(101), *pos)
}

func TestController_ReconnectsFromAcknowledgedPosition(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "a"), insert(102, "b")},
		tailErrs: []error{events.ErrTransientConnection},
	})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))

	require.Eventually(t, func() bool {
		return len(h.source.tailPositions()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	waitState(t, c, StateTailing)
	stop(t, c)

	tails := h.source.tailPositions()
	assert.Equal(t, p, tails[0])
	assert.Equal(t, id(102), tails[1])
	assert.Equal(t, []string{"a", "b"}, h.engine.IDs(targetIndex))
}

func TestController_SuppressedEventsAdvanceCursor(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "keep"), insert(102, "skip")},
	})
	js, err := transform.NewJavaScript(`if (ctx.document._id === "skip") { ctx.ignore = true; }`)
	require.NoError(t, err)
	h.evaluator = js

	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		pos := h.savedCursor(t)
		return pos != nil && *pos == id(102)
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, c)

	assert.Equal(t, []string{"keep"}, h.engine.IDs(targetIndex))
}

func TestController_IgnoredInsertLeavesNoDocument(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		docs:     []*events.ChangeEvent{snapshotDoc(p, "existing")},
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "hidden")},
	})
	js, err := transform.NewJavaScript(`if (ctx.documentKind === "insert" && ctx.document._id === "hidden") { ctx.ignore = true; }`)
	require.NoError(t, err)
	h.evaluator = js

	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		pos := h.savedCursor(t)
		return pos != nil && *pos == id(101)
	}, 2*time.Second, 5*time.Millisecond)
	stop(t, c)

	_, found, err := h.engine.Get(context.Background(), targetIndex, "hidden")
	require.NoError(t, err)
	assert.False(t, found, "ignored insert must not reach the index")
	assert.Equal(t, []string{"existing"}, h.engine.IDs(targetIndex))
}

func TestController_StopSavesCursor(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "a"), insert(102, "b"), insert(103, "c")},
	})
	h.policy = cursor.Policy{Interval: time.Hour, BatchCount: 1000, OnShutdown: true}

	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(h.engine.IDs(targetIndex)) == 3
	}, 2*time.Second, 5*time.Millisecond)

	// Only the snapshot position is stored while tailing.
	pos := h.savedCursor(t)
	require.NotNil(t, pos)
	assert.Equal(t, p, *pos)

	stop(t, c)
	pos = h.savedCursor(t)
	require.NotNil(t, pos)
	assert.Equal(t, id(103), *pos)
}

func TestController_Remove(t *testing.T) {
	t.Parallel()
	p := id(100)
	h := newHarness(nil, &fakeSource{
		position: p,
		changes:  []*events.ChangeEvent{insert(101, "a")},
	})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, StateTailing)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Remove(ctx))

	assert.Equal(t, StateFaulted, c.State())
	assert.ErrorIs(t, c.Err(), ErrRemoved)
	assert.Nil(t, h.savedCursor(t))
}

func TestController_StartTwice(t *testing.T) {
	t.Parallel()
	h := newHarness(nil, &fakeSource{position: id(1)})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	stop(t, c)
}

func TestController_StopBeforeStart(t *testing.T) {
	t.Parallel()
	h := newHarness(nil, &fakeSource{})
	c := h.controller(t)
	stop(t, c)
	assert.Equal(t, StateStopped, c.State())
	<-c.Done()
	assert.NoError(t, c.Stop(context.Background()))
}

func TestController_IndexUnavailableFaults(t *testing.T) {
	t.Parallel()
	engine := memory.New()
	require.NoError(t, engine.Close())

	h := newHarness(engine, &fakeSource{})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	<-c.Done()

	assert.Equal(t, StateFaulted, c.State())
	assert.ErrorIs(t, c.Err(), events.ErrIndexUnavailable)
}

func TestController_PublishesStateChanges(t *testing.T) {
	t.Parallel()
	h := newHarness(nil, &fakeSource{position: id(100)})
	c := h.controller(t)
	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, StateTailing)
	stop(t, c)

	var states []string
	for _, m := range h.publisher.Messages() {
		assert.Equal(t, "river.test.status", m.Subject)
		var s notify.Status
		require.NoError(t, json.Unmarshal(m.Data, &s))
		if s.Kind == notify.KindState {
			states = append(states, s.State)
		}
	}
	assert.Equal(t, []string{"starting", "snapshotting", "tailing", "stopping", "stopped"}, states)

	report := h.checker.GetReport()
	require.Len(t, report.Rivers, 1)
	assert.Equal(t, "stopped", report.Rivers[0].State)
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for _, s := range allStates {
		assert.NotEqual(t, "unknown", s.String())
	}
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, StateFaulted.Terminal())
	assert.False(t, StateTailing.Terminal())
	assert.False(t, errors.Is(ErrRemoved, ErrAlreadyStarted))
}
