package tailer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// fakeCursor serves documents through a BSON round trip like *mongo.Cursor.
type fakeCursor struct {
	docs    []any
	pos     int
	current any

	// failAfter, when >= 0, ends the cursor with failErr after that many documents.
	failAfter int
	failErr   error
	// block waits for ctx when exhausted, like a tailable cursor.
	block bool

	err    error
	closed bool
}

func (c *fakeCursor) Next(ctx context.Context) bool {
	if c.failAfter >= 0 && c.pos >= c.failAfter {
		c.err = c.failErr
		return false
	}
	if c.pos >= len(c.docs) {
		if c.block {
			<-ctx.Done()
			c.err = ctx.Err()
		}
		return false
	}
	c.current = c.docs[c.pos]
	c.pos++
	return true
}

func (c *fakeCursor) Decode(val any) error {
	raw, err := bson.Marshal(c.current)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, val)
}

func (c *fakeCursor) Err() error { return c.err }

func (c *fakeCursor) Close(context.Context) error {
	c.closed = true
	return nil
}

type fakeSource struct {
	mu sync.Mutex

	oplog   []bson.M
	docs    []bson.M
	current map[string]bson.M
	oldest  *primitive.Timestamp

	// tailFailures lists errors for successive cursors: the n-th cursor
	// fails after failAt[n] entries with tailFailures[n].
	tailFailures []error
	failAt       []int

	tailCalls []primitive.Timestamp
	lookups   int
}

func (s *fakeSource) OldestPosition(context.Context) (primitive.Timestamp, error) {
	if s.oldest != nil {
		return *s.oldest, nil
	}
	if len(s.oplog) == 0 {
		return primitive.Timestamp{}, fmt.Errorf("%w: empty oplog", events.ErrProtocol)
	}
	return s.oplog[0]["ts"].(primitive.Timestamp), nil
}

func (s *fakeSource) LatestPosition(context.Context) (primitive.Timestamp, error) {
	if len(s.oplog) == 0 {
		return primitive.Timestamp{}, fmt.Errorf("%w: empty oplog", events.ErrProtocol)
	}
	return s.oplog[len(s.oplog)-1]["ts"].(primitive.Timestamp), nil
}

func (s *fakeSource) TailOplog(_ context.Context, from primitive.Timestamp) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.tailCalls)
	s.tailCalls = append(s.tailCalls, from)

	var docs []any
	for _, e := range s.oplog {
		if compareTimestamp(e["ts"].(primitive.Timestamp), from) >= 0 {
			docs = append(docs, e)
		}
	}
	cur := &fakeCursor{docs: docs, failAfter: -1, block: true}
	if n < len(s.tailFailures) && s.tailFailures[n] != nil {
		cur.failAfter = s.failAt[n]
		cur.failErr = s.tailFailures[n]
	}
	return cur, nil
}

func (s *fakeSource) ScanCollection(context.Context) (Cursor, error) {
	docs := make([]any, len(s.docs))
	for i, d := range s.docs {
		docs[i] = d
	}
	return &fakeCursor{docs: docs, failAfter: -1}, nil
}

func (s *fakeSource) FindDocument(_ context.Context, id any) (bson.M, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	doc, ok := s.current[fmt.Sprint(id)]
	return doc, ok, nil
}

func ts(t uint32) primitive.Timestamp {
	return primitive.Timestamp{T: t, I: 1}
}

func insertEntry(t uint32, ns string, id any, fields bson.M) bson.M {
	o := bson.M{"_id": id}
	for k, v := range fields {
		o[k] = v
	}
	return bson.M{"ts": ts(t), "v": 2, "op": "i", "ns": ns, "o": o}
}

func newTestTailer(src Source) *Tailer {
	return New(src, Options{
		River:      "test",
		Database:   "app",
		Collection: "users",
		Tailer: config.TailerConfig{
			ReconnectInitialInterval: time.Millisecond,
			ReconnectMaxInterval:     5 * time.Millisecond,
			ReconnectMaxElapsed:      time.Second,
			GapThreshold:             time.Hour,
		},
	})
}

func collect(t *testing.T, it events.Iterator, n int) []*events.ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out []*events.ChangeEvent
	for len(out) < n && it.Next(ctx) {
		out = append(out, it.Event())
	}
	require.NoError(t, it.Err())
	require.Len(t, out, n)
	return out
}

func TestTailer_Tail(t *testing.T) {
	t.Parallel()

	src := &fakeSource{oplog: []bson.M{
		insertEntry(100, "app.users", "a", bson.M{"name": "before"}),
		insertEntry(101, "app.users", "b", bson.M{"name": "Bob"}),
		insertEntry(102, "app.other", "x", nil),
		{"ts": ts(103), "v": 2, "op": "n", "ns": "", "o": bson.M{"msg": "periodic noop"}},
		{"ts": ts(104), "v": 2, "op": "u", "ns": "app.users", "o2": bson.M{"_id": "b"}, "o": bson.M{"_id": "b", "name": "Robert"}},
		{"ts": ts(105), "v": 2, "op": "d", "ns": "app.users", "o": bson.M{"_id": "a"}},
	}}
	tl := newTestTailer(src)

	it, err := tl.Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	got := collect(t, it, 3)
	assert.Equal(t, events.KindInsert, got[0].Kind)
	assert.Equal(t, "b", got[0].DocumentKey)
	assert.Equal(t, "Bob", got[0].Payload["name"])
	assert.Equal(t, "app.users", got[0].Collection)

	assert.Equal(t, events.KindUpdate, got[1].Kind)
	assert.Equal(t, "Robert", got[1].Payload["name"])

	assert.Equal(t, events.KindDelete, got[2].Kind)
	assert.Equal(t, "a", got[2].DocumentKey)
	assert.Nil(t, got[2].Payload)

	for i := 1; i < len(got); i++ {
		assert.Equal(t, -1, got[i-1].OperationID.Compare(got[i].OperationID))
	}
	assert.Equal(t, 0, src.lookups)
}

func TestTailer_Tail_StaleResumePosition(t *testing.T) {
	t.Parallel()

	oldest := ts(500)
	src := &fakeSource{
		oplog:  []bson.M{insertEntry(500, "app.users", "a", nil)},
		oldest: &oldest,
	}
	_, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	assert.ErrorIs(t, err, events.ErrStaleCursor)
}

func TestTailer_Tail_ResumeEntryMissing(t *testing.T) {
	t.Parallel()

	// The oldest entry predates the resume position but the entry itself
	// is gone, so the first entry returned is newer.
	oldest := ts(50)
	src := &fakeSource{
		oplog: []bson.M{
			insertEntry(50, "app.users", "old", nil),
			insertEntry(120, "app.users", "a", nil),
		},
		oldest: &oldest,
	}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Next(context.Background()))
	assert.ErrorIs(t, it.Err(), events.ErrStaleCursor)
}

func TestTailer_Tail_ReconnectResumesAfterLastEmitted(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		oplog: []bson.M{
			insertEntry(100, "app.users", "seed", nil),
			insertEntry(101, "app.users", "a", nil),
			insertEntry(102, "app.users", "b", nil),
			insertEntry(103, "app.users", "c", nil),
		},
		// First cursor dies after delivering the seed entry and "a".
		tailFailures: []error{fmt.Errorf("%w: socket closed", events.ErrTransientConnection)},
		failAt:       []int{2},
	}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	got := collect(t, it, 3)
	keys := []string{got[0].DocumentKey, got[1].DocumentKey, got[2].DocumentKey}
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	require.Len(t, src.tailCalls, 2)
	assert.Equal(t, ts(100), src.tailCalls[0])
	assert.Equal(t, ts(101), src.tailCalls[1])
}

func TestTailer_Tail_NonTransientErrorStops(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		oplog: []bson.M{
			insertEntry(100, "app.users", "seed", nil),
			insertEntry(101, "app.users", "a", nil),
		},
		tailFailures: []error{fmt.Errorf("%w: CappedPositionLost", events.ErrStaleCursor)},
		failAt:       []int{1},
	}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Next(context.Background()))
	assert.ErrorIs(t, it.Err(), events.ErrStaleCursor)
	assert.Len(t, src.tailCalls, 1)
}

func TestTailer_Tail_PartialUpdateLooksUpDocument(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		oplog: []bson.M{
			insertEntry(100, "app.users", "seed", nil),
			{"ts": ts(101), "v": 2, "op": "u", "ns": "app.users",
				"o2": bson.M{"_id": "a"}, "o": bson.M{"$v": 2, "diff": bson.M{"u": bson.M{"score": 5}}}},
			{"ts": ts(102), "v": 2, "op": "u", "ns": "app.users",
				"o2": bson.M{"_id": "gone"}, "o": bson.M{"$set": bson.M{"score": 7}}},
		},
		current: map[string]bson.M{
			"a": {"_id": "a", "name": "Alice", "score": 5},
		},
	}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	got := collect(t, it, 2)
	assert.Equal(t, "Alice", got[0].Payload["name"])
	assert.EqualValues(t, 5, got[0].Payload["score"])

	// Lookup miss keeps the partial payload.
	assert.Equal(t, "gone", got[1].DocumentKey)
	assert.EqualValues(t, 7, got[1].Payload["score"])
	assert.Equal(t, 2, src.lookups)
}

func TestTailer_Tail_SkipsMalformedEntries(t *testing.T) {
	t.Parallel()

	src := &fakeSource{oplog: []bson.M{
		insertEntry(100, "app.users", "seed", nil),
		{"ts": ts(101), "v": 2, "op": "x", "ns": "app.users", "o": bson.M{}},
		{"ts": ts(102), "v": 2, "op": "i", "ns": "app.users", "o": bson.M{"name": "no id"}},
		insertEntry(103, "app.users", "ok", nil),
	}}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	got := collect(t, it, 1)
	assert.Equal(t, "ok", got[0].DocumentKey)
}

func TestTailer_Tail_UnsupportedVersion(t *testing.T) {
	t.Parallel()

	src := &fakeSource{oplog: []bson.M{
		insertEntry(100, "app.users", "seed", nil),
		{"ts": ts(101), "v": 3, "op": "i", "ns": "app.users", "o": bson.M{"_id": "a"}},
	}}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	assert.False(t, it.Next(context.Background()))
	assert.ErrorIs(t, it.Err(), events.ErrProtocol)
}

func TestTailer_Tail_ApplyOpsOrdinals(t *testing.T) {
	t.Parallel()

	src := &fakeSource{oplog: []bson.M{
		insertEntry(100, "app.users", "seed", nil),
		{"ts": ts(101), "v": 2, "op": "c", "ns": "admin.$cmd", "o": bson.M{"applyOps": bson.A{
			bson.M{"op": "i", "ns": "app.users", "o": bson.M{"_id": "t1"}},
			bson.M{"op": "i", "ns": "app.other", "o": bson.M{"_id": "skip"}},
			bson.M{"op": "d", "ns": "app.users", "o": bson.M{"_id": "t2"}},
		}}},
	}}
	tl := newTestTailer(src)

	// Resuming inside the transaction skips the ordinals already applied.
	it, err := tl.Tail(context.Background(), events.OperationID{T: 101, I: 1, Ordinal: 0})
	require.NoError(t, err)
	defer it.Close()

	got := collect(t, it, 1)
	assert.Equal(t, "t2", got[0].DocumentKey)
	assert.Equal(t, uint32(2), got[0].OperationID.Ordinal)
}

func TestTailer_Tail_ContextCanceled(t *testing.T) {
	t.Parallel()

	src := &fakeSource{oplog: []bson.M{insertEntry(100, "app.users", "seed", nil)}}
	it, err := newTestTailer(src).Tail(context.Background(), events.OperationIDFromTimestamp(ts(100), 0))
	require.NoError(t, err)
	defer it.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, it.Next(ctx))
	assert.ErrorIs(t, it.Err(), context.DeadlineExceeded)
}

func TestTailer_Snapshot(t *testing.T) {
	t.Parallel()

	oid := primitive.NewObjectID()
	src := &fakeSource{
		oplog: []bson.M{insertEntry(100, "app.users", "x", nil), insertEntry(200, "app.users", "y", nil)},
		docs: []bson.M{
			{"_id": oid, "name": "Alice"},
			{"name": "no id"},
			{"_id": int32(7), "name": "Bob"},
		},
	}
	snap, err := newTestTailer(src).Snapshot(context.Background())
	require.NoError(t, err)
	defer snap.Close()

	assert.Equal(t, events.OperationIDFromTimestamp(ts(200), 0), snap.Position())

	got := collect(t, snap, 2)
	assert.False(t, snap.Next(context.Background()))
	assert.NoError(t, snap.Err())
	assert.Equal(t, 2, snap.Count())

	assert.Equal(t, oid.Hex(), got[0].DocumentKey)
	assert.Equal(t, "7", got[1].DocumentKey)
	for _, evt := range got {
		assert.True(t, evt.Snapshot)
		assert.Equal(t, events.KindInsert, evt.Kind)
		assert.Equal(t, snap.Position(), evt.OperationID)
	}
}

func TestTailer_Open(t *testing.T) {
	t.Parallel()

	src := &fakeSource{
		oplog: []bson.M{
			insertEntry(100, "app.users", "a", nil),
		},
		docs: []bson.M{{"_id": "a"}},
	}
	tl := newTestTailer(src)

	it, err := tl.Open(context.Background(), nil)
	require.NoError(t, err)

	// Snapshot document first; the entry at the snapshot position is
	// already reflected by the scan and is not emitted again.
	got := collect(t, it, 1)
	assert.True(t, got[0].Snapshot)

	src.mu.Lock()
	src.oplog = append(src.oplog, insertEntry(101, "app.users", "b", nil))
	src.mu.Unlock()

	got = collect(t, it, 1)
	assert.False(t, got[0].Snapshot)
	assert.Equal(t, "b", got[0].DocumentKey)
	require.NoError(t, it.Close())

	resume := events.OperationIDFromTimestamp(ts(100), 0)
	it, err = tl.Open(context.Background(), &resume)
	require.NoError(t, err)
	defer it.Close()
	got = collect(t, it, 1)
	assert.Equal(t, "b", got[0].DocumentKey)
}
