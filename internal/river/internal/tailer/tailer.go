// Package tailer reads the MongoDB operation log and produces ordered change events.
package tailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/metrics"
	"github.com/syntrixbase/mongoriver/internal/river/internal/normalizer"
	"github.com/syntrixbase/mongoriver/internal/river/internal/recovery"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Options configures a Tailer.
type Options struct {
	River      string
	Database   string
	Collection string
	Tailer     config.TailerConfig

	// OnGap is called when a gap between consecutive events is detected.
	OnGap func()

	Logger *slog.Logger
}

// Tailer produces change events for one collection.
type Tailer struct {
	source     Source
	normalizer *normalizer.Normalizer
	cfg        config.TailerConfig
	river      string
	onGap      func()
	logger     *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Tailer reading from source.
func New(source Source, opts Options) *Tailer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		source:     source,
		normalizer: normalizer.New(opts.Database, opts.Collection),
		cfg:        opts.Tailer,
		river:      opts.River,
		onGap:      opts.OnGap,
		logger:     logger.With("component", "tailer", "river", opts.River),
		now:        time.Now,
	}
}

// Open returns an ordered, unbounded iterator. A nil resumeFrom runs a
// snapshot first and then tails from the position captured before it.
func (t *Tailer) Open(ctx context.Context, resumeFrom *events.OperationID) (events.Iterator, error) {
	if resumeFrom != nil {
		return t.Tail(ctx, *resumeFrom)
	}
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &chainIterator{tailer: t, snapshot: snap}, nil
}

// Tail opens the operation log after from. Events at or before from are
// not emitted.
func (t *Tailer) Tail(ctx context.Context, from events.OperationID) (events.Iterator, error) {
	oldest, err := t.source.OldestPosition(ctx)
	if err != nil {
		return nil, recovery.Classify(err)
	}
	if compareTimestamp(oldest, from.Timestamp()) > 0 {
		return nil, fmt.Errorf("%w: resume position %s is older than oldest entry %d.%d",
			events.ErrStaleCursor, from, oldest.T, oldest.I)
	}

	t.logger.Info("Tailing operation log", "from", from.String())
	return &tailIterator{
		tailer: t,
		last:   from,
		gaps: recovery.NewGapDetector(recovery.GapDetectorOptions{
			Threshold: t.cfg.GapThreshold,
			Logger:    t.logger,
		}),
	}, nil
}

// Snapshot captures the newest operation log position and then scans the
// whole collection.
func (t *Tailer) Snapshot(ctx context.Context) (*SnapshotIterator, error) {
	pos, err := t.source.LatestPosition(ctx)
	if err != nil {
		return nil, recovery.Classify(err)
	}
	cur, err := t.source.ScanCollection(ctx)
	if err != nil {
		return nil, recovery.Classify(err)
	}

	position := events.OperationIDFromTimestamp(pos, 0)
	t.logger.Info("Snapshot started", "position", position.String())
	return &SnapshotIterator{tailer: t, cursor: cur, position: position}, nil
}

func (t *Tailer) backoffOptions() recovery.BackoffOptions {
	return recovery.BackoffOptions{
		Initial:    t.cfg.ReconnectInitialInterval,
		Max:        t.cfg.ReconnectMaxInterval,
		MaxElapsed: t.cfg.ReconnectMaxElapsed,
	}
}

// tailIterator follows the operation log and reopens it after connection loss.
type tailIterator struct {
	tailer *Tailer
	gaps   *recovery.GapDetector

	cursor   Cursor
	anchor   primitive.Timestamp
	verified bool

	// last is the position of the last emitted event, or the resume position.
	last    events.OperationID
	pending []*events.ChangeEvent
	current *events.ChangeEvent

	retry  backoff.BackOff
	err    error
	closed bool
}

func (it *tailIterator) Next(ctx context.Context) bool {
	for {
		if len(it.pending) > 0 {
			it.emit(it.pending[0])
			it.pending = it.pending[1:]
			return true
		}
		if it.err != nil || it.closed {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}

		if it.cursor == nil {
			if err := it.open(ctx); err != nil {
				if !it.recover(ctx, err) {
					return false
				}
				continue
			}
		}

		if !it.cursor.Next(ctx) {
			err := it.cursor.Err()
			it.closeCursor()
			if ctxErr := ctx.Err(); ctxErr != nil {
				it.err = ctxErr
				return false
			}
			if err == nil {
				err = fmt.Errorf("%w: oplog cursor closed by server", events.ErrTransientConnection)
			}
			if !it.recover(ctx, err) {
				return false
			}
			continue
		}

		if err := it.read(ctx); err != nil {
			if errors.Is(err, events.ErrProtocol) || errors.Is(err, events.ErrStaleCursor) {
				it.err = err
				return false
			}
			it.closeCursor()
			it.pending = nil
			if !it.recover(ctx, err) {
				return false
			}
		}
	}
}

func (it *tailIterator) open(ctx context.Context) error {
	it.anchor = it.last.Timestamp()
	it.verified = false
	cur, err := it.tailer.source.TailOplog(ctx, it.anchor)
	if err != nil {
		return err
	}
	it.cursor = cur
	return nil
}

// read decodes the current entry and queues its changes.
func (it *tailIterator) read(ctx context.Context) error {
	var entry normalizer.Entry
	if err := it.cursor.Decode(&entry); err != nil {
		return fmt.Errorf("%w: failed to decode oplog entry: %v", events.ErrProtocol, err)
	}

	if !it.verified {
		if entry.Timestamp != it.anchor {
			return fmt.Errorf("%w: entry %d.%d is gone, oplog resumed at %d.%d",
				events.ErrStaleCursor, it.anchor.T, it.anchor.I, entry.Timestamp.T, entry.Timestamp.I)
		}
		it.verified = true
		if it.retry != nil {
			it.tailer.logger.Info("Reconnected to operation log", "from", it.last.String())
			it.retry = nil
		}
	}

	changes, err := it.tailer.normalizer.Normalize(&entry)
	if errors.Is(err, normalizer.ErrMalformedEntry) {
		metrics.MalformedEntries.WithLabelValues(it.tailer.river).Inc()
		it.tailer.logger.Warn("Skipping malformed oplog entry",
			"ts", fmt.Sprintf("%d.%d", entry.Timestamp.T, entry.Timestamp.I),
			"op", entry.Op,
			"error", err,
		)
		return nil
	}
	if err != nil {
		return err
	}

	for _, ch := range changes {
		if ch.Event.OperationID.Compare(it.last) <= 0 {
			continue
		}
		if ch.Partial {
			doc, found, err := it.tailer.source.FindDocument(ctx, ch.ID)
			if err != nil {
				return recovery.Classify(err)
			}
			if found {
				ch.Event.Payload = normalizer.ConvertDocument(doc)
			}
		}
		it.pending = append(it.pending, ch.Event)
	}
	return nil
}

// recover waits out a backoff step after a recoverable error. It returns
// false and records the error when the stream must stop.
func (it *tailIterator) recover(ctx context.Context, cause error) bool {
	err := recovery.Classify(cause)
	if !errors.Is(err, events.ErrTransientConnection) {
		it.err = err
		return false
	}

	if it.retry == nil {
		it.retry = recovery.NewBackOff(ctx, it.tailer.backoffOptions())
	}
	wait := it.retry.NextBackOff()
	if wait == backoff.Stop {
		if ctxErr := ctx.Err(); ctxErr != nil {
			it.err = ctxErr
		} else {
			it.err = fmt.Errorf("reconnect attempts exhausted: %w", err)
		}
		return false
	}

	metrics.Reconnects.WithLabelValues(it.tailer.river).Inc()
	it.tailer.logger.Warn("Lost operation log cursor, reconnecting",
		"error", cause,
		"from", it.last.String(),
		"backoff", wait.String(),
	)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		it.err = ctx.Err()
		return false
	case <-timer.C:
		return true
	}
}

func (it *tailIterator) emit(evt *events.ChangeEvent) {
	it.current = evt
	it.last = evt.OperationID

	river := it.tailer.river
	metrics.EventsTailed.WithLabelValues(river, string(evt.Kind)).Inc()
	if !evt.Timestamp.IsZero() {
		metrics.ReplicationLag.WithLabelValues(river).Set(it.tailer.now().Sub(evt.Timestamp).Seconds())
	}
	if it.gaps.RecordEvent(evt) {
		metrics.GapsDetected.WithLabelValues(river).Inc()
		if it.tailer.onGap != nil {
			it.tailer.onGap()
		}
	}
}

func (it *tailIterator) closeCursor() {
	if it.cursor != nil {
		_ = it.cursor.Close(context.Background())
		it.cursor = nil
	}
}

func (it *tailIterator) Event() *events.ChangeEvent { return it.current }

func (it *tailIterator) Err() error { return it.err }

func (it *tailIterator) Close() error {
	it.closed = true
	it.pending = nil
	it.closeCursor()
	return nil
}

// SnapshotIterator emits one synthetic insert per document of the collection.
type SnapshotIterator struct {
	tailer   *Tailer
	cursor   Cursor
	position events.OperationID
	current  *events.ChangeEvent
	count    int
	err      error
	done     bool
}

// Position returns the operation log position captured before the scan.
func (s *SnapshotIterator) Position() events.OperationID {
	return s.position
}

// Count returns the number of documents emitted so far.
func (s *SnapshotIterator) Count() int {
	return s.count
}

func (s *SnapshotIterator) Next(ctx context.Context) bool {
	for !s.done {
		if !s.cursor.Next(ctx) {
			s.done = true
			if err := ctx.Err(); err != nil {
				s.err = err
			} else {
				s.err = recovery.Classify(s.cursor.Err())
			}
			if s.err == nil {
				s.tailer.logger.Info("Snapshot scan finished",
					"documents", s.count,
					"position", s.position.String(),
				)
			}
			return false
		}

		var doc bson.M
		if err := s.cursor.Decode(&doc); err != nil {
			s.done = true
			s.err = fmt.Errorf("%w: failed to decode document: %v", events.ErrProtocol, err)
			return false
		}
		id, ok := doc["_id"]
		if !ok {
			metrics.MalformedEntries.WithLabelValues(s.tailer.river).Inc()
			s.tailer.logger.Warn("Skipping snapshot document without _id")
			continue
		}

		s.current = &events.ChangeEvent{
			OperationID: s.position,
			Collection:  s.tailer.normalizer.Namespace(),
			DocumentKey: normalizer.FormatID(id),
			Kind:        events.KindInsert,
			Payload:     normalizer.ConvertDocument(doc),
			Timestamp:   s.tailer.now().UTC(),
			Snapshot:    true,
		}
		s.count++
		metrics.SnapshotDocuments.WithLabelValues(s.tailer.river).Inc()
		return true
	}
	return false
}

func (s *SnapshotIterator) Event() *events.ChangeEvent { return s.current }

func (s *SnapshotIterator) Err() error { return s.err }

func (s *SnapshotIterator) Close() error {
	s.done = true
	return s.cursor.Close(context.Background())
}

// chainIterator runs a snapshot and then tails from its position.
type chainIterator struct {
	tailer   *Tailer
	snapshot *SnapshotIterator
	tail     events.Iterator
	current  *events.ChangeEvent
	err      error
}

func (c *chainIterator) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.tail == nil {
		if c.snapshot.Next(ctx) {
			c.current = c.snapshot.Event()
			return true
		}
		if err := c.snapshot.Err(); err != nil {
			c.err = err
			return false
		}
		_ = c.snapshot.Close()
		tail, err := c.tailer.Tail(ctx, c.snapshot.Position())
		if err != nil {
			c.err = err
			return false
		}
		c.tail = tail
	}
	if c.tail.Next(ctx) {
		c.current = c.tail.Event()
		return true
	}
	c.err = c.tail.Err()
	return false
}

func (c *chainIterator) Event() *events.ChangeEvent { return c.current }

func (c *chainIterator) Err() error { return c.err }

func (c *chainIterator) Close() error {
	if c.tail != nil {
		return c.tail.Close()
	}
	return c.snapshot.Close()
}

func compareTimestamp(a, b primitive.Timestamp) int {
	return events.OperationIDFromTimestamp(a, 0).Compare(events.OperationIDFromTimestamp(b, 0))
}
