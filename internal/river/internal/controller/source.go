package controller

import (
	"context"

	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/river/internal/tailer"
)

// SnapshotIterator enumerates the collection at a fixed operation log position.
type SnapshotIterator interface {
	events.Iterator
	Position() events.OperationID
}

// EventSource is what the controller reads change events from.
type EventSource interface {
	Snapshot(ctx context.Context) (SnapshotIterator, error)
	Tail(ctx context.Context, from events.OperationID) (events.Iterator, error)
}

// FromTailer adapts a tailer to EventSource.
func FromTailer(t *tailer.Tailer) EventSource {
	return tailerSource{t: t}
}

type tailerSource struct {
	t *tailer.Tailer
}

func (s tailerSource) Snapshot(ctx context.Context) (SnapshotIterator, error) {
	snap, err := s.t.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s tailerSource) Tail(ctx context.Context, from events.OperationID) (events.Iterator, error) {
	return s.t.Tail(ctx, from)
}
