package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const repeatPruneSize = 1024

// RepeatHandler collapses identical records (same level, message and
// attributes) seen within a window. The first record passes through, the
// rest are counted, and the next record after the window carries a
// "repeated" attribute with the number that were dropped.
//
// Reconnect loops and per-item rejections otherwise flood the log.
type RepeatHandler struct {
	next   slog.Handler
	window time.Duration
	scope  uint64 // hash of handler-level attributes and groups
	state  *repeatState
}

type repeatState struct {
	mu   sync.Mutex
	seen map[uint64]*repeatEntry
	now  func() time.Time
}

type repeatEntry struct {
	first      time.Time
	suppressed int
}

// NewRepeatHandler wraps next. A non-positive window disables collapsing.
func NewRepeatHandler(next slog.Handler, window time.Duration) *RepeatHandler {
	return &RepeatHandler{
		next:   next,
		window: window,
		state:  &repeatState{seen: make(map[uint64]*repeatEntry), now: time.Now},
	}
}

func (h *RepeatHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RepeatHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.window <= 0 {
		return h.next.Handle(ctx, r)
	}

	key := h.hash(r)
	s := h.state
	s.mu.Lock()
	now := s.now()
	entry, ok := s.seen[key]
	if ok && now.Sub(entry.first) < h.window {
		entry.suppressed++
		s.mu.Unlock()
		return nil
	}
	var dropped int
	if ok {
		dropped = entry.suppressed
	}
	s.seen[key] = &repeatEntry{first: now}
	if len(s.seen) > repeatPruneSize {
		for k, e := range s.seen {
			if now.Sub(e.first) >= h.window {
				delete(s.seen, k)
			}
		}
	}
	s.mu.Unlock()

	if dropped > 0 {
		r = r.Clone()
		r.AddAttrs(slog.Int("repeated", dropped))
	}
	return h.next.Handle(ctx, r)
}

func (h *RepeatHandler) hash(r slog.Record) uint64 {
	d := xxhash.New()
	var scope [8]byte
	for i := range scope {
		scope[i] = byte(h.scope >> (8 * i))
	}
	_, _ = d.Write(scope[:])
	_, _ = d.WriteString(r.Level.String())
	_, _ = d.WriteString("|")
	_, _ = d.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(a.Key)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(a.Value.String())
		return true
	})
	return d.Sum64()
}

func (h *RepeatHandler) derive(next slog.Handler, extra string) *RepeatHandler {
	return &RepeatHandler{
		next:   next,
		window: h.window,
		scope:  xxhash.Sum64String(extra) ^ (h.scope * 31),
		state:  h.state,
	}
}

func (h *RepeatHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var extra string
	for _, a := range attrs {
		extra += a.Key + "=" + a.Value.String() + "|"
	}
	return h.derive(h.next.WithAttrs(attrs), extra)
}

func (h *RepeatHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(h.next.WithGroup(name), "group:"+name)
}
