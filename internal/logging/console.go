package logging

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler writes one human readable line per record:
//
//	2024-01-19T10:30:00.000Z INFO  [users] river state changed from=starting to=snapshotting
//
// The "river" attribute, when present, is lifted into the bracketed prefix.
type ConsoleHandler struct {
	w      io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	river  string
	prefix string // group prefix for keys, e.g. "writer."
	attrs  []byte // preformatted handler attributes
}

// NewConsoleHandler creates a console handler writing to w.
func NewConsoleHandler(w io.Writer, level slog.Leveler) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &ConsoleHandler{w: w, mu: &sync.Mutex{}, level: level}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = r.Time.UTC().AppendFormat(buf, "2006-01-02T15:04:05.000Z07:00")
	buf = append(buf, ' ')
	lvl := r.Level.String()
	buf = append(buf, lvl...)
	for i := len(lvl); i < 5; i++ {
		buf = append(buf, ' ')
	}
	buf = append(buf, ' ')

	river := h.river
	var rest []byte
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "river" && h.prefix == "" {
			river = a.Value.String()
			return true
		}
		rest = appendAttr(rest, h.prefix, a)
		return true
	})
	if river != "" {
		buf = append(buf, '[')
		buf = append(buf, river...)
		buf = append(buf, "] "...)
	}
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	buf = append(buf, rest...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == "river" && h.prefix == "" {
			n.river = a.Value.String()
			continue
		}
		n.attrs = appendAttr(n.attrs, h.prefix, a)
	}
	return &n
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.prefix = h.prefix + name + "."
	return &n
}

func appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, p, ga)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if s == "" || strings.ContainsAny(s, " \"=\n\t\\") {
			return strconv.AppendQuote(buf, s)
		}
		return append(buf, s...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		if err, ok := v.Any().(error); ok {
			return strconv.AppendQuote(buf, err.Error())
		}
		return appendValue(buf, slog.StringValue(v.String()))
	}
}
