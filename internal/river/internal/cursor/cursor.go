// Package cursor persists the river's resume position.
//
// The cursor lives as a single document in a companion index next to the
// target index, keyed by river name. A cursor is only meaningful while the
// target index exists: when the target was removed the stored cursor is
// discarded so the river re-snapshots.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/syntrixbase/mongoriver/internal/river/events"
	"github.com/syntrixbase/mongoriver/internal/search"
)

// Store defines the interface for persisting the resume position.
type Store interface {
	// Load returns the last saved position, or nil when none is usable.
	Load(ctx context.Context) (*events.OperationID, error)

	// Save persists the position.
	Save(ctx context.Context, id events.OperationID) error

	// Delete removes the stored position.
	Delete(ctx context.Context) error
}

// Policy defines when to save cursors.
type Policy struct {
	// Time-based: save at most once per interval
	Interval time.Duration

	// Ack-based: save after N acknowledged batches regardless of interval
	BatchCount int

	// Always save on graceful shutdown
	OnShutdown bool
}

// DefaultPolicy returns sensible defaults.
func DefaultPolicy() Policy {
	return Policy{
		Interval:   time.Second,
		BatchCount: 20,
		OnShutdown: true,
	}
}

// EveryBatch saves after every acknowledged batch.
func EveryBatch() Policy {
	return Policy{BatchCount: 1, OnShutdown: true}
}

// Tracker tracks when to save cursors based on policy.
type Tracker struct {
	policy    Policy
	lastSave  time.Time
	batches   int
	latest    events.OperationID
	saved     events.OperationID
	hasLatest bool
	now       func() time.Time
}

// NewTracker creates a new Tracker.
func NewTracker(policy Policy) *Tracker {
	return &Tracker{policy: policy, now: time.Now, lastSave: time.Now()}
}

// Record records an acknowledged position and reports whether it should be saved now.
// Positions never move backwards.
func (t *Tracker) Record(id events.OperationID) bool {
	if id.IsZero() || (t.hasLatest && id.Compare(t.latest) <= 0) {
		return false
	}
	t.latest = id
	t.hasLatest = true
	t.batches++

	if t.policy.BatchCount > 0 && t.batches >= t.policy.BatchCount {
		return true
	}
	return t.now().Sub(t.lastSave) >= t.policy.Interval
}

// MarkSaved marks that the latest position was saved.
func (t *Tracker) MarkSaved() {
	t.lastSave = t.now()
	t.batches = 0
	t.saved = t.latest
}

// Latest returns the last recorded position.
func (t *Tracker) Latest() (events.OperationID, bool) {
	return t.latest, t.hasLatest
}

// Pending reports whether a recorded position has not been saved yet.
func (t *Tracker) Pending() bool {
	return t.hasLatest && t.latest != t.saved
}

// ShouldSaveOnShutdown returns true if a position must be flushed on shutdown.
func (t *Tracker) ShouldSaveOnShutdown() bool {
	return t.policy.OnShutdown && t.Pending()
}

// Reset forgets the recorded position, e.g. after the cursor was deleted.
func (t *Tracker) Reset() {
	*t = Tracker{policy: t.policy, now: t.now, lastSave: t.now()}
}

// IndexStore implements Store on top of a search engine.
type IndexStore struct {
	engine      search.Engine
	cursorIndex string
	targetIndex string
	river       string
	runID       string
	logger      *slog.Logger
}

// cursorDoc is the stored cursor document.
type cursorDoc struct {
	T         uint32    `json:"t"`
	I         uint32    `json:"i"`
	Ordinal   uint32    `json:"ordinal"`
	Index     string    `json:"index"`
	RunID     string    `json:"run_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewIndexStore creates a cursor store for the named river.
func NewIndexStore(engine search.Engine, cursorIndex, targetIndex, river string) *IndexStore {
	return &IndexStore{
		engine:      engine,
		cursorIndex: cursorIndex,
		targetIndex: targetIndex,
		river:       river,
		runID:       uuid.NewString(),
		logger:      slog.Default().With("component", "cursor", "river", river),
	}
}

// RunID identifies this process in saved cursor documents.
func (s *IndexStore) RunID() string {
	return s.runID
}

// Load implements Store.
func (s *IndexStore) Load(ctx context.Context) (*events.OperationID, error) {
	exists, err := s.engine.IndexExists(ctx, s.targetIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to check target index: %w", err)
	}
	if !exists {
		// A cursor without its target index would skip the snapshot.
		if err := s.engine.Delete(ctx, s.cursorIndex, s.river); err != nil {
			return nil, fmt.Errorf("failed to discard cursor: %w", err)
		}
		return nil, nil
	}

	// Refresh so a cursor saved just before a restart is visible.
	if err := s.engine.Refresh(ctx, s.cursorIndex); err != nil {
		if errors.Is(err, search.ErrIndexNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to refresh cursor index: %w", err)
	}

	raw, found, err := s.engine.Get(ctx, s.cursorIndex, s.river)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	if !found {
		return nil, nil
	}

	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	if doc.Index != "" && doc.Index != s.targetIndex {
		s.logger.Warn("Stored cursor belongs to another index, ignoring",
			"stored_index", doc.Index, "index", s.targetIndex)
		return nil, nil
	}
	id := events.OperationID{T: doc.T, I: doc.I, Ordinal: doc.Ordinal}
	if id.IsZero() {
		return nil, nil
	}
	return &id, nil
}

// Save implements Store.
func (s *IndexStore) Save(ctx context.Context, id events.OperationID) error {
	doc := map[string]any{
		"t":          id.T,
		"i":          id.I,
		"ordinal":    id.Ordinal,
		"index":      s.targetIndex,
		"run_id":     s.runID,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.engine.Put(ctx, s.cursorIndex, s.river, doc); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *IndexStore) Delete(ctx context.Context) error {
	if err := s.engine.Delete(ctx, s.cursorIndex, s.river); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

func decodeDoc(raw map[string]any) (cursorDoc, error) {
	var doc cursorDoc
	var err error
	if doc.T, err = toUint32(raw["t"]); err != nil {
		return doc, fmt.Errorf("field t: %w", err)
	}
	if doc.I, err = toUint32(raw["i"]); err != nil {
		return doc, fmt.Errorf("field i: %w", err)
	}
	if v, ok := raw["ordinal"]; ok {
		if doc.Ordinal, err = toUint32(v); err != nil {
			return doc, fmt.Errorf("field ordinal: %w", err)
		}
	}
	doc.Index, _ = raw["index"].(string)
	doc.RunID, _ = raw["run_id"].(string)
	return doc, nil
}

func toUint32(v any) (uint32, error) {
	var f float64
	switch n := v.(type) {
	case uint32:
		return n, nil
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case float64:
		f = n
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, err
		}
		f = float64(parsed)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		return 0, fmt.Errorf("value %v out of range", v)
	}
	return uint32(f), nil
}
