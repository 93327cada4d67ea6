// Package deadletter journals items the search engine rejected permanently.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/syntrixbase/mongoriver/internal/river/events"
)

const keyPrefix = "dl/"

// Entry is one rejected item.
type Entry struct {
	River       string             `json:"river"`
	Index       string             `json:"index"`
	DocumentKey string             `json:"doc_key"`
	Op          string             `json:"op"`
	OperationID events.OperationID `json:"op_id"`
	Status      int                `json:"status"`
	Reason      string             `json:"reason"`
	Document    map[string]any     `json:"document,omitempty"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

type pebbleBatch interface {
	Set(key, value []byte, opts *pebble.WriteOptions) error
	Delete(key []byte, opts *pebble.WriteOptions) error
	Commit(opts *pebble.WriteOptions) error
	Close() error
}

// Journal stores entries in PebbleDB keyed by record time.
type Journal struct {
	db       *pebble.DB
	path     string
	logger   *slog.Logger
	newBatch func() pebbleBatch
	now      func() time.Time

	mu     sync.RWMutex
	seq    uint32
	closed bool
}

// Options configures a Journal.
type Options struct {
	// Path is the directory of the journal database.
	Path string

	// ReadOnly opens an existing journal for inspection.
	ReadOnly bool

	Logger *slog.Logger
}

// Open opens or creates the journal at opts.Path.
func Open(opts Options) (*Journal, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("dead letter path is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if !opts.ReadOnly {
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dead letter directory: %w", err)
		}
	}

	db, err := pebble.Open(opts.Path, &pebble.Options{ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return &Journal{
		db:     db,
		path:   opts.Path,
		logger: logger.With("component", "dead-letter"),
		newBatch: func() pebbleBatch {
			return db.NewBatch()
		},
		now: time.Now,
	}, nil
}

// Path returns the journal directory.
func (j *Journal) Path() string {
	return j.path
}

// Append durably records entries. A zero RecordedAt is set to now.
func (j *Journal) Append(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("dead letter journal is closed")
	}

	batch := j.newBatch()
	defer batch.Close()

	for i := range entries {
		e := &entries[i]
		if e.RecordedAt.IsZero() {
			e.RecordedAt = j.now().UTC()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode dead letter: %w", err)
		}
		j.seq++
		if err := batch.Set(entryKey(e.RecordedAt, j.seq), value, pebble.Sync); err != nil {
			return fmt.Errorf("failed to batch dead letter: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit dead letters: %w", err)
	}
	metrics.Written.WithLabelValues(entries[0].River).Add(float64(len(entries)))
	return nil
}

// List returns up to limit entries, oldest first. limit <= 0 returns all.
func (j *Journal) List(limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, fmt.Errorf("dead letter journal is closed")
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: prefixEnd(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			j.logger.Warn("Skipping undecodable dead letter", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, iter.Error()
}

// DeleteBefore removes entries recorded before cutoff and returns how many.
func (j *Journal) DeleteBefore(cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, fmt.Errorf("dead letter journal is closed")
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: entryKey(cutoff, 0),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	batch := j.newBatch()
	defer batch.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(iter.Key(), pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to batch delete: %w", err)
		}
		count++
	}

	if count > 0 {
		if err := batch.Commit(pebble.Sync); err != nil {
			return 0, fmt.Errorf("failed to commit deletes: %w", err)
		}
	}
	return count, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

// entryKey orders entries by record time; seq keeps keys unique.
func entryKey(at time.Time, seq uint32) []byte {
	return []byte(fmt.Sprintf("%s%020d/%010d", keyPrefix, at.UnixNano(), seq))
}

func prefixEnd() []byte {
	end := []byte(keyPrefix)
	end[len(end)-1]++
	return end
}
