// Package memory is an in-process search.Engine used for dry runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/syntrixbase/mongoriver/internal/search"
)

// ErrEngineClosed is returned by every call after Close.
var ErrEngineClosed = errors.New("memory search engine closed")

// Compile-time check that Engine implements search.Engine
var _ search.Engine = (*Engine)(nil)

// ItemFault overrides the status of a single bulk item. Returning 0 applies
// the item normally.
type ItemFault func(index string, item search.BulkItem) int

// Engine keeps indexes as maps of deep-copied documents.
type Engine struct {
	mu      sync.RWMutex
	indexes map[string]map[string]map[string]any
	closed  bool

	failRequests int
	itemFault    ItemFault
	bulkCalls    int
}

// New creates an empty engine.
func New() *Engine {
	return &Engine{indexes: make(map[string]map[string]map[string]any)}
}

func (e *Engine) CreateIndex(ctx context.Context, index string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.ensure(index)
	return nil
}

// DropIndex removes an index and its documents.
func (e *Engine) DropIndex(index string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.indexes, index)
}

// FailRequests makes the next n Bulk calls fail as a whole.
func (e *Engine) FailRequests(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failRequests = n
}

// SetItemFault installs (or clears, with nil) a per-item fault.
func (e *Engine) SetItemFault(f ItemFault) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.itemFault = f
}

// BulkCalls returns how many Bulk requests reached the engine.
func (e *Engine) BulkCalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bulkCalls
}

// IDs returns the sorted document ids of index.
func (e *Engine) IDs(index string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.indexes[index]))
	for id := range e.indexes[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) Bulk(ctx context.Context, index string, items []search.BulkItem) ([]search.ItemResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	e.bulkCalls++
	if e.failRequests > 0 {
		e.failRequests--
		return nil, search.RequestError("bulk", http.StatusServiceUnavailable, "injected failure")
	}

	results := make([]search.ItemResult, len(items))
	for i, item := range items {
		results[i] = search.ItemResult{ID: item.ID, Status: e.applyLocked(index, item)}
		if results[i].Status >= 300 {
			results[i].Error = http.StatusText(results[i].Status)
		}
	}
	return results, nil
}

func (e *Engine) applyLocked(index string, item search.BulkItem) int {
	if e.itemFault != nil {
		if status := e.itemFault(index, item); status != 0 {
			return status
		}
	}
	switch item.Op {
	case search.OpDelete:
		docs := e.indexes[index]
		if _, ok := docs[item.ID]; !ok {
			return http.StatusNotFound
		}
		delete(docs, item.ID)
		return http.StatusOK
	default:
		docs := e.ensure(index)
		_, existed := docs[item.ID]
		docs[item.ID] = copyMap(item.Document)
		if existed {
			return http.StatusOK
		}
		return http.StatusCreated
	}
}

func (e *Engine) DeleteAll(ctx context.Context, index string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.indexes[index]; ok {
		e.indexes[index] = make(map[string]map[string]any)
	}
	return nil
}

func (e *Engine) Get(ctx context.Context, index, id string) (map[string]any, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, false, ErrEngineClosed
	}
	doc, ok := e.indexes[index][id]
	if !ok {
		return nil, false, nil
	}
	return copyMap(doc), true, nil
}

func (e *Engine) Put(ctx context.Context, index, id string, doc map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	e.ensure(index)[id] = copyMap(doc)
	return nil
}

func (e *Engine) Delete(ctx context.Context, index, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	delete(e.indexes[index], id)
	return nil
}

func (e *Engine) IndexExists(ctx context.Context, index string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false, ErrEngineClosed
	}
	_, ok := e.indexes[index]
	return ok, nil
}

func (e *Engine) Refresh(ctx context.Context, index string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}
	if _, ok := e.indexes[index]; !ok {
		return fmt.Errorf("refresh %s: %w", index, search.ErrIndexNotFound)
	}
	return nil
}

// Close makes every later call fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) ensure(index string) map[string]map[string]any {
	docs, ok := e.indexes[index]
	if !ok {
		docs = make(map[string]map[string]any)
		e.indexes[index] = docs
	}
	return docs
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = copyValue(x)
		}
		return out
	default:
		return v
	}
}
