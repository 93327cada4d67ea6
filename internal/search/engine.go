// Package search defines the narrow search engine surface the river writes to.
package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrRequest is wrapped by engines when a whole request failed
// (transport error or non-2xx response) and no item outcome is known.
var ErrRequest = errors.New("search request failed")

// ErrIndexNotFound is returned by Refresh when the index does not exist.
var ErrIndexNotFound = errors.New("index not found")

// OpType is the bulk operation applied to one document.
type OpType int

const (
	OpIndex OpType = iota
	OpDelete
)

func (o OpType) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "index"
}

// BulkItem is one operation inside a bulk request.
type BulkItem struct {
	Op       OpType
	ID       string
	Document map[string]any
}

// ItemResult is the engine's answer for one BulkItem, in request order.
type ItemResult struct {
	ID     string
	Status int
	Error  string
}

// Outcome is how the river treats an item result.
type Outcome int

const (
	// OutcomeApplied means the index now reflects the item.
	OutcomeApplied Outcome = iota
	// OutcomeRetryable means the item should be sent again.
	OutcomeRetryable
	// OutcomeRejected means the engine refused the item permanently.
	OutcomeRejected
)

// Outcome classifies the result. A 404 on delete means the document is
// already absent, which is the desired end state.
func (r ItemResult) Outcome(op OpType) Outcome {
	switch {
	case r.Status >= 200 && r.Status < 300:
		return OutcomeApplied
	case r.Status == http.StatusNotFound && op == OpDelete:
		return OutcomeApplied
	case r.Status == http.StatusTooManyRequests, r.Status >= 500, r.Status == 0:
		return OutcomeRetryable
	default:
		return OutcomeRejected
	}
}

// Engine is the subset of a search engine the river needs.
type Engine interface {
	// Bulk applies items to index. The returned slice has one entry per item.
	// An error means the request as a whole failed.
	Bulk(ctx context.Context, index string, items []BulkItem) ([]ItemResult, error)

	// DeleteAll removes every document from index.
	DeleteAll(ctx context.Context, index string) error

	// Get fetches a document. found is false when it does not exist.
	Get(ctx context.Context, index, id string) (doc map[string]any, found bool, err error)

	// Put creates or replaces a single document.
	Put(ctx context.Context, index, id string, doc map[string]any) error

	// Delete removes a single document. Deleting a missing document is not an error.
	Delete(ctx context.Context, index, id string) error

	// CreateIndex creates index if it does not exist yet.
	CreateIndex(ctx context.Context, index string) error

	// IndexExists reports whether index exists.
	IndexExists(ctx context.Context, index string) (bool, error)

	// Refresh makes recent writes visible to search and reads. It returns
	// ErrIndexNotFound when index does not exist.
	Refresh(ctx context.Context, index string) error
}

// RequestError builds an ErrRequest-wrapping error for a failed call.
func RequestError(op string, status int, detail string) error {
	if status == 0 {
		return fmt.Errorf("%w: %s: %s", ErrRequest, op, detail)
	}
	return fmt.Errorf("%w: %s: status %d: %s", ErrRequest, op, status, detail)
}
