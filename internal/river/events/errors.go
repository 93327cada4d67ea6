package events

import "errors"

var (
	// ErrTransientConnection is returned when the source connection was lost; retried with backoff.
	ErrTransientConnection = errors.New("transient source connection failure")
	// ErrStaleCursor is returned when the operation log no longer contains the resume position.
	ErrStaleCursor = errors.New("resume position no longer in operation log")
	// ErrProtocol is returned for malformed or unsupported operation log data.
	ErrProtocol = errors.New("operation log protocol error")
	// ErrEvaluatorFailure is attached to actions suppressed because the transform hook failed.
	ErrEvaluatorFailure = errors.New("transform evaluator failure")
	// ErrIndexRejected is returned when the search engine rejects an individual item.
	ErrIndexRejected = errors.New("index rejected item")
	// ErrIndexUnavailable is returned when a batch could not be applied after all retries.
	ErrIndexUnavailable = errors.New("index unavailable")
)
