// Package notify publishes river status changes to a message stream.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
)

// Publisher publishes messages to a stream.
type Publisher interface {
	// Publish sends a message to the specified subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Close releases resources.
	Close() error
}

// Kind distinguishes status messages.
type Kind string

const (
	KindState        Kind = "state"
	KindBatchFailure Kind = "batch_failure"
)

// Status is the payload of a status message.
type Status struct {
	Kind         Kind      `json:"kind"`
	River        string    `json:"river"`
	RunID        string    `json:"run_id,omitempty"`
	State        string    `json:"state"`
	Previous     string    `json:"previous,omitempty"`
	Acknowledged string    `json:"acknowledged,omitempty"`
	Error        string    `json:"error,omitempty"`
	Time         time.Time `json:"time"`
}

// Notifier sends status messages on "<prefix>.<river>.status". Publishing
// is best effort: failures are logged and never returned.
type Notifier struct {
	publisher Publisher
	prefix    string
	logger    *slog.Logger
}

// New creates a Notifier. A nil publisher yields a Notifier that drops everything.
func New(publisher Publisher, prefix string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With("component", "notifier"),
	}
}

// Subject returns the subject status messages for river are published on.
func (n *Notifier) Subject(river string) string {
	if n.prefix == "" {
		return river + ".status"
	}
	return n.prefix + "." + river + ".status"
}

// Notify publishes s. The zero Time is set to now.
func (n *Notifier) Notify(ctx context.Context, s Status) {
	if n == nil || n.publisher == nil {
		return
	}
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}
	data, err := json.Marshal(s)
	if err != nil {
		n.logger.Warn("Failed to encode status", "river", s.River, "error", err)
		return
	}
	if err := n.publisher.Publish(ctx, n.Subject(s.River), data); err != nil {
		n.logger.Warn("Failed to publish status", "river", s.River, "kind", s.Kind, "error", err)
	}
}

// Close closes the underlying publisher.
func (n *Notifier) Close() error {
	if n == nil || n.publisher == nil {
		return nil
	}
	return n.publisher.Close()
}
