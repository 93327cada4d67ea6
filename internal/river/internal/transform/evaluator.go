// Package transform runs the operator supplied hook over change events.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/syntrixbase/mongoriver/internal/river/config"
	"github.com/syntrixbase/mongoriver/internal/river/events"
)

// ErrTimeout is returned when an evaluation exceeds its deadline.
var ErrTimeout = errors.New("evaluation timed out")

// Input is what a hook sees for one event.
type Input struct {
	Kind events.Kind

	// Document is a private copy the hook may mutate. Deletes carry only _id.
	Document map[string]any

	Collection  string
	OperationID events.OperationID
}

// Output is the hook's verdict.
type Output struct {
	// Document replaces the indexed document. nil keeps the input document.
	Document map[string]any

	// Ignore suppresses the event.
	Ignore bool
}

// Evaluator runs a hook. Implementations must return when ctx is done.
type Evaluator interface {
	Evaluate(ctx context.Context, in Input) (Output, error)
}

// NewEvaluator builds the evaluator for cfg. An empty script yields a
// passthrough evaluator.
func NewEvaluator(cfg config.TransformConfig) (Evaluator, error) {
	if strings.TrimSpace(cfg.Script) == "" {
		return Passthrough{}, nil
	}
	switch strings.ToLower(cfg.Lang) {
	case "javascript", "js":
		return NewJavaScript(cfg.Script)
	case "cel":
		return NewCEL(cfg.Script)
	default:
		return nil, fmt.Errorf("unsupported transform language %q", cfg.Lang)
	}
}

// Passthrough applies every event unchanged.
type Passthrough struct{}

func (Passthrough) Evaluate(_ context.Context, in Input) (Output, error) {
	return Output{Document: in.Document}, nil
}

// hookContext is the object exposed to scripts as ctx.
func hookContext(in Input) map[string]any {
	return map[string]any{
		"documentKind": string(in.Kind),
		"document":     in.Document,
		"ignore":       false,
		"operation":    string(in.Kind),
		"collection":   in.Collection,
		"operation_id": in.OperationID.String(),
	}
}

// copyDocument deep-copies maps and slices so hooks cannot alias event payloads.
func copyDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyDocument(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}
