package transform

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

var celNewEnv = cel.NewEnv

// CEL evaluates an expression over ctx. A boolean result keeps (true) or
// ignores (false) the event; a map result may set "document" and "ignore".
type CEL struct {
	program cel.Program
}

// NewCEL compiles expr once.
func NewCEL(expr string) (*CEL, error) {
	env, err := celNewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}
	prg, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to build program: %w", err)
	}
	return &CEL{program: prg}, nil
}

func (c *CEL) Evaluate(ctx context.Context, in Input) (Output, error) {
	val, _, err := c.program.ContextEval(ctx, map[string]any{"ctx": hookContext(in)})
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return Output{}, fmt.Errorf("CEL evaluation error: %w", err)
	}

	switch v := val.(type) {
	case types.Bool:
		if !bool(v) {
			return Output{Ignore: true}, nil
		}
		return Output{Document: in.Document}, nil
	case traits.Mapper:
		native, ok := celNative(v).(map[string]any)
		if !ok {
			return Output{}, fmt.Errorf("CEL result must have string keys")
		}
		hctx := map[string]any{"document": in.Document, "ignore": false}
		for k, item := range native {
			hctx[k] = item
		}
		return readHookContext(hctx)
	default:
		return Output{}, fmt.Errorf("CEL expression must return bool or map, got %s", val.Type().TypeName())
	}
}

// celNative converts a CEL value to plain Go maps, slices and scalars.
func celNative(v ref.Val) any {
	if m, ok := v.Value().(map[string]any); ok {
		return m
	}
	switch val := v.(type) {
	case traits.Mapper:
		out := map[string]any{}
		it := val.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			k, ok := key.Value().(string)
			if !ok {
				return nil
			}
			out[k] = celNative(val.Get(key))
		}
		return out
	case traits.Lister:
		size, _ := val.Size().Value().(int64)
		out := make([]any, 0, size)
		for i := int64(0); i < size; i++ {
			out = append(out, celNative(val.Get(types.Int(i))))
		}
		return out
	case types.Null:
		return nil
	default:
		return v.Value()
	}
}
