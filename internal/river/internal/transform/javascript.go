package transform

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robertkrimen/otto"
)

var errInterrupted = errors.New("interrupted")

// JavaScript evaluates an otto script against a ctx object:
//
//	ctx.document.score = 200;
//	if (ctx.document.draft) { ctx.ignore = true; }
type JavaScript struct {
	mu     sync.Mutex
	vm     *otto.Otto
	script *otto.Script
}

// NewJavaScript compiles script once. Evaluations share one VM and are serialized.
func NewJavaScript(script string) (*JavaScript, error) {
	vm := otto.New()
	compiled, err := vm.Compile("transform.js", script)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}
	return &JavaScript{vm: vm, script: compiled}, nil
}

func (j *JavaScript) Evaluate(ctx context.Context, in Input) (out Output, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	interrupt := make(chan func(), 1)
	j.vm.Interrupt = interrupt
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			interrupt <- func() { panic(errInterrupted) }
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if r == errInterrupted {
				err = fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
				return
			}
			err = fmt.Errorf("script panicked: %v", r)
		}
	}()

	hctx := hookContext(in)
	if err := j.vm.Set("ctx", hctx); err != nil {
		return Output{}, fmt.Errorf("failed to bind ctx: %w", err)
	}
	if _, err := j.vm.Run(j.script); err != nil {
		return Output{}, fmt.Errorf("script error: %w", err)
	}
	return readHookContext(hctx)
}

// readHookContext extracts the verdict from a ctx object after the script ran.
func readHookContext(hctx map[string]any) (Output, error) {
	out := Output{}
	switch v := exportValue(hctx["ignore"]).(type) {
	case nil:
	case bool:
		out.Ignore = v
	default:
		return Output{}, fmt.Errorf("ctx.ignore must be a boolean, got %T", v)
	}
	if out.Ignore {
		return out, nil
	}

	switch doc := exportValue(hctx["document"]).(type) {
	case nil:
	case map[string]any:
		out.Document = doc
	default:
		return Output{}, fmt.Errorf("ctx.document must be an object, got %T", doc)
	}
	return out, nil
}

func exportValue(v any) any {
	if val, ok := v.(otto.Value); ok {
		exported, err := val.Export()
		if err != nil {
			return nil
		}
		return exported
	}
	return v
}
