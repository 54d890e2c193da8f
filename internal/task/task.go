package task

import (
	"context"
	"fmt"
)

// Task is a unit of work. Run may block; the engine waits for it to return.
type Task interface {
	Run(ctx context.Context, input any) (any, error)
}

// Func adapts a plain function to the Task contract.
type Func func(ctx context.Context, input any) (any, error)

func (f Func) Run(ctx context.Context, input any) (any, error) { return f(ctx, input) }

// Hints are per-task scheduling defaults. Explicit schedule options win;
// a nil field falls back to the scheduler default.
type Hints struct {
	Priority *float64
	Retries  *int
}

// Hinted is implemented by tasks that carry default scheduling hints.
type Hinted interface {
	Hints() Hints
}

// HintsOf returns t's hints, or the zero Hints when t carries none.
func HintsOf(t Task) Hints {
	if h, ok := t.(Hinted); ok {
		return h.Hints()
	}
	return Hints{}
}

type hintedTask struct {
	Task
	h Hints
}

func (t hintedTask) Hints() Hints { return t.h }

// WithHints attaches default hints to t.
func WithHints(t Task, h Hints) Task {
	return hintedTask{Task: t, h: h}
}

// Typed adapts a strongly typed function. A nil input is passed as the zero I;
// any other input of the wrong type fails the attempt as Permanent.
func Typed[I, O any](fn func(ctx context.Context, in I) (O, error)) Task {
	return Func(func(ctx context.Context, input any) (any, error) {
		var in I
		if input != nil {
			v, ok := input.(I)
			if !ok {
				return nil, Permanent(fmt.Errorf("task input: got %T, want %T", input, in))
			}
			in = v
		}
		return fn(ctx, in)
	})
}
