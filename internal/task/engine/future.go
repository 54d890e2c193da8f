package engine

import (
	"context"
	"sync"
)

// Future is the result handle of a scheduled task. It settles at most once.
// Continuations may be attached at any time; attaching after settlement runs
// the continuation immediately with the stored outcome.
type Future struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   any
	err     error
	conts   []func(any, error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome and whether the future has settled.
func (f *Future) Result() (any, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.settled
}

// Await blocks until the future settles or ctx is done.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnSettled registers fn to receive the outcome.
func (f *Future) OnSettled(fn func(value any, err error)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	if !f.settled {
		f.conts = append(f.conts, fn)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	fn(v, err)
}

// Then registers separate success and failure continuations. Either may be nil.
func (f *Future) Then(onValue func(any), onErr func(error)) {
	f.OnSettled(func(v any, err error) {
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		if onValue != nil {
			onValue(v)
		}
	})
}

func (f *Future) resolve(v any) bool    { return f.settle(v, nil) }
func (f *Future) reject(err error) bool { return f.settle(nil, err) }

func (f *Future) settle(v any, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value, f.err = v, err
	conts := f.conts
	f.conts = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range conts {
		fn(v, err)
	}
	return true
}
