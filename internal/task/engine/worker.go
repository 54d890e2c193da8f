package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "dispatchq/pkg/logx"
)

// WorkerState is the observable state of a Worker.
type WorkerState int32

const (
	WorkerStopped WorkerState = iota
	WorkerIdle
	WorkerRunning
	WorkerStalled
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStopped:
		return "stopped"
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerStalled:
		return "stalled"
	default:
		return fmt.Sprintf("worker_state(%d)", int32(s))
	}
}

// Runner starts a named long-running function. *supervisor.Supervisor satisfies it.
type Runner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goRunner struct{}

func (goRunner) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

// Worker pulls tasks from one Scheduler and runs them one at a time.
type Worker struct {
	name   string
	sched  *Scheduler
	log    logx.Logger
	runner Runner

	kick  chan struct{}
	wakes atomic.Uint64 // stall timers that fired

	mu      sync.Mutex
	state   WorkerState
	active  bool
	stopReq bool
	stall   *stall
	done    chan struct{}
}

// stall is one armed suspension. done closes when the timer fires or the
// stall is replaced or cleared.
type stall struct {
	timer *time.Timer
	until time.Time
	done  chan struct{}
}

type WorkerOption func(*Worker)

func WithWorkerName(name string) WorkerOption {
	return func(w *Worker) {
		if name != "" {
			w.name = name
		}
	}
}

func WithWorkerLogger(log logx.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

// WithRunner hosts the run loop on r instead of a bare goroutine.
func WithRunner(r Runner) WorkerOption {
	return func(w *Worker) {
		if r != nil {
			w.runner = r
		}
	}
}

// NewWorker returns a stopped worker bound to s.
func NewWorker(s *Scheduler, opts ...WorkerOption) *Worker {
	w := &Worker{
		name:   "worker",
		sched:  s,
		runner: goRunner{},
		kick:   make(chan struct{}, 1),
		state:  WorkerStopped,
	}
	for _, o := range opts {
		o(w)
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	w.log = w.log.With(logx.String("worker", w.name))
	return w
}

func (w *Worker) Name() string { return w.name }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins the run loop. Starting a stalled worker clears the stall and
// resumes it immediately. Starting an active worker with no pending stall
// is an invalid-state error.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active && w.stall == nil {
		return &StateError{Op: "start", State: w.state.String()}
	}
	if w.stall != nil {
		w.clearStallLocked()
	}
	if w.active {
		w.stopReq = false
		w.log.Debug("worker resumed")
		return nil
	}

	w.active = true
	w.stopReq = false
	w.state = WorkerIdle
	w.done = make(chan struct{})
	w.runner.Go(w.name, w.loop)
	w.log.Debug("worker started")
	return nil
}

// Stopping reports whether a stop was requested and the loop has not exited yet.
func (w *Worker) Stopping() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active && w.stopReq
}

// TryStart is Start reporting success as a bool.
func (w *Worker) TryStart() bool { return w.Start() == nil }

// Stop asks the run loop to exit once the current task attempt settles.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.active || w.stopReq {
		s := w.state
		w.mu.Unlock()
		return &StateError{Op: "stop", State: s.String()}
	}
	w.stopReq = true
	w.mu.Unlock()

	w.poke()
	w.log.Debug("worker stop requested")
	return nil
}

// TryStop is Stop reporting success as a bool.
func (w *Worker) TryStop() bool { return w.Stop() == nil }

// Stall suspends the worker for d. A pending stall is replaced, not extended.
// Non-positive durations are ignored.
func (w *Worker) Stall(d time.Duration) {
	if d <= 0 {
		return
	}
	st := &stall{until: w.sched.now().Add(d), done: make(chan struct{})}

	w.mu.Lock()
	if w.stall != nil {
		w.clearStallLocked()
	}
	w.stall = st
	st.timer = time.AfterFunc(d, func() { w.fireStall(st) })
	if w.active && w.state == WorkerIdle {
		w.state = WorkerStalled
	}
	w.mu.Unlock()

	w.poke()
	w.log.Debug("worker stall armed", logx.Duration("for", d))
}

// StallUntil is Stall(until - now).
func (w *Worker) StallUntil(until time.Time) {
	w.Stall(until.Sub(w.sched.now()))
}

// StalledUntil reports the end of the pending stall, if any.
func (w *Worker) StalledUntil() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stall == nil {
		return time.Time{}, false
	}
	return w.stall.until, true
}

// Wait blocks until the current run loop exits or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return nil
	}
	done := w.done
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) fireStall(st *stall) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stall != st {
		return
	}
	w.stall = nil
	close(st.done)
	w.wakes.Add(1)
}

// clearStallLocked cancels the pending stall and releases anyone waiting on it.
func (w *Worker) clearStallLocked() {
	w.stall.timer.Stop()
	close(w.stall.done)
	w.stall = nil
}

func (w *Worker) poke() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) error {
	defer w.exit()

	for {
		w.mu.Lock()
		if w.stopReq || ctx.Err() != nil {
			w.mu.Unlock()
			return nil
		}
		if st := w.stall; st != nil {
			w.state = WorkerStalled
			w.mu.Unlock()

			select {
			case <-st.done:
			case <-w.kick:
			case <-ctx.Done():
			}
			continue
		}
		// Dequeue under the worker lock so a stall or stop armed after the
		// check above cannot race with taking a task.
		t, wake := w.sched.next()
		if t == nil {
			w.state = WorkerIdle
			w.mu.Unlock()

			select {
			case <-wake:
			case <-w.kick:
			case <-ctx.Done():
			}
			continue
		}
		w.state = WorkerRunning
		w.mu.Unlock()

		w.execute(ctx, t)
	}
}

func (w *Worker) execute(ctx context.Context, t *ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("worker recovered panic", logx.Uint64("task", t.ID()), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	w.log.Trace("task dequeued", logx.Uint64("task", t.ID()), logx.String("name", t.Name()))
	if _, err := t.Run(ctx); err != nil {
		w.log.Trace("task attempt failed", logx.Uint64("task", t.ID()), logx.Err(err))
	}
}

func (w *Worker) exit() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stall != nil {
		w.clearStallLocked()
	}
	select {
	case <-w.kick:
	default:
	}
	w.active = false
	w.stopReq = false
	w.state = WorkerStopped
	close(w.done)
	w.log.Debug("worker stopped")
}
