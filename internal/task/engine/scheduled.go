package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"dispatchq/internal/task"
)

// State is the lifecycle state of a scheduled task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ScheduledTask is a task tracked by a Scheduler.
type ScheduledTask struct {
	id     uint64
	name   string
	task   task.Task
	input  any
	sched  *Scheduler
	future *Future

	mu               sync.Mutex
	state            State
	attempt          int
	retriesRemaining int
	priority         float64
	scheduledAt      time.Time
	lastErr          error
}

func (st *ScheduledTask) ID() uint64      { return st.id }
func (st *ScheduledTask) Name() string    { return st.name }
func (st *ScheduledTask) Input() any      { return st.input }
func (st *ScheduledTask) Future() *Future { return st.future }

func (st *ScheduledTask) State() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// Attempt is the number of attempts that have settled so far.
func (st *ScheduledTask) Attempt() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.attempt
}

func (st *ScheduledTask) RetriesRemaining() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.retriesRemaining
}

func (st *ScheduledTask) Priority() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.priority
}

// ScheduledAt is the time of the last enqueue.
func (st *ScheduledTask) ScheduledAt() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.scheduledAt
}

// LastError is the failure of the most recent attempt, if any.
func (st *ScheduledTask) LastError() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastErr
}

// Score is the aged priority at now.
func (st *ScheduledTask) Score(now time.Time) float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return score(st.priority, st.scheduledAt, now)
}

// Run executes one attempt. It is valid only from StateQueued.
//
// The returned value and error are those of this attempt. A failure that was
// absorbed by a retry is still returned here; the future stays pending.
func (st *ScheduledTask) Run(ctx context.Context) (any, error) {
	st.mu.Lock()
	if st.state != StateQueued {
		s := st.state
		st.mu.Unlock()
		return nil, &StateError{Op: "run", State: s.String()}
	}
	st.state = StateRunning
	st.mu.Unlock()

	v, err := st.invoke(ctx)

	st.mu.Lock()
	st.attempt++
	if err == nil {
		st.state = StateCompleted
		st.lastErr = nil
		st.mu.Unlock()

		st.future.resolve(v)
		st.sched.onCompleted(st)
		return v, nil
	}

	st.lastErr = err
	if st.retriesRemaining > 0 && !task.IsPermanent(err) {
		st.retriesRemaining--
		st.state = StateQueued
		st.mu.Unlock()

		st.sched.reschedule(st, err)
		return nil, err
	}

	st.state = StateFailed
	st.mu.Unlock()

	st.future.reject(err)
	st.sched.onFailed(st, err)
	return nil, err
}

func (st *ScheduledTask) invoke(ctx context.Context) (v any, err error) {
	if st.task == nil {
		return nil, task.Permanent(errNilTask)
	}
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = &task.PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return st.task.Run(ctx, st.input)
}

// Cancel cancels a queued task and rejects its future with ErrCancelled.
// The queue entry is discarded by a later dequeue.
func (st *ScheduledTask) Cancel() error {
	st.mu.Lock()
	if st.state != StateQueued {
		s := st.state
		st.mu.Unlock()
		return &StateError{Op: "cancel", State: s.String()}
	}
	st.state = StateCancelled
	st.mu.Unlock()

	st.sched.onCancelled(st)
	st.future.reject(fmt.Errorf("task %d: %w", st.id, ErrCancelled))
	return nil
}
