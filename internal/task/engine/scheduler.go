package engine

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"dispatchq/internal/eventbus"
	"dispatchq/internal/task"
	logx "dispatchq/pkg/logx"
)

// Scheduler owns the queue of scheduled tasks. It is safe for concurrent use
// by any number of producers and workers.
//
// Cancelled tasks stay in the queue until a dequeue pops and discards them.
type Scheduler struct {
	mu    sync.Mutex
	q     taskQueue
	seq   uint64
	epoch time.Time
	wake  chan struct{} // closed and replaced on every enqueue

	ids             IDSource
	now             func() time.Time
	log             logx.Logger
	bus             eventbus.Bus
	defaultRetries  int
	defaultPriority float64

	obsMu  sync.RWMutex
	obs    map[uint64]Observer
	obsSeq uint64

	scheduled atomic.Uint64
	requeued  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
}

type SchedulerOption func(*Scheduler)

// WithClock replaces time.Now for scheduling timestamps and aging.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDSource replaces the process-wide id counter.
func WithIDSource(ids IDSource) SchedulerOption {
	return func(s *Scheduler) {
		if ids != nil {
			s.ids = ids
		}
	}
}

func WithLogger(log logx.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes every scheduler event to bus as well as to observers.
func WithBus(bus eventbus.Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = bus }
}

// WithDefaultPriority sets the priority for tasks that carry no hint.
func WithDefaultPriority(p float64) SchedulerOption {
	return func(s *Scheduler) { s.defaultPriority = p }
}

// WithDefaultRetries sets the retry budget for tasks that specify none.
func WithDefaultRetries(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.defaultRetries = n
		}
	}
}

func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ids:  &processIDs,
		now:  time.Now,
		wake: make(chan struct{}),
		obs:  map[uint64]Observer{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.epoch = s.now()
	return s
}

type scheduleOptions struct {
	priority *float64
	retries  *int
	input    any
	name     string
}

type ScheduleOption func(*scheduleOptions)

// WithPriority overrides the task's default priority.
func WithPriority(p float64) ScheduleOption {
	return func(o *scheduleOptions) { o.priority = &p }
}

// WithRetries sets how many extra attempts follow a failed first attempt.
func WithRetries(n int) ScheduleOption {
	return func(o *scheduleOptions) { o.retries = &n }
}

// WithInput sets the value passed to the task on every attempt.
func WithInput(v any) ScheduleOption {
	return func(o *scheduleOptions) { o.input = v }
}

// WithName labels the task in logs and history.
func WithName(name string) ScheduleOption {
	return func(o *scheduleOptions) { o.name = name }
}

// Schedule queues t and returns its handle. It never fails; the scheduled
// event has been delivered to observers by the time it returns.
//
// Observers see the event before the task is visible to workers, so the
// first scheduled event of a task always carries Attempt() == 0.
func (s *Scheduler) Schedule(t task.Task, opts ...ScheduleOption) *ScheduledTask {
	var o scheduleOptions
	for _, fn := range opts {
		fn(&o)
	}

	hints := task.HintsOf(t)
	prio := s.defaultPriority
	if hints.Priority != nil {
		prio = *hints.Priority
	}
	if o.priority != nil {
		prio = *o.priority
	}
	retries := s.defaultRetries
	if hints.Retries != nil {
		retries = *hints.Retries
	}
	if o.retries != nil {
		retries = *o.retries
	}
	if retries < 0 {
		retries = 0
	}

	st := &ScheduledTask{
		id:               s.ids.NextID(),
		name:             o.name,
		task:             t,
		input:            o.input,
		sched:            s,
		state:            StateQueued,
		retriesRemaining: retries,
		priority:         prio,
		future:           newFuture(),
	}

	at := s.stamp(st)
	s.scheduled.Add(1)
	s.log.Debug("task.scheduled", logx.Uint64("id", st.id), logx.String("name", st.name), logx.Float64("priority", prio), logx.Int("retries", retries))
	s.emit(EventScheduled, st, nil)
	s.push(st, at)
	return st
}

// Next removes and returns the highest-scoring queued task, or nil.
func (s *Scheduler) Next() *ScheduledTask {
	st, _ := s.next()
	return st
}

// next returns a task, or nil plus the channel that closes on the next
// enqueue. Both are read under one lock so no schedule can slip between them.
func (s *Scheduler) next() (*ScheduledTask, <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.q.Len() > 0 {
		e := heap.Pop(&s.q).(queueEntry)
		if e.st.State() == StateQueued {
			return e.st, nil
		}
	}
	return nil, s.wake
}

// Cancel cancels st if it is still queued and reports whether it did.
// Non-queued tasks are left alone.
func (s *Scheduler) Cancel(st *ScheduledTask) bool {
	if st == nil || st.State() != StateQueued {
		return false
	}
	return st.Cancel() == nil
}

// Len is the physical queue length, including cancelled entries not yet discarded.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q.Len()
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	QueueLen  int    `json:"queue_len"`
	Scheduled uint64 `json:"scheduled"`
	Requeued  uint64 `json:"requeued"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		QueueLen:  s.Len(),
		Scheduled: s.scheduled.Load(),
		Requeued:  s.requeued.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
	}
}

// stamp sets st.scheduledAt to now and returns it.
func (s *Scheduler) stamp(st *ScheduledTask) time.Time {
	now := s.now()
	st.mu.Lock()
	st.scheduledAt = now
	st.mu.Unlock()
	return now
}

// push inserts st keyed at its scheduledAt and wakes idle workers.
func (s *Scheduler) push(st *ScheduledTask, at time.Time) {
	s.mu.Lock()
	st.mu.Lock()
	prio := st.priority
	st.mu.Unlock()

	s.seq++
	heap.Push(&s.q, queueEntry{st: st, key: score(prio, at, s.epoch), seq: s.seq})
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()
}

// reschedule puts a task that was reset to queued after a failure back in
// line. The scheduled and failed-attempt events are delivered before the task
// becomes visible to workers, so an observer that stops the pool (a throttle)
// does so before any worker can take the retry.
func (s *Scheduler) reschedule(st *ScheduledTask, err error) {
	at := s.stamp(st)
	s.requeued.Add(1)
	s.emit(EventScheduled, st, nil)
	s.onFailedAttempt(st, err)
	s.push(st, at)
}

func (s *Scheduler) onCompleted(st *ScheduledTask) {
	s.completed.Add(1)
	s.log.Debug("task.completed", logx.Uint64("id", st.id), logx.String("name", st.name), logx.Int("attempts", st.Attempt()))
}

func (s *Scheduler) onFailedAttempt(st *ScheduledTask, err error) {
	s.log.Debug("task retry queued", logx.Uint64("id", st.id), logx.String("name", st.name), logx.Int("attempt", st.Attempt()), logx.Int("retries_remaining", st.RetriesRemaining()), logx.Err(err))
	s.emit(EventFailedAttempt, st, err)
}

func (s *Scheduler) onFailed(st *ScheduledTask, err error) {
	s.failed.Add(1)
	s.log.Warn("task.failed", logx.Uint64("id", st.id), logx.String("name", st.name), logx.Int("attempts", st.Attempt()), logx.Err(err))
	s.emit(EventFailedTask, st, err)
}

func (s *Scheduler) onCancelled(st *ScheduledTask) {
	s.cancelled.Add(1)
	s.log.Debug("task.cancelled", logx.Uint64("id", st.id), logx.String("name", st.name))
}
