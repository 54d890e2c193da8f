package engine

import (
	"time"

	"dispatchq/internal/eventbus"
)

// EventKind enumerates the scheduler's observable lifecycle events.
type EventKind int

const (
	// EventScheduled fires on every enqueue and requeue, just before the
	// task becomes visible to workers and idle workers are woken.
	EventScheduled EventKind = iota
	// EventFailedAttempt fires when a failure consumed a retry and the task
	// went back to the queue.
	EventFailedAttempt
	// EventFailedTask fires when a failure was terminal.
	EventFailedTask
)

func (k EventKind) String() string {
	switch k {
	case EventScheduled:
		return "task.scheduled"
	case EventFailedAttempt:
		return "task.failed_attempt"
	case EventFailedTask:
		return "task.failed"
	default:
		return "task.unknown"
	}
}

// Event is delivered synchronously to observers.
type Event struct {
	Kind EventKind
	Task *ScheduledTask
	Err  error
	Time time.Time
}

// Observer receives scheduler events. Observers run on the goroutine that
// caused the event and must not block.
type Observer func(Event)

// TaskEvent is the bus payload for scheduler events.
type TaskEvent struct {
	ID               uint64  `json:"id"`
	Name             string  `json:"name,omitempty"`
	State            string  `json:"state"`
	Attempt          int     `json:"attempt"`
	RetriesRemaining int     `json:"retries_remaining"`
	Priority         float64 `json:"priority"`
	Error            string  `json:"error,omitempty"`
}

// Subscribe registers fn for all scheduler events and returns its unsubscribe func.
func (s *Scheduler) Subscribe(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	s.obsMu.Lock()
	s.obsSeq++
	id := s.obsSeq
	s.obs[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.obs, id)
		s.obsMu.Unlock()
	}
}

func (s *Scheduler) emit(kind EventKind, st *ScheduledTask, err error) {
	ev := Event{Kind: kind, Task: st, Err: err, Time: s.now()}

	s.obsMu.RLock()
	obs := make([]Observer, 0, len(s.obs))
	for _, fn := range s.obs {
		obs = append(obs, fn)
	}
	s.obsMu.RUnlock()

	for _, fn := range obs {
		fn(ev)
	}

	if s.bus != nil {
		te := TaskEvent{
			ID:               st.ID(),
			Name:             st.Name(),
			State:            st.State().String(),
			Attempt:          st.Attempt(),
			RetriesRemaining: st.RetriesRemaining(),
			Priority:         st.Priority(),
		}
		if err != nil {
			te.Error = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: kind.String(), Time: ev.Time, Data: te})
	}
}
