package api

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"dispatchq/internal/task/engine"
)

const defaultTrackedTasks = 4096

// registry remembers recently scheduled tasks so they can be looked up and
// cancelled by id. The oldest handles are evicted first.
type registry struct {
	tasks *lru.Cache[uint64, *engine.ScheduledTask]
}

func newRegistry(size int) *registry {
	if size <= 0 {
		size = defaultTrackedTasks
	}
	c, _ := lru.New[uint64, *engine.ScheduledTask](size)
	return &registry{tasks: c}
}

// attach tracks every task s schedules from now on, whoever scheduled it.
func (r *registry) attach(s *engine.Scheduler) (detach func()) {
	return s.Subscribe(func(ev engine.Event) {
		if ev.Kind == engine.EventScheduled {
			r.tasks.Add(ev.Task.ID(), ev.Task)
		}
	})
}

func (r *registry) get(id uint64) (*engine.ScheduledTask, bool) {
	return r.tasks.Get(id)
}

func (r *registry) len() int { return r.tasks.Len() }
