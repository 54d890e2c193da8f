// Package dedup maps caller-supplied keys to live scheduled tasks so that
// identical work submitted again returns the existing handle.
package dedup

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"dispatchq/internal/task"
	"dispatchq/internal/task/engine"
)

const (
	DefaultMaxEntries = 1000
	DefaultMaxAge     = 5 * time.Minute
)

// Cache is bounded by entry count and entry age. Entries are reused while
// their task is queued, running or completed; failed and cancelled entries
// are replaced.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, *engine.ScheduledTask]

	hits   uint64
	misses uint64
}

func New(maxEntries int, maxAge time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Cache{lru: expirable.NewLRU[string, *engine.ScheduledTask](maxEntries, nil, maxAge)}
}

func reusable(st *engine.ScheduledTask) bool {
	s := st.State()
	return s != engine.StateFailed && s != engine.StateCancelled
}

// Get returns the live handle for key.
func (c *Cache) Get(key string) (*engine.ScheduledTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.lru.Get(key)
	if !ok || !reusable(st) {
		return nil, false
	}
	return st, true
}

// Schedule returns the live handle for key, or schedules t on s and
// remembers it. hit reports whether an existing handle was returned.
// An empty key always schedules.
func (c *Cache) Schedule(s *engine.Scheduler, key string, t task.Task, opts ...engine.ScheduleOption) (st *engine.ScheduledTask, hit bool) {
	return c.schedule(s, key, t, reusable, opts)
}

// ScheduleIfIdle is Schedule for overlap control: only a queued or running
// entry is returned, a completed one is replaced by new work.
func (c *Cache) ScheduleIfIdle(s *engine.Scheduler, key string, t task.Task, opts ...engine.ScheduleOption) (st *engine.ScheduledTask, hit bool) {
	return c.schedule(s, key, t, inFlight, opts)
}

func inFlight(st *engine.ScheduledTask) bool { return !st.State().Terminal() }

// schedule checks and replaces the entry under one lock, so concurrent
// callers with the same key never both schedule.
func (c *Cache) schedule(s *engine.Scheduler, key string, t task.Task, reuse func(*engine.ScheduledTask) bool, opts []engine.ScheduleOption) (*engine.ScheduledTask, bool) {
	if key == "" {
		return s.Schedule(t, opts...), false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Get(key); ok && reuse(cur) {
		c.hits++
		return cur, true
	}
	c.misses++
	st := s.Schedule(t, opts...)
	c.lru.Add(key, st)
	return st, false
}

func (c *Cache) Len() int { return c.lru.Len() }

// Stats returns hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
