package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchq/internal/task"
	"dispatchq/internal/task/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok() task.Task {
	return task.Func(func(context.Context, any) (any, error) { return "ok", nil })
}

func TestScheduleReturnsLiveHandle(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(10, time.Minute)

	a, hit := c.Schedule(s, "k", ok())
	require.False(t, hit)
	b, hit := c.Schedule(s, "k", ok())
	require.True(t, hit)
	assert.Same(t, a, b)
	assert.Equal(t, 1, s.Len())

	_, _ = s.Next().Run(context.Background())
	c2, hit := c.Schedule(s, "k", ok())
	assert.True(t, hit, "completed entries are reused")
	assert.Same(t, a, c2)

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(1), misses)
}

func TestFailedAndCancelledEntriesAreReplaced(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(10, time.Minute)

	cancelled, _ := c.Schedule(s, "c", ok())
	require.NoError(t, cancelled.Cancel())
	again, hit := c.Schedule(s, "c", ok())
	assert.False(t, hit)
	assert.NotSame(t, cancelled, again)

	failing := task.Func(func(context.Context, any) (any, error) { return nil, errors.New("x") })
	failed, _ := c.Schedule(s, "f", failing)
	for st := s.Next(); st != nil; st = s.Next() {
		if st == failed {
			_, _ = st.Run(context.Background())
		}
	}
	require.Equal(t, engine.StateFailed, failed.State())
	_, found := c.Get("f")
	assert.False(t, found)
	_, hit = c.Schedule(s, "f", ok())
	assert.False(t, hit)
}

func TestEntriesExpireAndEvict(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(2, 30*time.Millisecond)

	c.Schedule(s, "a", ok())
	c.Schedule(s, "b", ok())
	c.Schedule(s, "c", ok())
	assert.Equal(t, 2, c.Len())
	_, found := c.Get("a")
	assert.False(t, found, "oldest entry evicted")

	require.Eventually(t, func() bool {
		_, found := c.Get("c")
		return !found
	}, time.Second, 5*time.Millisecond)
}

func TestEmptyKeyAlwaysSchedules(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(0, 0)
	a, _ := c.Schedule(s, "", ok())
	b, _ := c.Schedule(s, "", ok())
	assert.NotSame(t, a, b)
	assert.Equal(t, 0, c.Len())
}

func TestScheduleIfIdleReplacesCompleted(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(10, time.Minute)

	a, hit := c.ScheduleIfIdle(s, "tick", ok())
	require.False(t, hit)
	b, hit := c.ScheduleIfIdle(s, "tick", ok())
	require.True(t, hit)
	assert.Same(t, a, b)

	_, _ = s.Next().Run(context.Background())
	next, hit := c.ScheduleIfIdle(s, "tick", ok())
	assert.False(t, hit)
	assert.NotSame(t, a, next)

	live, found := c.Get("tick")
	require.True(t, found)
	assert.Same(t, next, live)
}

func TestConcurrentSchedulesShareOneTask(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	c := New(10, time.Minute)

	const n = 32
	got := make([]*engine.ScheduledTask, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				got[i], _ = c.ScheduleIfIdle(s, "k", ok())
			} else {
				got[i], _ = c.Schedule(s, "k", ok())
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, s.Len())
	for _, st := range got {
		assert.Same(t, got[0], st)
	}
}
