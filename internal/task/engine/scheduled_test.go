package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"dispatchq/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain runs queued tasks inline until the queue is empty.
func drain(s *Scheduler) {
	for st := s.Next(); st != nil; st = s.Next() {
		_, _ = st.Run(context.Background())
	}
}

type eventLog struct {
	kinds []EventKind
}

func (l *eventLog) count(k EventKind) int {
	n := 0
	for _, got := range l.kinds {
		if got == k {
			n++
		}
	}
	return n
}

func TestAlwaysFailingTaskRunsRetriesPlusOne(t *testing.T) {
	t.Parallel()

	for _, retries := range []int{0, 1, 3, 7} {
		s := NewScheduler()
		log := &eventLog{}
		s.Subscribe(func(e Event) { log.kinds = append(log.kinds, e.Kind) })

		var calls atomic.Int32
		boom := errors.New("boom")
		st := s.Schedule(task.Func(func(context.Context, any) (any, error) {
			calls.Add(1)
			return nil, boom
		}), WithRetries(retries))

		drain(s)

		assert.Equal(t, int32(retries+1), calls.Load())
		assert.Equal(t, StateFailed, st.State())
		assert.Equal(t, retries+1, st.Attempt())
		assert.Equal(t, 0, st.RetriesRemaining())
		_, err, settled := st.Future().Result()
		require.True(t, settled)
		assert.ErrorIs(t, err, boom)

		assert.Equal(t, retries+1, log.count(EventScheduled))
		assert.Equal(t, retries, log.count(EventFailedAttempt))
		assert.Equal(t, 1, log.count(EventFailedTask))
	}
}

func TestTaskSucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	const retries = 4
	for k := 0; k <= retries; k++ {
		s := NewScheduler()
		var calls atomic.Int32
		st := s.Schedule(task.Func(func(_ context.Context, in any) (any, error) {
			if int(calls.Add(1)) <= k {
				return nil, errors.New("not yet")
			}
			return in, nil
		}), WithRetries(retries), WithInput("ok"))

		drain(s)

		assert.Equal(t, int32(k+1), calls.Load())
		assert.Equal(t, StateCompleted, st.State())
		v, err, settled := st.Future().Result()
		require.True(t, settled)
		require.NoError(t, err)
		assert.Equal(t, "ok", v)
	}
}

func TestRetryLeavesFuturePending(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	st := s.Schedule(task.Func(func(context.Context, any) (any, error) { return nil, errors.New("x") }), WithRetries(1))

	_, err := s.Next().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateQueued, st.State())
	_, _, settled := st.Future().Result()
	assert.False(t, settled)
	assert.Equal(t, uint64(1), s.Snapshot().Requeued)
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	var calls atomic.Int32
	st := s.Schedule(task.Func(func(context.Context, any) (any, error) {
		calls.Add(1)
		return nil, task.Permanent(errors.New("bad request"))
	}), WithRetries(5))

	drain(s)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateFailed, st.State())
	assert.Equal(t, 5, st.RetriesRemaining())
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	st := s.Schedule(task.Func(func(context.Context, any) (any, error) { panic("nope") }))
	drain(s)

	_, err, _ := st.Future().Result()
	var pe *task.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "nope", pe.Value)
	assert.NotEmpty(t, pe.Stack)
}

func TestRunFromNonQueuedState(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	st := s.Schedule(echo())
	_, err := st.Run(context.Background())
	require.NoError(t, err)

	_, err = st.Run(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateCompleted, st.State())
	assert.Equal(t, 1, st.Attempt())
}

func TestTypedTaskInput(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	double := task.Typed(func(_ context.Context, n int) (int, error) { return n * 2, nil })

	ok := s.Schedule(double, WithInput(21))
	bad := s.Schedule(double, WithInput("21"), WithRetries(3))
	drain(s)

	v, err, _ := ok.Future().Result()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	_, err, _ = bad.Future().Result()
	require.Error(t, err)
	assert.True(t, task.IsPermanent(err))
	assert.Equal(t, 1, bad.Attempt())
}

func TestNilTaskFailsPermanently(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	st := s.Schedule(nil, WithRetries(2))
	drain(s)
	_, err, _ := st.Future().Result()
	assert.ErrorIs(t, err, errNilTask)
}
