package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatchq/internal/task"
	logx "dispatchq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

func startedWorker(t *testing.T, s *Scheduler) *Worker {
	t.Helper()
	w := NewWorker(s)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		w.TryStop()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = w.Wait(ctx)
	})
	require.Eventually(t, func() bool { return w.State() == WorkerIdle }, waitFor, tick)
	return w
}

func TestWorkerStartStopTransitions(t *testing.T) {
	t.Parallel()

	w := NewWorker(NewScheduler())
	assert.Equal(t, WorkerStopped, w.State())
	assert.ErrorIs(t, w.Stop(), ErrInvalidState)
	assert.False(t, w.TryStop())

	require.NoError(t, w.Start())
	assert.ErrorIs(t, w.Start(), ErrInvalidState)
	assert.False(t, w.TryStart())

	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.Stop(), ErrInvalidState)
	require.NoError(t, w.Wait(context.Background()))
	assert.Equal(t, WorkerStopped, w.State())

	assert.True(t, w.TryStart())
	assert.True(t, w.TryStop())
	require.NoError(t, w.Wait(context.Background()))
}

func TestWorkerWakesOnSchedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	startedWorker(t, s)

	st := s.Schedule(echo(), WithInput(1))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	v, err := st.Future().Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestWorkerSurvivesFailingTasks(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	w := startedWorker(t, s)

	bad := s.Schedule(task.Func(func(context.Context, any) (any, error) { panic("x") }))
	good := s.Schedule(echo(), WithInput("after"))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := bad.Future().Await(ctx)
	require.Error(t, err)
	v, err := good.Future().Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "after", v)
	assert.NotEqual(t, WorkerStopped, w.State())
}

func TestStallCoalesces(t *testing.T) {
	t.Parallel()

	w := startedWorker(t, NewScheduler())

	w.Stall(30 * time.Millisecond)
	w.Stall(150 * time.Millisecond)
	assert.Equal(t, WorkerStalled, w.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, WorkerStalled, w.State())
	assert.Equal(t, uint64(0), w.wakes.Load())

	require.Eventually(t, func() bool { return w.State() == WorkerIdle }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, uint64(1), w.wakes.Load())
}

func TestStallNonPositiveIsNoop(t *testing.T) {
	t.Parallel()

	w := startedWorker(t, NewScheduler())
	w.Stall(0)
	w.StallUntil(time.Now().Add(-time.Second))
	_, pending := w.StalledUntil()
	assert.False(t, pending)
	assert.Equal(t, WorkerIdle, w.State())
}

func TestStalledWorkerSkipsQueue(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	w := startedWorker(t, s)
	w.Stall(time.Hour)

	st := s.Schedule(echo())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateQueued, st.State())

	require.NoError(t, w.Start())
	_, pending := w.StalledUntil()
	assert.False(t, pending)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := st.Future().Await(ctx)
	require.NoError(t, err)
}

func TestStallDuringRunTakesEffectAfterTask(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	w := startedWorker(t, s)

	entered := make(chan struct{})
	release := make(chan struct{})
	st := s.Schedule(task.Func(func(context.Context, any) (any, error) {
		close(entered)
		<-release
		return nil, nil
	}))
	<-entered
	assert.Equal(t, WorkerRunning, w.State())

	w.Stall(time.Hour)
	assert.Equal(t, WorkerRunning, w.State())
	close(release)

	require.Eventually(t, func() bool { return w.State() == WorkerStalled }, waitFor, tick)
	assert.Equal(t, StateCompleted, st.State())
}

func TestStopWhileStalledExits(t *testing.T) {
	t.Parallel()

	w := startedWorker(t, NewScheduler())
	w.Stall(time.Hour)
	require.NoError(t, w.Stop())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, w.Wait(ctx))
	assert.Equal(t, WorkerStopped, w.State())
	_, pending := w.StalledUntil()
	assert.False(t, pending)
}

func TestPoolNeverRunsTaskTwiceConcurrently(t *testing.T) {
	t.Parallel()

	s := NewScheduler()
	p := NewPool(context.Background(), s, 8, logx.Nop())
	require.Equal(t, 8, p.Start())

	const n = 500
	var (
		overlap atomic.Bool
		total   atomic.Int32
		wg      sync.WaitGroup
	)
	tasks := make([]*ScheduledTask, 0, n)
	for i := range n {
		var inFlight atomic.Int32
		var fails atomic.Int32
		wg.Add(1)
		st := s.Schedule(task.Func(func(context.Context, any) (any, error) {
			if inFlight.Add(1) != 1 {
				overlap.Store(true)
			}
			defer inFlight.Add(-1)
			total.Add(1)
			if i%3 == 0 && fails.Add(1) <= 2 {
				return nil, assert.AnError
			}
			return i, nil
		}), WithRetries(2), WithPriority(float64(i%5)))
		st.Future().OnSettled(func(any, error) { wg.Done() })
		tasks = append(tasks, st)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("tasks did not settle")
	}

	assert.False(t, overlap.Load())
	for i, st := range tasks {
		assert.Equal(t, StateCompleted, st.State(), "task %d", i)
	}
	retried := (n + 2) / 3
	assert.Equal(t, int32(n+2*retried), total.Load())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, p.Close(ctx))
	for _, st := range p.States() {
		assert.Equal(t, WorkerStopped, st)
	}
}
