package throttle

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatchq/internal/task"
	"dispatchq/internal/task/engine"
	logx "dispatchq/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu     sync.Mutex
	state  engine.WorkerState
	starts []time.Time
}

func newFakeWorkers(n int) []*fakeWorker {
	ws := make([]*fakeWorker, n)
	for i := range ws {
		ws[i] = &fakeWorker{state: engine.WorkerIdle}
	}
	return ws
}

func (w *fakeWorker) State() engine.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *fakeWorker) Stopping() bool { return false }

func (w *fakeWorker) TryStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == engine.WorkerStopped {
		return false
	}
	w.state = engine.WorkerStopped
	return true
}

func (w *fakeWorker) TryStart() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != engine.WorkerStopped {
		return false
	}
	w.state = engine.WorkerIdle
	w.starts = append(w.starts, time.Now())
	return true
}

func (w *fakeWorker) startTimes() []time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Time(nil), w.starts...)
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func signal(until time.Time) *task.ThrottleError {
	return &task.ThrottleError{Until: until, Err: errors.New("429")}
}

// A longer window is refused while a shorter one is in effect; only a
// strictly earlier end can replace it.
func TestCanApplyOnlyShrinksActiveWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(Workers(newFakeWorkers(2)), Config{}, WithClock(fixedClock(now)))
	defer p.Close()

	assert.True(t, p.CanApply(signal(now.Add(10*time.Second))))
	require.True(t, p.Apply(signal(now.Add(10*time.Second))))

	assert.False(t, p.CanApply(signal(now.Add(20*time.Second))))
	assert.False(t, p.Apply(signal(now.Add(20*time.Second))))
	assert.False(t, p.CanApply(signal(now.Add(10*time.Second))))

	assert.True(t, p.CanApply(signal(now.Add(5*time.Second))))
	require.True(t, p.Apply(signal(now.Add(5*time.Second))))
	until, ok := p.Active()
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Second), until)
}

func TestApplyIgnoresElapsedSignal(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ws := newFakeWorkers(2)
	p := New(Workers(ws), Config{}, WithClock(fixedClock(now)))
	defer p.Close()

	assert.False(t, p.Apply(signal(now)))
	assert.False(t, p.Apply(signal(now.Add(-time.Second))))
	assert.False(t, p.Apply(nil))
	for _, w := range ws {
		assert.Equal(t, engine.WorkerIdle, w.State())
	}
	_, ok := p.Active()
	assert.False(t, ok)
}

func TestApplyClampsToMaxWindow(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(Workers(newFakeWorkers(1)), Config{MaxWindow: 10 * time.Second}, WithClock(fixedClock(now)))
	defer p.Close()

	require.True(t, p.Apply(signal(now.Add(time.Hour))))
	until, ok := p.Active()
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Second), until)
}

func TestApplyStopsAllThenResumesOneAtATime(t *testing.T) {
	t.Parallel()

	const (
		window   = 80 * time.Millisecond
		interval = 60 * time.Millisecond
		slack    = 15 * time.Millisecond
	)
	ws := newFakeWorkers(3)
	p := New(Workers(ws), Config{WakeInterval: interval})
	defer p.Close()

	applied := time.Now()
	require.True(t, p.Apply(signal(applied.Add(window))))
	for _, w := range ws {
		assert.Equal(t, engine.WorkerStopped, w.State())
	}

	require.Eventually(t, func() bool {
		for _, w := range ws {
			if w.State() != engine.WorkerIdle {
				return false
			}
		}
		return true
	}, 2*time.Second, 2*time.Millisecond)

	var starts []time.Time
	for _, w := range ws {
		st := w.startTimes()
		require.Len(t, st, 1)
		starts = append(starts, st[0])
	}
	slices.SortFunc(starts, func(a, b time.Time) int { return a.Compare(b) })
	assert.GreaterOrEqual(t, starts[0].Sub(applied), window-slack)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), interval-slack)
	}

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.recorded && p.timer == nil
	}, 2*time.Second, 2*time.Millisecond)
}

func TestCloseCancelsResume(t *testing.T) {
	t.Parallel()

	ws := newFakeWorkers(2)
	p := New(Workers(ws), Config{WakeInterval: time.Millisecond})
	require.True(t, p.Apply(signal(time.Now().Add(30*time.Millisecond))))
	p.Close()

	time.Sleep(80 * time.Millisecond)
	for _, w := range ws {
		assert.Equal(t, engine.WorkerStopped, w.State())
	}
	assert.False(t, p.Apply(signal(time.Now().Add(time.Second))))
}

func TestAttachReactsToThrottledAttempts(t *testing.T) {
	t.Parallel()

	s := engine.NewScheduler()
	pool := engine.NewPool(context.Background(), s, 3, logx.Nop())
	p := New(Workers(pool.Workers()), Config{WakeInterval: 10 * time.Millisecond})
	p.Attach(s)
	defer p.Close()
	require.Equal(t, 3, pool.Start())

	until := time.Now().Add(50 * time.Millisecond)
	var (
		calls   atomic.Int32
		retryAt atomic.Int64
	)
	st := s.Schedule(task.Func(func(context.Context, any) (any, error) {
		if calls.Add(1) == 1 {
			return nil, task.Throttle(nil, until)
		}
		retryAt.Store(time.Now().UnixNano())
		return "done", nil
	}), engine.WithRetries(1))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := st.Future().Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, time.Unix(0, retryAt.Load()).Before(until), "retry ran inside the throttle window")

	require.Eventually(t, func() bool {
		for _, ws := range pool.States() {
			if ws == engine.WorkerStopped {
				return false
			}
		}
		return true
	}, 3*time.Second, 2*time.Millisecond)
	require.NoError(t, pool.Close(ctx))
}
