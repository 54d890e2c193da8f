package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"dispatchq/internal/task"
	"dispatchq/internal/task/dedup"
	"dispatchq/internal/task/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		kind    Kind
		cron    string
		every   time.Duration
		wantErr bool
	}{
		{in: "*/5 * * * *", kind: KindCron, cron: "*/5 * * * *"},
		{in: "@hourly", kind: KindCron, cron: "@hourly"},
		{in: "cron:0 0 * * *", kind: KindCron, cron: "0 0 * * *"},
		{in: "55m", kind: KindInterval, every: 55 * time.Minute},
		{in: "02:30", kind: KindInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every:00:50", kind: KindInterval, every: 50 * time.Minute},
		{in: "interval:10s", kind: KindInterval, every: 10 * time.Second},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "01:75", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParseSchedule(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.cron, p.Cron)
			assert.Equal(t, tt.every, p.Every)
		})
	}
}

func TestIntervalScheduleSpreadsFirstRun(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sch, jitter := intervalSchedule(time.Minute, now, "a")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 30*time.Second)

	first := sch.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.Equal(t, first.Add(time.Minute), sch.Next(first))
}

func noop() task.Task {
	return task.Func(func(context.Context, any) (any, error) { return nil, nil })
}

func TestFireSkipsWhilePreviousRunIsLive(t *testing.T) {
	t.Parallel()

	for _, withCache := range []bool{false, true} {
		s := engine.NewScheduler()
		var opts []Option
		if withCache {
			opts = append(opts, WithDedup(dedup.New(10, time.Minute)))
		}
		svc := New(s, opts...)
		require.NoError(t, svc.Add(Definition{Name: "poll", Schedule: "1m", Task: noop(), Options: []engine.ScheduleOption{engine.WithPriority(2)}}))

		first, skipped, err := svc.Fire("poll")
		require.NoError(t, err)
		assert.False(t, skipped)
		assert.Equal(t, "poll", first.Name())
		assert.Equal(t, float64(2), first.Priority())

		again, skipped, err := svc.Fire("poll")
		require.NoError(t, err)
		assert.True(t, skipped)
		assert.Same(t, first, again)

		_, err = s.Next().Run(context.Background())
		require.NoError(t, err)

		third, skipped, err := svc.Fire("poll")
		require.NoError(t, err)
		assert.False(t, skipped, "completed run does not block the next tick")
		assert.NotSame(t, first, third)

		info := svc.Entries()
		require.Len(t, info, 1)
		assert.Equal(t, uint64(2), info[0].Fired)
		assert.Equal(t, uint64(1), info[0].Skipped)
	}
}

func TestConcurrentFiresScheduleOnce(t *testing.T) {
	t.Parallel()

	for _, withCache := range []bool{false, true} {
		s := engine.NewScheduler()
		var opts []Option
		if withCache {
			opts = append(opts, WithDedup(dedup.New(10, time.Minute)))
		}
		svc := New(s, opts...)
		require.NoError(t, svc.Add(Definition{Name: "sync", Schedule: "1m", Task: noop()}))

		const n = 16
		var wg sync.WaitGroup
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := svc.Fire("sync")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, s.Len(), "cache=%v", withCache)
		info := svc.Entries()
		require.Len(t, info, 1)
		assert.Equal(t, uint64(1), info[0].Fired)
		assert.Equal(t, uint64(n-1), info[0].Skipped)
	}
}

func TestAddRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	svc := New(engine.NewScheduler())
	assert.Error(t, svc.Add(Definition{Schedule: "1m", Task: noop()}))
	assert.Error(t, svc.Add(Definition{Name: "x", Schedule: "1m"}))
	assert.Error(t, svc.Add(Definition{Name: "x", Schedule: "61 * * * *", Task: noop()}))

	_, _, err := svc.Fire("x")
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	t.Parallel()

	svc := New(engine.NewScheduler())
	require.NoError(t, svc.Add(Definition{Name: "keep", Schedule: "1h", Task: noop()}))

	err := svc.Replace([]Definition{
		{Name: "a", Schedule: "1m", Task: noop()},
		{Name: "b", Schedule: "nope", Task: noop()},
	})
	require.Error(t, err)
	require.Len(t, svc.Entries(), 1)

	require.NoError(t, svc.Replace([]Definition{
		{Name: "a", Schedule: "1m", Task: noop()},
		{Name: "b", Schedule: "@daily", Task: noop()},
	}))
	names := []string{}
	for _, e := range svc.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestStartedServiceReportsNextRun(t *testing.T) {
	t.Parallel()

	svc := New(engine.NewScheduler(), WithLocation(time.UTC))
	require.NoError(t, svc.Add(Definition{Name: "daily", Schedule: "@daily", Task: noop()}))
	svc.Start()
	defer svc.Stop(context.Background())

	require.Eventually(t, func() bool {
		return !svc.Entries()[0].Next.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.True(t, svc.Entries()[0].Next.After(time.Now()))
	assert.True(t, svc.Remove("daily"))
	assert.Empty(t, svc.Entries())
}

func TestCheck(t *testing.T) {
	t.Parallel()

	require.NoError(t, Check([]Definition{
		{Name: "a", Schedule: "30s", Task: noop()},
		{Name: "b", Schedule: "0 3 * * *", Task: noop()},
	}))
	assert.Error(t, Check([]Definition{{Name: "a", Schedule: "61 * * * *", Task: noop()}}))
	assert.Error(t, Check([]Definition{{Name: "a", Schedule: "1m"}}))
	assert.Error(t, Check([]Definition{
		{Name: "a", Schedule: "1m", Task: noop()},
		{Name: " a ", Schedule: "2m", Task: noop()},
	}))
}
