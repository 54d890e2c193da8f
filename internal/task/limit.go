package task

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

type limitedTask struct {
	Task
	lim *rate.Limiter
	now func() time.Time
}

// RateLimited guards t with a local token bucket. When no token is available
// the attempt fails with a throttle signal whose Until is the time the next
// token frees up, instead of blocking the worker.
func RateLimited(t Task, lim *rate.Limiter) Task {
	if lim == nil {
		return t
	}
	return &limitedTask{Task: t, lim: lim, now: time.Now}
}

func (t *limitedTask) Run(ctx context.Context, input any) (any, error) {
	now := t.now()
	r := t.lim.ReserveN(now, 1)
	if !r.OK() {
		return nil, Permanent(ErrRateLimited)
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return nil, Throttle(ErrRateLimited, now.Add(d))
	}
	return t.Task.Run(ctx, input)
}

func (t *limitedTask) Hints() Hints { return HintsOf(t.Task) }
