package trigger

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// spreadSchedule delays the first activation of an interval schedule so
// that triggers registered together do not all fire on the same tick.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalSchedule returns an every-d schedule whose first run lands in
// [now+every, now+every+min(every, 30s)).
func intervalSchedule(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(now.UnixNano())))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}
