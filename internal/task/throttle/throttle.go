// Package throttle turns rate-limit signals from tasks into pool-wide
// backpressure: every worker is stopped for the signalled window and then
// resumed one at a time.
package throttle

import (
	"sync"
	"time"

	"dispatchq/internal/task"
	"dispatchq/internal/task/engine"
	logx "dispatchq/pkg/logx"
)

// DefaultWakeInterval spaces worker resumptions after a window ends.
const DefaultWakeInterval = 5 * time.Second

// Worker is the part of *engine.Worker the policy drives.
type Worker interface {
	State() engine.WorkerState
	Stopping() bool
	TryStart() bool
	TryStop() bool
}

// Workers converts a typed worker slice, e.g. engine.Pool.Workers().
func Workers[W Worker](ws []W) []Worker {
	out := make([]Worker, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

type Config struct {
	// WakeInterval is the gap between resuming two workers. Zero means DefaultWakeInterval.
	WakeInterval time.Duration
	// MaxWindow caps a signalled window. Zero means no cap.
	MaxWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.WakeInterval <= 0 {
		c.WakeInterval = DefaultWakeInterval
	}
	if c.MaxWindow < 0 {
		c.MaxWindow = 0
	}
	return c
}

// Policy owns one active throttle record per pool.
type Policy struct {
	workers []Worker
	now     func() time.Time
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	until    time.Time
	recorded bool // a window was applied and its ramp-up has not finished
	gen      uint64
	timer    *time.Timer
	closed   bool
	unsub    []func()
}

type Option func(*Policy)

func WithClock(now func() time.Time) Option {
	return func(p *Policy) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(p *Policy) { p.log = log }
}

func New(workers []Worker, cfg Config, opts ...Option) *Policy {
	p := &Policy{
		workers: append([]Worker(nil), workers...),
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	return p
}

// SetConfig replaces the settings. An armed timer keeps its old interval
// until it next fires.
func (p *Policy) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

// Attach applies every rate-limit signal found in the scheduler's failed
// attempts and failed tasks.
func (p *Policy) Attach(s *engine.Scheduler) {
	unsub := s.Subscribe(func(e engine.Event) {
		if e.Kind != engine.EventFailedAttempt && e.Kind != engine.EventFailedTask {
			return
		}
		if sig, ok := task.AsThrottle(e.Err); ok {
			p.Apply(sig)
		}
	})
	p.mu.Lock()
	p.unsub = append(p.unsub, unsub)
	p.mu.Unlock()
}

// Active reports the end of the window in effect, if any.
func (p *Policy) Active() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.windowActiveLocked(p.now()) {
		return time.Time{}, false
	}
	return p.until, true
}

func (p *Policy) windowActiveLocked(now time.Time) bool {
	return p.recorded && p.until.After(now)
}

// CanApply reports whether sig may replace the current record: when no
// window is in effect, or when the window in effect ends strictly later
// than sig. A signal asking for a longer window than the current one is
// refused, so an active window can only shrink.
func (p *Policy) CanApply(sig *task.ThrottleError) bool {
	if sig == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canApplyLocked(sig.Until, p.now())
}

func (p *Policy) canApplyLocked(until, now time.Time) bool {
	return !p.windowActiveLocked(now) || p.until.After(until)
}

// Apply stops every worker until sig.Until, then resumes stopped workers one
// per wake interval. It reports whether the signal was applied.
func (p *Policy) Apply(sig *task.ThrottleError) bool {
	if sig == nil {
		return false
	}
	now := p.now()
	until := sig.Until
	if !until.After(now) {
		return false
	}

	p.mu.Lock()
	if p.closed || !p.canApplyLocked(until, now) {
		p.mu.Unlock()
		return false
	}
	if limit := p.cfg.MaxWindow; limit > 0 && until.Sub(now) > limit {
		until = now.Add(limit)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.until = until
	p.recorded = true
	p.timer = time.AfterFunc(until.Sub(now), func() { p.wake(gen) })
	p.mu.Unlock()

	stopped := 0
	for _, w := range p.workers {
		if w.TryStop() {
			stopped++
		}
	}
	p.log.Info("throttle applied", logx.Time("until", until), logx.Duration("window", until.Sub(now)), logx.Int("stopped", stopped), logx.Err(sig.Err))
	return true
}

// wake resumes one stopped worker and re-arms itself. It clears the record
// once no worker is stopped or still stopping.
func (p *Policy) wake(gen uint64) {
	p.mu.Lock()
	if p.closed || gen != p.gen {
		p.mu.Unlock()
		return
	}

	var next Worker
	draining := false
	for _, w := range p.workers {
		if w.State() == engine.WorkerStopped {
			next = w
			break
		}
		if w.Stopping() {
			draining = true
		}
	}
	if next == nil && !draining {
		p.timer = nil
		p.recorded = false
		p.mu.Unlock()
		p.log.Info("throttle lifted")
		return
	}
	p.timer = time.AfterFunc(p.cfg.WakeInterval, func() { p.wake(gen) })
	p.mu.Unlock()

	if next != nil && next.TryStart() {
		p.log.Debug("throttle resumed worker")
	}
}

// Close detaches from schedulers and cancels pending timers. Workers that
// are stopped stay stopped.
func (p *Policy) Close() {
	p.mu.Lock()
	p.closed = true
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	unsub := p.unsub
	p.unsub = nil
	p.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}
