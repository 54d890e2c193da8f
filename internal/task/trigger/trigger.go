// Package trigger schedules tasks on cron expressions or fixed intervals.
// A trigger whose previous task is still live skips the tick instead of
// piling up duplicate work.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dispatchq/internal/task"
	"dispatchq/internal/task/dedup"
	"dispatchq/internal/task/engine"
	logx "dispatchq/pkg/logx"
)

var ErrUnknownTrigger = errors.New("unknown trigger")

// Definition is one periodic task.
type Definition struct {
	Name     string
	Schedule string
	Task     task.Task
	Options  []engine.ScheduleOption
	// DedupKey groups fires that must not overlap. Empty means "trigger:<Name>".
	DedupKey string
}

// Info describes a registered trigger.
type Info struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Spread   time.Duration `json:"spread,omitempty"`
	Next     time.Time     `json:"next"`
	Prev     time.Time     `json:"prev"`
	Fired    uint64        `json:"fired"`
	Skipped  uint64        `json:"skipped"`
}

type entry struct {
	def     Definition
	sched   cron.Schedule
	spread  time.Duration
	cronID  cron.EntryID
	fired   uint64
	skipped uint64
	last    *engine.ScheduledTask

	fireMu sync.Mutex
}

// Service owns a cron runner. Definitions may be added before Start and are
// registered when it runs.
type Service struct {
	mu     sync.Mutex
	sched  *engine.Scheduler
	cache  *dedup.Cache
	log    logx.Logger
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	defs   map[string]*entry
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithDedup shares overlap detection with other producers using cache.
func WithDedup(cache *dedup.Cache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func New(sched *engine.Scheduler, opts ...Option) *Service {
	s := &Service{
		sched: sched,
		loc:   time.Local,
		parser: newParser(),
		defs:   map[string]*entry{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// SecondOptional accepts both 5 and 6 field expressions.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Check reports the first definition Replace would reject, without
// registering anything.
func Check(defs []Definition) error {
	s := &Service{parser: newParser()}
	seen := make(map[string]bool, len(defs))
	now := time.Now()
	for _, d := range defs {
		e, err := s.build(d, now)
		if err != nil {
			return err
		}
		if seen[e.def.Name] {
			return fmt.Errorf("trigger %s: duplicate name", e.def.Name)
		}
		seen[e.def.Name] = true
	}
	return nil
}

func (s *Service) build(def Definition, now time.Time) (*entry, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, errors.New("trigger name required")
	}
	if def.Task == nil {
		return nil, fmt.Errorf("trigger %s: task required", def.Name)
	}
	p, err := ParseSchedule(def.Schedule)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", def.Name, err)
	}
	e := &entry{def: def}
	switch p.Kind {
	case KindCron:
		if e.sched, err = s.parser.Parse(p.Cron); err != nil {
			return nil, fmt.Errorf("trigger %s: %w", def.Name, err)
		}
	case KindInterval:
		e.sched, e.spread = intervalSchedule(p.Every, now, def.Name)
	}
	return e, nil
}

// Add registers def, replacing any trigger with the same name.
func (s *Service) Add(def Definition) error {
	e, err := s.build(def, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(e.def.Name)
	s.defs[e.def.Name] = e
	s.registerLocked(e)
	return nil
}

// Replace swaps the whole trigger set. Nothing changes if any definition is invalid.
func (s *Service) Replace(defs []Definition) error {
	now := time.Now()
	built := make(map[string]*entry, len(defs))
	for _, d := range defs {
		e, err := s.build(d, now)
		if err != nil {
			return err
		}
		if _, dup := built[e.def.Name]; dup {
			return fmt.Errorf("trigger %s: duplicate name", e.def.Name)
		}
		built[e.def.Name] = e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.defs {
		s.removeLocked(name)
	}
	for name, e := range built {
		s.defs[name] = e
		s.registerLocked(e)
	}
	s.log.Info("triggers replaced", logx.Int("count", len(built)))
	return nil
}

// Remove unregisters a trigger and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	e, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && e.cronID != 0 {
		s.c.Remove(e.cronID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(e *entry) {
	if s.c == nil {
		return
	}
	name := e.def.Name
	e.cronID = s.c.Schedule(e.sched, cron.FuncJob(func() {
		if _, _, err := s.Fire(name); err != nil {
			s.log.Warn("trigger fire failed", logx.String("trigger", name), logx.Err(err))
		}
	}))
	s.log.Debug("trigger registered", logx.String("trigger", name), logx.String("schedule", e.def.Schedule), logx.Duration("spread", e.spread))
}

// Start begins firing triggers. It is a no-op when already started.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, e := range s.defs {
		s.registerLocked(e)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("triggers", len(s.defs)))
}

// Stop halts firing and waits for running cron jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.defs {
		e.cronID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("trigger service stopped")
}

// SetLocation changes the cron time zone, restarting the runner if needed.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	if s.loc.String() == loc.String() {
		s.mu.Unlock()
		return
	}
	s.loc = loc
	running := s.c != nil
	s.mu.Unlock()

	if running {
		s.Stop(context.Background())
		s.Start()
	}
}

// Fire schedules the trigger's task now. skipped reports that the previous
// task for the same dedup key is still live and was returned instead.
func (s *Service) Fire(name string) (st *engine.ScheduledTask, skipped bool, err error) {
	s.mu.Lock()
	e, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	def := e.def
	s.mu.Unlock()

	// Serializes overlap checks of concurrent fires of this trigger.
	e.fireMu.Lock()
	defer e.fireMu.Unlock()
	s.mu.Lock()
	last := e.last
	s.mu.Unlock()

	key := def.DedupKey
	if key == "" {
		key = "trigger:" + def.Name
	}
	opts := append([]engine.ScheduleOption{engine.WithName(def.Name)}, def.Options...)

	// Only queued or running work counts as overlap; a completed entry in
	// the dedup cache is refreshed.
	switch {
	case s.cache != nil:
		st, skipped = s.cache.ScheduleIfIdle(s.sched, key, def.Task, opts...)
	case last != nil && !last.State().Terminal():
		st, skipped = last, true
	default:
		st = s.sched.Schedule(def.Task, opts...)
	}

	s.mu.Lock()
	if cur, ok := s.defs[name]; ok && cur == e {
		e.last = st
		if skipped {
			e.skipped++
		} else {
			e.fired++
		}
	}
	s.mu.Unlock()

	if skipped {
		s.log.Debug("trigger skipped, previous run still live", logx.String("trigger", name), logx.Uint64("task", st.ID()))
	}
	return st, skipped, nil
}

// Entries lists registered triggers by name.
func (s *Service) Entries() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.defs))
	for _, e := range s.defs {
		info := Info{Name: e.def.Name, Schedule: e.def.Schedule, Spread: e.spread, Fired: e.fired, Skipped: e.skipped}
		if s.c != nil && e.cronID != 0 {
			ce := s.c.Entry(e.cronID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
