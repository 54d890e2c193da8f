// Package history persists task outcomes to a storage.Store.
//
// A Recorder observes a scheduler and turns every failed attempt and every
// terminal outcome into a storage.Record. Records are buffered and written by
// a single goroutine so workers never wait on the store.
package history

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"dispatchq/internal/storage"
	"dispatchq/internal/task"
	"dispatchq/internal/task/engine"
	logx "dispatchq/pkg/logx"

	"github.com/google/uuid"
)

const defaultBuffer = 256

type Recorder struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
	runID string

	ch      chan storage.Record
	dropped atomic.Uint64
	written atomic.Uint64
}

type Option func(*Recorder)

func WithLogger(l logx.Logger) Option       { return func(r *Recorder) { r.log = l } }
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithBuffer sets how many records may wait for the writer before new ones
// are dropped.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.ch = make(chan storage.Record, n)
		}
	}
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option { return func(r *Recorder) { r.runID = id } }

func New(store storage.Store, opts ...Option) *Recorder {
	r := &Recorder{store: store, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.ch == nil {
		r.ch = make(chan storage.Record, defaultBuffer)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	r.log = r.log.With(logx.String("comp", "history"), logx.String("run_id", r.runID))
	return r
}

func (r *Recorder) RunID() string { return r.runID }

// Begin registers this process run with the store.
func (r *Recorder) Begin(ctx context.Context, version string) error {
	host, _ := os.Hostname()
	return r.store.StartRun(ctx, storage.Run{
		ID:        r.runID,
		StartedAt: r.now().UTC(),
		Host:      host,
		Version:   version,
	})
}

// Attach starts recording s's tasks and returns the detach func. Tasks
// scheduled before Attach are not tracked.
func (r *Recorder) Attach(s *engine.Scheduler) (detach func()) {
	return s.Subscribe(func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventScheduled:
			// The first scheduled event precedes any attempt, so this hooks
			// every task exactly once; requeues reuse the continuation.
			if ev.Task.Attempt() == 0 {
				st := ev.Task
				st.Future().OnSettled(func(_ any, err error) { r.settled(st, err) })
			}
		case engine.EventFailedAttempt:
			r.enqueue(r.record(ev.Task, storage.KindAttemptFailed, ev.Err))
		}
	})
}

func (r *Recorder) settled(st *engine.ScheduledTask, err error) {
	kind := storage.KindCompleted
	switch st.State() {
	case engine.StateCancelled:
		kind = storage.KindCancelled
	case engine.StateFailed:
		kind = storage.KindFailed
	}
	r.enqueue(r.record(st, kind, err))
}

func (r *Recorder) record(st *engine.ScheduledTask, kind storage.Kind, err error) storage.Record {
	rec := storage.Record{
		RunID:    r.runID,
		TaskID:   st.ID(),
		Name:     st.Name(),
		Kind:     kind,
		Attempt:  st.Attempt(),
		Priority: st.Priority(),
		At:       r.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
		if te, ok := task.AsThrottle(err); ok {
			rec.ThrottledUntil = te.Until.UTC()
		}
	}
	return rec
}

func (r *Recorder) enqueue(rec storage.Record) {
	select {
	case r.ch <- rec:
	default:
		if r.dropped.Add(1) == 1 {
			r.log.Warn("history buffer full; dropping records", logx.Int("buffer", cap(r.ch)))
		}
	}
}

// Run writes buffered records until ctx is done, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		case <-ctx.Done():
			return r.flush()
		}
	}
}

func (r *Recorder) flush() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.ch:
			r.write(ctx, rec)
		default:
			return nil
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec storage.Record) {
	if err := r.store.Append(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) {
			err = r.store.Append(context.Background(), rec)
		}
		if err != nil {
			r.log.Warn("history append failed", logx.Uint64("task_id", rec.TaskID), logx.String("kind", string(rec.Kind)), logx.Err(err))
			return
		}
	}
	r.written.Add(1)
}

// Recent queries the store. An empty RunID in q means all runs.
func (r *Recorder) Recent(ctx context.Context, q storage.Query) ([]storage.Record, error) {
	return r.store.Recent(ctx, q)
}

type Stats struct {
	RunID   string `json:"run_id"`
	Pending int    `json:"pending"`
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

func (r *Recorder) Stats() Stats {
	return Stats{RunID: r.runID, Pending: len(r.ch), Written: r.written.Load(), Dropped: r.dropped.Load()}
}
