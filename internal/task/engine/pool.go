package engine

import (
	"context"
	"errors"
	"fmt"

	"dispatchq/internal/runtime/supervisor"
	logx "dispatchq/pkg/logx"
)

// Pool is a fixed set of workers sharing one scheduler. Worker loops run
// under a supervisor whose context is what tasks receive.
type Pool struct {
	sched   *Scheduler
	sup     *supervisor.Supervisor
	workers []*Worker
	log     logx.Logger
}

// NewPool creates n stopped workers named "<prefix>-<i>". n < 1 means 1.
func NewPool(ctx context.Context, s *Scheduler, n int, log logx.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		sched: s,
		sup:   supervisor.New(ctx, supervisor.WithLogger(log)),
		log:   log,
	}
	for i := range n {
		p.workers = append(p.workers, NewWorker(s,
			WithWorkerName(fmt.Sprintf("worker-%d", i)),
			WithWorkerLogger(log),
			WithRunner(p.sup),
		))
	}
	return p
}

// Start starts every stopped worker and returns how many started.
func (p *Pool) Start() int {
	n := 0
	for _, w := range p.workers {
		if w.TryStart() {
			n++
		}
	}
	p.log.Info("worker pool started", logx.Int("started", n), logx.Int("size", len(p.workers)))
	return n
}

// Workers returns the pool members in creation order.
func (p *Pool) Workers() []*Worker {
	return append([]*Worker(nil), p.workers...)
}

func (p *Pool) States() []WorkerState {
	out := make([]WorkerState, len(p.workers))
	for i, w := range p.workers {
		out[i] = w.State()
	}
	return out
}

func (p *Pool) Scheduler() *Scheduler { return p.sched }

func (p *Pool) Supervisor() *supervisor.Supervisor { return p.sup }

// Close stops every worker, waits for in-flight attempts to settle, and then
// cancels the worker context. If ctx ends first, running tasks see
// cancellation.
func (p *Pool) Close(ctx context.Context) error {
	for _, w := range p.workers {
		w.TryStop()
	}
	var errs []error
	for _, w := range p.workers {
		if err := w.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			break
		}
	}
	if err := p.sup.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	p.log.Info("worker pool closed")
	return errors.Join(errs...)
}
