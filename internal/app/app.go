// Package app wires the dispatcher from its config file and keeps the live
// components in step with config reloads.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dispatchq/internal/api"
	"dispatchq/internal/config"
	"dispatchq/internal/eventbus"
	"dispatchq/internal/history"
	"dispatchq/internal/runtime/supervisor"
	"dispatchq/internal/storage"
	"dispatchq/internal/task/dedup"
	"dispatchq/internal/task/engine"
	"dispatchq/internal/task/httptask"
	"dispatchq/internal/task/throttle"
	"dispatchq/internal/task/trigger"
	logx "dispatchq/pkg/logx"
)

type App struct {
	version string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	sched    *engine.Scheduler
	pool     *engine.Pool
	throttle *throttle.Policy
	dedup    *dedup.Cache
	http     *httptask.Client
	triggers *trigger.Service
	history  *history.Recorder
	api      *api.Server
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath, version string) (*App, error) {
	cfgm := config.NewManager(cfgPath, config.WithValidator(validateReload))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(logConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		version: version,
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.sched = engine.NewScheduler(
		engine.WithLogger(log.With(logx.String("comp", "scheduler"))),
		engine.WithBus(a.bus),
		engine.WithDefaultPriority(cfg.Engine.DefaultPriority),
		engine.WithDefaultRetries(cfg.Engine.DefaultRetries),
	)
	a.http = httptask.NewClient(cfg.HTTP.TimeoutDuration(), httptask.WithRateLimit(cfg.HTTP.RatePerSec, cfg.HTTP.Burst))
	if cfg.Dedup.Enabled {
		a.dedup = dedup.New(cfg.Dedup.MaxEntries, cfg.Dedup.MaxAgeDuration())
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	topts := []trigger.Option{trigger.WithLogger(log.With(logx.String("comp", "trigger"))), trigger.WithLocation(loc)}
	if a.dedup != nil {
		topts = append(topts, trigger.WithDedup(a.dedup))
	}
	a.triggers = trigger.New(a.sched, topts...)
	if err := a.triggers.Replace(triggerDefs(a.http, cfg.Triggers)); err != nil {
		return nil, err
	}

	if a.store != nil {
		a.history = history.New(a.store, history.WithLogger(log))
	}
	return a, nil
}

// validateReload rejects reloads whose triggers would not register.
func validateReload(_ context.Context, cfg *config.Config) error {
	defs := triggerDefs(httptask.NewClient(0), cfg.Triggers)
	if err := trigger.Check(defs); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func throttleConfig(cfg *config.Config) throttle.Config {
	wake, maxWindow := cfg.Throttle.Durations()
	return throttle.Config{WakeInterval: wake, MaxWindow: maxWindow}
}

func (a *App) Scheduler() *engine.Scheduler { return a.sched }
func (a *App) Pool() *engine.Pool           { return a.pool }
func (a *App) Config() *config.Config       { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger          { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()

	a.pool = engine.NewPool(sctx, a.sched, cfg.Engine.WorkerCount(), a.log.With(logx.String("comp", "worker")))
	if cfg.Throttle.Enabled {
		a.throttle = throttle.New(throttle.Workers(a.pool.Workers()), throttleConfig(cfg),
			throttle.WithLogger(a.log.With(logx.String("comp", "throttle"))))
		a.throttle.Attach(a.sched)
	}

	if a.history != nil {
		if err := a.history.Begin(ctx, a.version); err != nil {
			return fmt.Errorf("history: %w", err)
		}
		a.history.Attach(a.sched)
		a.sup.Go("history.writer", a.history.Run)
	}

	if cfg.Admin.Enabled {
		if err := a.startAPI(cfg); err != nil {
			return err
		}
	}

	a.pool.Start()
	a.triggers.Start()

	events, unsub := a.bus.Subscribe(128, engine.EventFailedTask.String())
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if te, ok := e.Data.(engine.TaskEvent); ok {
					a.log.Debug("event", logx.String("type", e.Type), logx.Uint64("task", te.ID), logx.String("name", te.Name), logx.String("error", te.Error))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		applied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(applied, next)
				applied = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("workers", len(a.pool.Workers())),
		logx.Bool("throttle", a.throttle != nil),
		logx.Int("triggers", len(a.triggers.Entries())),
	)
	return nil
}

func (a *App) startAPI(cfg *config.Config) error {
	opts := []api.Option{api.WithLogger(a.log)}
	if cfg.Admin.Pprof {
		opts = append(opts, api.WithProfiler())
	}
	if cfg.Admin.JWTSecret != "" {
		opts = append(opts, api.WithAuthenticator(api.NewAuthenticator(cfg.Admin.JWTSecret)))
	} else {
		a.log.Warn("admin api has no jwt_secret; keep it on loopback", logx.String("addr", cfg.Admin.Address()))
	}
	srv, err := api.New(api.Deps{
		Pool:     a.pool,
		HTTP:     a.http,
		Throttle: a.throttle,
		Dedup:    a.dedup,
		Triggers: a.triggers,
		History:  a.history,
	}, opts...)
	if err != nil {
		return err
	}
	a.api = srv
	readTimeout, _ := config.ParseDurationField("admin.read_timeout", cfg.Admin.ReadTimeout)
	addr := cfg.Admin.Address()
	a.sup.Go("admin.http", func(c context.Context) error {
		return srv.ListenAndServe(c, addr, readTimeout)
	})
	return nil
}

// apply pushes the live-reloadable parts of next into running components.
// Sections that need a restart are only logged.
func (a *App) apply(prev, next *config.Config) {
	changed := config.Changes(prev, next)
	if len(changed) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	var restart []string
	for _, s := range changed {
		switch s {
		case "logging":
			a.logs.Apply(logConfig(next))
		case "throttle":
			if a.throttle == nil || !next.Throttle.Enabled {
				restart = append(restart, s)
				continue
			}
			a.throttle.SetConfig(throttleConfig(next))
		case "timezone":
			if loc, err := next.Location(); err == nil {
				a.triggers.SetLocation(loc)
			}
		case "engine", "dedup", "http", "storage", "admin":
			restart = append(restart, s)
		}
	}
	if slices.ContainsFunc(changed, func(s string) bool { return strings.HasPrefix(s, "triggers.") }) {
		if err := a.triggers.Replace(triggerDefs(a.http, next.Triggers)); err != nil {
			a.log.Warn("trigger reload failed; keeping previous", logx.Err(err))
		}
	}
	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	var errs []error
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("throttle", time.Second, func(context.Context) error {
		if a.throttle != nil {
			a.throttle.Close()
		}
		return nil
	})
	step("workers", 10*time.Second, func(c context.Context) error {
		if a.pool == nil {
			return nil
		}
		return a.pool.Close(c)
	})
	if a.api != nil {
		a.api.Close()
	}

	// Cancel after the pool drained so the history writer flushes the last outcomes.
	a.sup.Cancel()
	step("supervisor", 5*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}
