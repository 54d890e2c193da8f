package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchq/internal/history"
	"dispatchq/internal/task/dedup"
	"dispatchq/internal/task/engine"
	"dispatchq/internal/task/httptask"
	"dispatchq/internal/task/throttle"
	"dispatchq/internal/task/trigger"
	logx "dispatchq/pkg/logx"
)

// Deps are the components the admin API exposes. Pool and HTTP are
// required; the rest may be nil when disabled.
type Deps struct {
	Pool     *engine.Pool
	HTTP     *httptask.Client
	Throttle *throttle.Policy
	Dedup    *dedup.Cache
	Triggers *trigger.Service
	History  *history.Recorder
}

type Server struct {
	deps   Deps
	sched  *engine.Scheduler
	log    logx.Logger
	auth   *Authenticator
	tasks  *registry
	pprof  bool
	detach func()
	router chi.Router
}

type Option func(*Server)

func WithLogger(l logx.Logger) Option { return func(s *Server) { s.log = l } }

// WithAuthenticator requires bearer tokens on /v1 routes.
func WithAuthenticator(a *Authenticator) Option { return func(s *Server) { s.auth = a } }

// WithProfiler mounts net/http/pprof under /debug, behind the same auth as /v1.
func WithProfiler() Option { return func(s *Server) { s.pprof = true } }

// WithTrackedTasks bounds how many task handles stay addressable by id.
func WithTrackedTasks(n int) Option { return func(s *Server) { s.tasks = newRegistry(n) } }

func New(d Deps, opts ...Option) (*Server, error) {
	if d.Pool == nil || d.HTTP == nil {
		return nil, errors.New("api: pool and http client are required")
	}
	s := &Server{deps: d, sched: d.Pool.Scheduler(), log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.tasks == nil {
		s.tasks = newRegistry(0)
	}
	s.log = s.log.With(logx.String("comp", "api"))
	s.detach = s.tasks.attach(s.sched)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		if s.auth != nil {
			r.Use(s.authenticate)
		}
		r.Get("/stats", s.stats)
		r.Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)
		r.Get("/triggers", s.listTriggers)
		r.Post("/triggers/{name}/fire", s.fireTrigger)
		r.Get("/history", s.listHistory)
	})
	if s.pprof {
		r.Group(func(r chi.Router) {
			if s.auth != nil {
				r.Use(s.authenticate)
			}
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// Close stops tracking new tasks.
func (s *Server) Close() {
	if s.detach != nil {
		s.detach()
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string, readTimeout time.Duration) error {
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("admin api listening", logx.String("addr", addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
