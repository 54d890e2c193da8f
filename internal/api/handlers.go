package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"dispatchq/internal/history"
	"dispatchq/internal/runtime/supervisor"
	"dispatchq/internal/storage"
	"dispatchq/internal/task/engine"
	"dispatchq/internal/task/httptask"
	"dispatchq/internal/task/trigger"
)

const maxRequestBody = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

type taskView struct {
	ID               uint64    `json:"id"`
	Name             string    `json:"name,omitempty"`
	State            string    `json:"state"`
	Attempt          int       `json:"attempt"`
	RetriesRemaining int       `json:"retries_remaining"`
	Priority         float64   `json:"priority"`
	ScheduledAt      time.Time `json:"scheduled_at"`
	Error            string    `json:"error,omitempty"`
	Result           any       `json:"result,omitempty"`
}

func viewOf(st *engine.ScheduledTask) taskView {
	v := taskView{
		ID:               st.ID(),
		Name:             st.Name(),
		State:            st.State().String(),
		Attempt:          st.Attempt(),
		RetriesRemaining: st.RetriesRemaining(),
		Priority:         st.Priority(),
		ScheduledAt:      st.ScheduledAt(),
	}
	if err := st.LastError(); err != nil {
		v.Error = err.Error()
	}
	if val, err, ok := st.Future().Result(); ok {
		if err != nil {
			v.Error = err.Error()
		} else {
			v.Result = val
		}
	}
	return v
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

type workerView struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	StalledUntil *time.Time `json:"stalled_until,omitempty"`
}

type throttleView struct {
	Active bool      `json:"active"`
	Until  time.Time `json:"until,omitzero"`
}

type dedupView struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

type statsResponse struct {
	Scheduler  engine.Snapshot     `json:"scheduler"`
	Workers    []workerView        `json:"workers"`
	Tracked    int                 `json:"tracked_tasks"`
	Throttle   *throttleView       `json:"throttle,omitempty"`
	Dedup      *dedupView          `json:"dedup,omitempty"`
	History    *history.Stats      `json:"history,omitempty"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Scheduler:  s.sched.Snapshot(),
		Tracked:    s.tasks.len(),
		Supervisor: s.deps.Pool.Supervisor().Snapshot(),
	}
	for _, wk := range s.deps.Pool.Workers() {
		v := workerView{Name: wk.Name(), State: wk.State().String()}
		if until, ok := wk.StalledUntil(); ok {
			v.StalledUntil = &until
		}
		resp.Workers = append(resp.Workers, v)
	}
	if p := s.deps.Throttle; p != nil {
		until, active := p.Active()
		resp.Throttle = &throttleView{Active: active, Until: until}
	}
	if c := s.deps.Dedup; c != nil {
		hits, misses := c.Stats()
		resp.Dedup = &dedupView{Entries: c.Len(), Hits: hits, Misses: misses}
	}
	if h := s.deps.History; h != nil {
		st := h.Stats()
		resp.History = &st
	}
	s.json(w, http.StatusOK, resp)
}

type submitRequest struct {
	Name     string            `json:"name" validate:"omitempty,max=128"`
	Method   string            `json:"method" validate:"omitempty,oneof=GET HEAD POST PUT PATCH DELETE"`
	URL      string            `json:"url" validate:"required,url"`
	Header   map[string]string `json:"header"`
	Body     string            `json:"body"`
	Priority *float64          `json:"priority"`
	Retries  *int              `json:"retries" validate:"omitempty,gte=0,lte=100"`
	DedupKey string            `json:"dedup_key" validate:"omitempty,max=256"`
}

type submitResponse struct {
	Task         taskView `json:"task"`
	Deduplicated bool     `json:"deduplicated"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.error(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Method = strings.ToUpper(strings.TrimSpace(req.Method))
	if err := validate.Struct(&req); err != nil {
		s.error(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	hreq := httptask.Request{Method: req.Method, URL: req.URL}
	if req.Body != "" {
		hreq.Body = []byte(req.Body)
	}
	if len(req.Header) > 0 {
		hreq.Header = http.Header{}
		for k, v := range req.Header {
			hreq.Header.Set(k, v)
		}
	}

	opts := []engine.ScheduleOption{engine.WithName(req.Name)}
	if req.Priority != nil {
		opts = append(opts, engine.WithPriority(*req.Priority))
	}
	if req.Retries != nil {
		opts = append(opts, engine.WithRetries(*req.Retries))
	}

	t := s.deps.HTTP.Task(hreq)
	var (
		st  *engine.ScheduledTask
		hit bool
	)
	if req.DedupKey != "" && s.deps.Dedup != nil {
		st, hit = s.deps.Dedup.Schedule(s.sched, req.DedupKey, t, opts...)
	} else {
		st = s.sched.Schedule(t, opts...)
	}
	status := http.StatusAccepted
	if hit {
		status = http.StatusOK
	}
	s.json(w, status, submitResponse{Task: viewOf(st), Deduplicated: hit})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*engine.ScheduledTask, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.error(w, r, http.StatusBadRequest, "invalid task id")
		return nil, false
	}
	st, ok := s.tasks.get(id)
	if !ok {
		s.error(w, r, http.StatusNotFound, "task not found")
		return nil, false
	}
	return st, true
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.lookupTask(w, r); ok {
		s.json(w, http.StatusOK, viewOf(st))
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	if err := st.Cancel(); err != nil {
		var se *engine.StateError
		if errors.As(err, &se) {
			s.error(w, r, http.StatusConflict, err.Error())
			return
		}
		s.error(w, r, http.StatusInternalServerError, "cancel failed")
		return
	}
	s.json(w, http.StatusOK, viewOf(st))
}

func (s *Server) listTriggers(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		s.json(w, http.StatusOK, []trigger.Info{})
		return
	}
	s.json(w, http.StatusOK, s.deps.Triggers.Entries())
}

type fireResponse struct {
	Task    taskView `json:"task"`
	Skipped bool     `json:"skipped"`
}

func (s *Server) fireTrigger(w http.ResponseWriter, r *http.Request) {
	if s.deps.Triggers == nil {
		s.error(w, r, http.StatusNotFound, "triggers disabled")
		return
	}
	st, skipped, err := s.deps.Triggers.Fire(chi.URLParam(r, "name"))
	if err != nil {
		if errors.Is(err, trigger.ErrUnknownTrigger) {
			s.error(w, r, http.StatusNotFound, err.Error())
			return
		}
		s.error(w, r, http.StatusInternalServerError, "fire failed")
		return
	}
	status := http.StatusAccepted
	if skipped {
		status = http.StatusOK
	}
	s.json(w, status, fireResponse{Task: viewOf(st), Skipped: skipped})
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.error(w, r, http.StatusServiceUnavailable, "history disabled")
		return
	}
	qv := r.URL.Query()
	q := storage.Query{RunID: qv.Get("run"), Name: qv.Get("name")}
	if v := qv.Get("task_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.error(w, r, http.StatusBadRequest, "invalid task_id")
			return
		}
		q.TaskID = id
	}
	if v := qv.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.error(w, r, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		q.Limit = n
	}
	recs, err := s.deps.History.Recent(r.Context(), q)
	if err != nil {
		s.error(w, r, http.StatusInternalServerError, "history query failed")
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	s.json(w, http.StatusOK, recs)
}
