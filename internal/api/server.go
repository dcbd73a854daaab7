// Package api serves the operations view: task state, run history, manual
// triggers and plain-text gauges.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"cronflow/internal/batcher"
	"cronflow/internal/domain"
	"cronflow/internal/scheduler"
	"cronflow/internal/store"
	"cronflow/internal/worker"
)

// Tasks is the read side of the registry.
type Tasks interface {
	List(ctx context.Context) ([]domain.ScheduledTask, error)
	Get(ctx context.Context, name string) (domain.ScheduledTask, error)
	Runs(ctx context.Context, name string, limit int) ([]domain.TaskRun, error)
}

type Scheduler interface {
	Trigger(ctx context.Context, name string) error
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Snapshot() scheduler.Snapshot
}

type Deps struct {
	Tasks     Tasks
	Scheduler Scheduler
	// Optional gauges.
	Pool    func() worker.Stats
	Batcher func() batcher.Stats
	Log     zerolog.Logger
	Debug   bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
	log  zerolog.Logger
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, deps: deps, log: deps.Log.With().Str("comp", "api").Logger()}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLog, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/scheduler", s.schedulerState)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{name}", s.getTask)
	r.Get("/api/tasks/{name}/runs", s.listRuns)
	r.Post("/api/tasks/{name}/run", s.triggerTask)
	r.Put("/api/tasks/{name}/enabled", s.setEnabled)

	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}

	var b strings.Builder
	b.WriteString("cronflow_up 1\n")
	fmt.Fprintf(&b, "cronflow_tasks %d\n", len(tasks))
	byStatus := map[domain.RunStatus]int{}
	for _, t := range tasks {
		byStatus[t.LastRunStatus]++
	}
	for _, st := range []domain.RunStatus{domain.StatusNever, domain.StatusRunning, domain.StatusSuccess, domain.StatusFailed} {
		fmt.Fprintf(&b, "cronflow_tasks_by_status{status=%q} %d\n", st, byStatus[st])
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "cronflow_task_next_run_seconds{task=%q} %d\n", t.Name, t.NextRunAt.Unix())
	}
	snap := s.deps.Scheduler.Snapshot()
	fmt.Fprintf(&b, "cronflow_runs_in_flight %d\n", len(snap.Running))

	if s.deps.Pool != nil {
		ps := s.deps.Pool()
		fmt.Fprintf(&b, "cronflow_pool_concurrency %d\n", ps.Concurrency)
		fmt.Fprintf(&b, "cronflow_pool_in_flight %d\n", ps.InFlight)
		fmt.Fprintf(&b, "cronflow_pool_queued %d\n", ps.Queued)
		fmt.Fprintf(&b, "cronflow_pool_peak_in_flight %d\n", ps.PeakInFlight)
		fmt.Fprintf(&b, "cronflow_pool_items_total{outcome=\"success\"} %d\n", ps.Succeeded)
		fmt.Fprintf(&b, "cronflow_pool_items_total{outcome=\"failure\"} %d\n", ps.Failed)
	}
	if s.deps.Batcher != nil {
		bs := s.deps.Batcher()
		fmt.Fprintf(&b, "cronflow_batcher_pending %d\n", bs.Pending)
		fmt.Fprintf(&b, "cronflow_batcher_in_flight %d\n", bs.InFlight)
		fmt.Fprintf(&b, "cronflow_batcher_batches_total %d\n", bs.Batches)
		fmt.Fprintf(&b, "cronflow_batcher_requests_total{outcome=\"success\"} %d\n", bs.Succeeded)
		fmt.Fprintf(&b, "cronflow_batcher_requests_total{outcome=\"failure\"} %d\n", bs.Failed)
		fmt.Fprintf(&b, "cronflow_batcher_requests_total{outcome=\"timeout\"} %d\n", bs.TimedOut)
		fmt.Fprintf(&b, "cronflow_batcher_requests_total{outcome=\"cancelled\"} %d\n", bs.Cancelled)
		fmt.Fprintf(&b, "cronflow_batcher_requests_total{outcome=\"rejected\"} %d\n", bs.Rejected)
	}

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func (s *Server) schedulerState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.Snapshot())
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.deps.Tasks.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if tasks == nil {
		tasks = []domain.ScheduledTask{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if _, err := s.deps.Tasks.Get(r.Context(), name); err != nil {
		s.fail(w, err)
		return
	}
	runs, err := s.deps.Tasks.Runs(r.Context(), name, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []domain.TaskRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) triggerTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// The run outlives the request.
	if err := s.deps.Scheduler.Trigger(context.WithoutCancel(r.Context()), name); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "status": "triggered"})
}

type enabledReq struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Enabled == nil {
		http.Error(w, "enabled is required", http.StatusBadRequest)
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.deps.Scheduler.SetEnabled(r.Context(), name, *req.Enabled); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": name, "enabled": *req.Enabled})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		http.Error(w, "task is already running", http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
