// Package api is the admin HTTP surface: schedules, jobs, runs, workers and
// calendars of the tenant named by the X-Tenant-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chronoflow/internal/domain"
	"chronoflow/internal/scheduler"
)

// TenantHeader selects the tenant every /api request acts on.
const TenantHeader = "X-Tenant-ID"

// Scheduler is the command side. *scheduler.Service implements it.
type Scheduler interface {
	CreateSchedule(ctx context.Context, sch domain.Schedule) (domain.Schedule, error)
	ValidateSchedule(sch domain.Schedule) scheduler.ValidationResult
	SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) (domain.Schedule, error)
	EnqueueJob(ctx context.Context, tenantID, jobKey string, payload json.RawMessage, dedupeKey string, notBefore *time.Time) (domain.Run, bool, error)
	Stats() scheduler.TickStats
}

// Store is the read side plus job and calendar definitions. *store.Store implements it.
type Store interface {
	Ping(ctx context.Context) error

	ListSchedules(ctx context.Context, tenantID string) ([]domain.Schedule, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListRunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error)
	GetRun(ctx context.Context, id string) (domain.Run, error)

	CreateJob(ctx context.Context, j domain.Job) error
	FindJobByKey(ctx context.Context, tenantID, key string) (domain.Job, error)
	SaveJob(ctx context.Context, j domain.Job, expectedVersion int) error

	ListWorkers(ctx context.Context) ([]domain.Worker, error)

	UpsertCalendar(ctx context.Context, c domain.Calendar, now time.Time) error
	FindCalendarByKey(ctx context.Context, tenantID, key string) (domain.Calendar, error)
}

// Assigner pushes a fresh job run to a worker. *worker.Assigner implements it.
type Assigner interface {
	Assign(ctx context.Context, run domain.Run, job domain.Job) (domain.Worker, error)
}

type Option func(*Server)

// WithAssigner enables "assign": true on enqueue requests.
func WithAssigner(a Assigner) Option {
	return func(s *Server) { s.assigner = a }
}

// WithDebug mounts the pprof handlers under /debug/pprof.
func WithDebug(on bool) Option {
	return func(s *Server) { s.debug = on }
}

// WithWorkerTimeout sets how old a heartbeat may be for a worker to be listed healthy.
func WithWorkerTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.healthTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type Server struct {
	r             *chi.Mux
	sched         Scheduler
	store         Store
	assigner      Assigner
	debug         bool
	healthTimeout time.Duration
	now           func() time.Time
	log           zerolog.Logger
}

func NewServer(sched Scheduler, st Store, opts ...Option) http.Handler {
	s := &Server{
		r:             chi.NewRouter(),
		sched:         sched,
		store:         st,
		healthTimeout: domain.DefaultHealthTimeout,
		now:           time.Now,
		log:           log.With().Str("component", "api").Logger(),
	}
	for _, o := range opts {
		o(s)
	}

	r := s.r
	accessLog := middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: &s.log, NoColor: true})
	r.Use(middleware.RequestID, middleware.RealIP, accessLog, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireTenant)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules/validate", s.validateSchedule)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Post("/schedules/{id}/enable", s.toggleSchedule(true))
		r.Post("/schedules/{id}/disable", s.toggleSchedule(false))
		r.Get("/schedules/{id}/runs", s.scheduleRuns)

		r.Post("/jobs", s.createJob)
		r.Get("/jobs/{key}", s.getJob)
		r.Post("/jobs/{key}/enable", s.toggleJob(true))
		r.Post("/jobs/{key}/disable", s.toggleJob(false))
		r.Post("/jobs/{key}/runs", s.enqueueJob)

		r.Get("/runs/{id}", s.getRun)
		r.Get("/workers", s.listWorkers)

		r.Put("/calendars/{key}", s.putCalendar)
		r.Get("/calendars/{key}", s.getCalendar)
	})

	if s.debug {
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

type ctxKey string

const ctxKeyTenant ctxKey = "tenant"

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get(TenantHeader)
		if tenant == "" {
			writeErrors(w, http.StatusBadRequest, TenantHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyTenant, tenant)))
	})
}

func tenantFrom(r *http.Request) string {
	t, _ := r.Context().Value(ctxKeyTenant).(string)
	return t
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st := s.sched.Stats()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "chronoflow_up 1")
	for _, c := range []struct {
		name string
		v    int
	}{
		{"chronoflow_fires_total", st.Fired},
		{"chronoflow_duplicate_fires_total", st.Duplicates},
		{"chronoflow_skipped_fires_total", st.Skipped},
		{"chronoflow_runs_succeeded_total", st.Succeeded},
		{"chronoflow_runs_failed_total", st.Failed},
		{"chronoflow_runs_dead_total", st.Dead},
		{"chronoflow_runs_retried_total", st.Retried},
		{"chronoflow_runs_missed_total", st.Missed},
		{"chronoflow_runs_recovered_total", st.Recovered},
		{"chronoflow_tick_errors_total", st.Errors},
	} {
		fmt.Fprintf(w, "%s %d\n", c.name, c.v)
	}
}

type errorsResp struct {
	Errors []string `json:"errors"`
}

func writeErrors(w http.ResponseWriter, code int, msgs ...string) {
	writeJSON(w, code, errorsResp{Errors: msgs})
}

// fail maps domain errors onto status codes. Anything unexpected is logged
// and reported as 500 without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorsResp{Errors: verr.Problems})
	case errors.Is(err, domain.ErrNotFound):
		writeErrors(w, http.StatusNotFound, "not found")
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrVersionConflict):
		writeErrors(w, http.StatusConflict, err.Error())
	default:
		s.log.Error().Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
		writeErrors(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrors(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
