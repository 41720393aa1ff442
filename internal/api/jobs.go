package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"chronoflow/internal/domain"
)

type jobReq struct {
	Key              string         `json:"key"`
	Queue            string         `json:"queue"`
	Priority         int            `json:"priority"`
	MaxAttempts      int            `json:"max_attempts"`
	Backoff          domain.Backoff `json:"backoff"`
	TimeoutSec       int            `json:"timeout_sec"`
	ConcurrencyLimit *int           `json:"concurrency_limit"`
	SLASec           *int           `json:"sla_sec"`
	Enabled          *bool          `json:"enabled"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req jobReq
	if !decode(w, r, &req) {
		return
	}
	if req.Queue == "" {
		req.Queue = "default"
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = 1
	}
	if req.Backoff.Strategy == "" {
		req.Backoff.Strategy = domain.BackoffFixed
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := s.now()
	job, err := domain.NewJob(domain.Job{
		ID:               domain.NewID(domain.PrefixJob),
		TenantID:         tenantFrom(r),
		Key:              req.Key,
		Queue:            req.Queue,
		Priority:         req.Priority,
		MaxAttempts:      req.MaxAttempts,
		Backoff:          req.Backoff,
		TimeoutSec:       req.TimeoutSec,
		ConcurrencyLimit: req.ConcurrencyLimit,
		SLASec:           req.SLASec,
		Enabled:          enabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("job_id", job.ID).Str("job_key", job.Key).Msg("job created")
	writeJSON(w, http.StatusCreated, toJobView(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.FindJobByKey(r.Context(), tenantFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(job))
}

func (s *Server) toggleJob(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.store.FindJobByKey(r.Context(), tenantFrom(r), chi.URLParam(r, "key"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if job.Enabled != enabled {
			expected := job.Version
			if enabled {
				job = job.Enable(s.now())
			} else {
				job = job.Disable(s.now())
			}
			if err := s.store.SaveJob(r.Context(), job, expected); err != nil {
				s.fail(w, r, err)
				return
			}
		}
		writeJSON(w, http.StatusOK, toJobView(job))
	}
}

type enqueueReq struct {
	Payload   json.RawMessage `json:"payload"`
	DedupeKey string          `json:"dedupe_key"`
	NotBefore *time.Time      `json:"not_before"`
	// Assign pushes the run to a worker right away instead of waiting for a poll.
	Assign bool `json:"assign"`
}

// enqueueJob answers 202 for a new run and 200 when the dedupe key matched an
// existing one.
func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	tenant, key := tenantFrom(r), chi.URLParam(r, "key")
	run, inserted, err := s.sched.EnqueueJob(r.Context(), tenant, key, req.Payload, req.DedupeKey, req.NotBefore)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !inserted {
		writeJSON(w, http.StatusOK, toRunView(run))
		return
	}
	if req.Assign && s.assigner != nil && !run.ScheduledAt.After(s.now()) {
		run = s.assign(r, run, tenant, key)
	}
	writeJSON(w, http.StatusAccepted, toRunView(run))
}

// assign tries a push assignment. Failure is not an error for the caller: the
// run stays pending and a worker pool picks it up.
func (s *Server) assign(r *http.Request, run domain.Run, tenant, key string) domain.Run {
	ctx := r.Context()
	logger := s.log.With().Str("run_id", run.ID).Str("job_key", key).Logger()
	job, err := s.store.FindJobByKey(ctx, tenant, key)
	if err != nil {
		logger.Warn().Err(err).Msg("assign skipped")
		return run
	}
	wk, err := s.assigner.Assign(ctx, run, job)
	if errors.Is(err, domain.ErrCapacityExhausted) {
		logger.Debug().Msg("no worker capacity, run left pending")
		return run
	}
	if err != nil {
		logger.Warn().Err(err).Msg("assign failed")
		return run
	}
	logger.Info().Str("worker_id", wk.ID).Msg("run assigned")
	if assigned, err := s.store.GetRun(ctx, run.ID); err == nil {
		return assigned
	}
	return run
}
