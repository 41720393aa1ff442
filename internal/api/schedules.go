package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chronoflow/internal/domain"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

type scheduleReq struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	TZ          string              `json:"tz"`
	Trigger     domain.Trigger      `json:"trigger"`
	Target      domain.Target       `json:"target"`
	Payload     json.RawMessage     `json:"payload"`
	Calendar    *domain.CalendarRef `json:"calendar"`
	JobKey      string              `json:"job_key"`
	Enabled     *bool               `json:"enabled"`
}

func (req scheduleReq) schedule(tenant string) domain.Schedule {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return domain.Schedule{
		TenantID:    tenant,
		Name:        req.Name,
		Description: req.Description,
		TZ:          req.TZ,
		Trigger:     req.Trigger,
		Target:      req.Target,
		Payload:     req.Payload,
		Calendar:    req.Calendar,
		Enabled:     enabled,
	}
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	tenant := tenantFrom(r)
	sch := req.schedule(tenant)
	if req.JobKey != "" {
		job, err := s.store.FindJobByKey(r.Context(), tenant, req.JobKey)
		if errors.Is(err, domain.ErrNotFound) {
			writeErrors(w, http.StatusBadRequest, "job "+req.JobKey+" does not exist")
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		sch.JobID = &job.ID
	}
	created, err := s.sched.CreateSchedule(r.Context(), sch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleView(created))
}

func (s *Server) validateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if !decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.sched.ValidateSchedule(req.schedule(tenantFrom(r))))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context(), tenantFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, toScheduleView(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

// tenantSchedule loads the schedule in the URL; other tenants' schedules are 404.
func (s *Server) tenantSchedule(w http.ResponseWriter, r *http.Request) (domain.Schedule, bool) {
	sch, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err == nil && sch.TenantID != tenantFrom(r) {
		err = domain.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return domain.Schedule{}, false
	}
	return sch, true
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.tenantSchedule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toScheduleView(sch))
}

func (s *Server) toggleSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sch, err := s.sched.SetScheduleEnabled(r.Context(), tenantFrom(r), chi.URLParam(r, "id"), enabled)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toScheduleView(sch))
	}
}

func (s *Server) scheduleRuns(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.tenantSchedule(w, r)
	if !ok {
		return
	}
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeErrors(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunLimit)
	}
	runs, err := s.store.ListRunsForSchedule(r.Context(), sch.ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunViews(runs))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err == nil && run.TenantID != tenantFrom(r) {
		err = domain.ErrNotFound
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}
