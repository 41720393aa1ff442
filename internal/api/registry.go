package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chronoflow/internal/domain"
)

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	tenant, now := tenantFrom(r), s.now()
	out := make([]workerView, 0, len(workers))
	for _, wk := range workers {
		// shared workers have no tenant
		if wk.TenantID != nil && *wk.TenantID != tenant {
			continue
		}
		out = append(out, workerView{
			ID:           wk.ID,
			Name:         wk.Name,
			Status:       wk.Status,
			Healthy:      wk.IsHealthy(now, s.healthTimeout),
			Capabilities: wk.Capabilities,
			MaxParallel:  wk.MaxParallel,
			CurrentJobs:  wk.CurrentJobs,
			Utilization:  wk.UtilizationPercentage(),
			HeartbeatAt:  wk.HeartbeatAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type calendarReq struct {
	Name         string               `json:"name"`
	Holidays     []string             `json:"holidays"`
	BusinessDays *domain.BusinessDays `json:"business_days"`
}

// putCalendar creates or replaces the calendar in the URL. Omitted business
// days mean Monday to Friday.
func (s *Server) putCalendar(w http.ResponseWriter, r *http.Request) {
	var req calendarReq
	if !decode(w, r, &req) {
		return
	}
	tenant, key := tenantFrom(r), chi.URLParam(r, "key")
	id := domain.NewID(domain.PrefixCalendar)
	existing, err := s.store.FindCalendarByKey(r.Context(), tenant, key)
	switch {
	case err == nil:
		id = existing.ID
	case !errors.Is(err, domain.ErrNotFound):
		s.fail(w, r, err)
		return
	}
	days := domain.WeekdaysOnly
	if req.BusinessDays != nil {
		days = *req.BusinessDays
	}
	cal, err := domain.NewCalendar(id, tenant, key, req.Name, req.Holidays, days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpsertCalendar(r.Context(), cal, s.now()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info().Str("calendar", key).Int("holidays", len(cal.Holidays())).Msg("calendar stored")
	writeJSON(w, http.StatusOK, toCalendarView(cal))
}

func (s *Server) getCalendar(w http.ResponseWriter, r *http.Request) {
	cal, err := s.store.FindCalendarByKey(r.Context(), tenantFrom(r), chi.URLParam(r, "key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCalendarView(cal))
}
