package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chronoflow/internal/domain"
)

// ValidationResult is the outcome of a dry-run schedule check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateSchedule checks a definition without storing it.
func (s *Service) ValidateSchedule(sch domain.Schedule) ValidationResult {
	err := sch.Validate()
	if err == nil {
		return ValidationResult{Valid: true, Errors: []string{}}
	}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return ValidationResult{Errors: verr.Problems}
	}
	return ValidationResult{Errors: []string{err.Error()}}
}

// CreateSchedule validates sch, computes its first fire time and stores it.
func (s *Service) CreateSchedule(ctx context.Context, sch domain.Schedule) (domain.Schedule, error) {
	now := s.now()
	if sch.ID == "" {
		sch.ID = domain.NewID(domain.PrefixSchedule)
	}
	sch.CreatedAt, sch.UpdatedAt = now, now
	sch.NextFireAt, sch.LastFireAt, sch.LastCompletedAt = nil, nil, nil
	sch.Version = 0

	sch, err := domain.NewSchedule(sch)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sch.JobID != nil {
		job, err := s.store.GetJob(ctx, *sch.JobID)
		if errors.Is(err, domain.ErrNotFound) || (err == nil && job.TenantID != sch.TenantID) {
			return domain.Schedule{}, &domain.ValidationError{Problems: []string{fmt.Sprintf("job %s does not exist", *sch.JobID)}}
		}
		if err != nil {
			return domain.Schedule{}, err
		}
	}
	next, err := s.CalculateNextFireTime(ctx, sch)
	if errors.Is(err, domain.ErrCalendarConfig) {
		return domain.Schedule{}, &domain.ValidationError{Problems: []string{err.Error()}}
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.NextFireAt = next
	if err := s.store.CreateSchedule(ctx, sch); err != nil {
		return domain.Schedule{}, err
	}
	s.log.Info().
		Str("schedule_id", sch.ID).
		Str("tenant_id", sch.TenantID).
		Str("name", sch.Name).
		Interface("next_fire_at", next).
		Msg("schedule created")
	return sch, nil
}

// SetScheduleEnabled enables or disables a schedule of tenantID. Enabling
// re-arms from now, so occurrences of the disabled period are not replayed.
func (s *Service) SetScheduleEnabled(ctx context.Context, tenantID, id string, enabled bool) (domain.Schedule, error) {
	sch, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.Schedule{}, err
	}
	if sch.TenantID != tenantID {
		return domain.Schedule{}, domain.ErrNotFound
	}
	if sch.Enabled == enabled {
		return sch, nil
	}

	now := s.now()
	expected := sch.Version
	if enabled {
		cal, err := s.calendarFor(ctx, sch)
		if err != nil {
			return domain.Schedule{}, err
		}
		ref := now
		if sch.LastFireAt != nil && sch.LastFireAt.After(now) {
			ref = *sch.LastFireAt
		}
		next, err := nextAfter(sch, cal, ref, now)
		if err != nil {
			return domain.Schedule{}, err
		}
		sch = sch.Enable(now).UpdateNextFire(next, now)
	} else {
		sch = sch.Disable(now)
	}
	if err := s.store.SaveSchedule(ctx, sch, expected); err != nil {
		return domain.Schedule{}, err
	}
	s.log.Info().Str("schedule_id", id).Bool("enabled", enabled).Msg("schedule toggled")
	return sch, nil
}

// EnqueueJob creates a pending run of the job with key jobKey for the worker
// pool. A non-empty dedupeKey makes the call idempotent per job; the bool
// result reports whether a new run was created.
func (s *Service) EnqueueJob(ctx context.Context, tenantID, jobKey string, payload json.RawMessage, dedupeKey string, notBefore *time.Time) (domain.Run, bool, error) {
	job, err := s.store.FindJobByKey(ctx, tenantID, jobKey)
	if err != nil {
		return domain.Run{}, false, err
	}
	if !job.Enabled {
		return domain.Run{}, false, fmt.Errorf("job %s is disabled: %w", jobKey, domain.ErrConflict)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return domain.Run{}, false, &domain.ValidationError{Problems: []string{"payload is not valid json"}}
	}

	now := s.now()
	at := now
	if notBefore != nil && notBefore.After(now) {
		at = *notBefore
	}
	run := domain.NewRun(domain.NewID(domain.PrefixRun), tenantID, at, now)
	run.JobID = &job.ID
	run.Payload = payload
	if dedupeKey != "" {
		k := "job:" + job.ID + ":" + dedupeKey
		run.DedupeKey = &k
	}
	stored, inserted, err := s.store.InsertRunIfAbsent(ctx, run)
	if err != nil {
		return domain.Run{}, false, err
	}
	if inserted {
		s.log.Debug().Str("run_id", stored.ID).Str("job_key", jobKey).Msg("job enqueued")
	}
	return stored, inserted, nil
}
