package scheduler

import (
	"context"
	"errors"

	"chronoflow/internal/domain"
	"chronoflow/internal/events"
)

// dispatchRetries runs pending schedule runs whose backoff has elapsed.
func (s *Service) dispatchRetries(ctx context.Context, st *TickStats) {
	runs, err := s.store.FindDueRetryRuns(ctx, s.now(), s.config().BatchLimit)
	if err != nil {
		st.Errors++
		s.log.Error().Err(err).Msg("failed to get due retries")
		return
	}
	for _, r := range runs {
		sch, err := s.store.GetSchedule(ctx, *r.ScheduleID)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("retry without schedule")
			continue
		}
		job, err := s.jobFor(ctx, r.JobID)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("retry without job")
			continue
		}
		out, err := s.attempt(ctx, sch.Target, r, job)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("retry failed")
			continue
		}
		if out.lost {
			continue
		}
		st.countStatus(out.run.Status)
		if out.retry != nil {
			st.Retried++
		}
	}
}

// sweepMissed closes pending schedule runs that nobody started within the
// miss window. Missed runs are not retried. Job runs waiting for worker
// capacity stay pending.
func (s *Service) sweepMissed(ctx context.Context, st *TickStats) {
	cfg := s.config()
	if cfg.MissWindow <= 0 {
		return
	}
	now := s.now()
	runs, err := s.store.FindPendingBefore(ctx, now.Add(-cfg.MissWindow), cfg.BatchLimit)
	if err != nil {
		st.Errors++
		s.log.Error().Err(err).Msg("failed to get stale runs")
		return
	}
	var evs []events.Event
	for _, r := range runs {
		missed, err := r.MarkMissed(now)
		if err != nil {
			continue
		}
		if err := s.store.TransitionRun(ctx, missed, domain.RunPending); err != nil {
			if !errors.Is(err, domain.ErrVersionConflict) {
				st.Errors++
				s.log.Error().Err(err).Str("run_id", r.ID).Msg("failed to mark run missed")
			}
			continue
		}
		st.Missed++
		evs = append(evs, events.RunEvent(missed, now))
		s.log.Warn().Str("run_id", r.ID).Time("scheduled_at", r.ScheduledAt).Msg("run missed")
	}
	s.publish(ctx, evs...)
}

// recoverOrphans fails runs whose worker stopped heartbeating, and runs a
// scheduler instance abandoned mid-dispatch, and retries them under the job
// policy.
func (s *Service) recoverOrphans(ctx context.Context, st *TickStats) {
	cfg := s.config()
	timeout := cfg.WorkerTimeout
	if timeout <= 0 {
		timeout = domain.DefaultHealthTimeout
	}
	now := s.now()
	orphans, err := s.store.FindOrphanedRuns(ctx, now.Add(-timeout), cfg.BatchLimit)
	if err != nil {
		st.Errors++
		s.log.Error().Err(err).Msg("failed to get orphaned runs")
	}
	s.recoverRuns(ctx, st, orphans, errWorkerLost)

	stalled, err := s.store.FindStalledRuns(ctx, now, cfg.DispatchTimeout, timeout, cfg.BatchLimit)
	if err != nil {
		st.Errors++
		s.log.Error().Err(err).Msg("failed to get stalled runs")
	}
	s.recoverRuns(ctx, st, stalled, errDispatchStalled)
}

func (s *Service) recoverRuns(ctx context.Context, st *TickStats, runs []domain.Run, cause error) {
	for _, r := range runs {
		job, err := s.jobFor(ctx, r.JobID)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("orphan without job")
			continue
		}
		out, err := s.settle(ctx, r, job, cause)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("run_id", r.ID).Msg("failed to recover orphan")
			continue
		}
		if out.lost {
			continue
		}
		st.Recovered++
		st.countStatus(out.run.Status)
		if out.retry != nil {
			st.Retried++
		}
		worker := ""
		if r.WorkerID != nil {
			worker = *r.WorkerID
		}
		s.log.Warn().
			Str("run_id", r.ID).
			Str("worker_id", worker).
			Str("status", string(out.run.Status)).
			Str("cause", cause.Error()).
			Msg("orphaned run recovered")
	}
}
