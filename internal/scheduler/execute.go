package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chronoflow/internal/dispatch"
	"chronoflow/internal/domain"
	"chronoflow/internal/events"
)

var (
	errWorkerLost      = errors.New("worker lost")
	errDispatchStalled = errors.New("dispatch abandoned")
)

// maxAdvanceAttempts bounds reloads of a schedule that keeps moving under a
// concurrent writer.
const maxAdvanceAttempts = 5

// ExecutionResult describes what ExecuteSchedule did with one due schedule.
type ExecutionResult struct {
	RunID      string           `json:"run_id,omitempty"`
	Status     domain.RunStatus `json:"status,omitempty"`
	Duplicate  bool             `json:"duplicate,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
	RetryRunID string           `json:"retry_run_id,omitempty"`
	NextFireAt *time.Time       `json:"next_fire_at,omitempty"`
}

// Err reports a fire event another instance already recorded as
// ErrDuplicateFireEvent; it is nil for every other result.
func (r ExecutionResult) Err() error {
	if r.Duplicate {
		return domain.ErrDuplicateFireEvent
	}
	return nil
}

func (t *TickStats) count(r ExecutionResult) {
	switch {
	case r.Duplicate:
		t.Duplicates++
		return
	case r.Skipped:
		t.Skipped++
		return
	}
	t.Fired++
	t.countStatus(r.Status)
	if r.RetryRunID != "" {
		t.Retried++
	}
}

func (t *TickStats) countStatus(s domain.RunStatus) {
	switch s {
	case domain.RunSucceeded:
		t.Succeeded++
	case domain.RunFailed:
		t.Failed++
	case domain.RunDead:
		t.Dead++
	case domain.RunMissed:
		t.Missed++
	}
}

// GetSchedulesReadyForExecution returns enabled schedules due now, earliest first.
func (s *Service) GetSchedulesReadyForExecution(ctx context.Context, limit int) ([]domain.Schedule, error) {
	return s.store.FindDueSchedules(ctx, s.now(), limit)
}

// CalculateNextFireTime resolves the schedule calendar and computes the next
// fire time relative to the current clock.
func (s *Service) CalculateNextFireTime(ctx context.Context, sch domain.Schedule) (*time.Time, error) {
	cal, err := s.calendarFor(ctx, sch)
	if err != nil {
		return nil, err
	}
	return NextFireTime(sch, cal, s.now())
}

// ExecuteSchedule fires one due schedule: it records the fire event under its
// dedupe key, dispatches the target, settles the run and advances the
// schedule. A fire event already recorded by another instance is reported as
// a duplicate and not dispatched again.
func (s *Service) ExecuteSchedule(ctx context.Context, sch domain.Schedule) (ExecutionResult, error) {
	now := s.now()
	logger := s.log.With().Str("schedule_id", sch.ID).Str("tenant_id", sch.TenantID).Logger()

	if !sch.IsDue(now) {
		return ExecutionResult{Skipped: true, NextFireAt: sch.NextFireAt}, nil
	}
	cal, err := s.calendarFor(ctx, sch)
	if err != nil {
		return ExecutionResult{}, err
	}
	fireAt := *sch.NextFireAt

	if !sch.ShouldFire(now, cal) {
		logger.Debug().Time("fire_at", fireAt).Msg("non-working day, fire skipped")
		next, err := s.skip(ctx, sch, cal, fireAt)
		return ExecutionResult{Skipped: true, NextFireAt: next}, err
	}

	job, err := s.jobFor(ctx, sch.JobID)
	if err != nil {
		return ExecutionResult{}, err
	}
	if job != nil && !job.Enabled {
		logger.Debug().Str("job_id", job.ID).Msg("job disabled, fire skipped")
		next, err := s.skip(ctx, sch, cal, fireAt)
		return ExecutionResult{Skipped: true, NextFireAt: next}, err
	}

	scheduleID := sch.ID
	key := sch.DedupeKey(fireAt)
	run := domain.NewRun(domain.NewID(domain.PrefixRun), sch.TenantID, fireAt, now)
	run.ScheduleID = &scheduleID
	run.JobID = sch.JobID
	run.DedupeKey = &key
	run.Payload = sch.Payload

	stored, inserted, err := s.store.InsertRunIfAbsent(ctx, run)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("record fire event %s: %w", key, err)
	}
	if !inserted {
		logger.Debug().Err(domain.ErrDuplicateFireEvent).Str("dedupe_key", key).Str("run_id", stored.ID).Msg("duplicate fire event")
		res := ExecutionResult{RunID: stored.ID, Status: stored.Status, Duplicate: true, NextFireAt: sch.NextFireAt}
		if sch.Trigger.Type == domain.TriggerFixedDelay && !stored.IsTerminal() {
			// the instance running the fire re-arms from its completion
			return res, nil
		}
		var done *time.Time
		if stored.IsTerminal() {
			done = stored.FinishedAt
		}
		res.NextFireAt, err = s.advance(ctx, sch, cal, fireAt, done)
		return res, err
	}

	var out outcome
	if s.misfired(sch, fireAt, now) {
		out, err = s.miss(ctx, stored)
		logger.Warn().Time("fire_at", fireAt).Str("run_id", stored.ID).Msg("fire outside miss window, run missed")
	} else {
		out, err = s.attempt(ctx, sch.Target, stored, job)
	}
	if err != nil {
		return ExecutionResult{RunID: stored.ID}, err
	}

	var done *time.Time
	if out.run.Status == domain.RunSucceeded || out.run.Status == domain.RunFailed || out.run.Status == domain.RunDead {
		done = out.run.FinishedAt
	}
	next, err := s.advance(ctx, sch, cal, fireAt, done)
	res := ExecutionResult{RunID: stored.ID, Status: out.run.Status, NextFireAt: next}
	if out.retry != nil {
		res.RetryRunID = out.retry.ID
	}
	logger.Info().
		Str("run_id", stored.ID).
		Str("status", string(out.run.Status)).
		Time("fire_at", fireAt).
		Interface("next_fire_at", next).
		Msg("schedule fired")
	return res, err
}

// misfired reports a fire instant too old to honour. FIXED_DELAY schedules
// have no fixed instants and always run late instead.
func (s *Service) misfired(sch domain.Schedule, fireAt, now time.Time) bool {
	if sch.Trigger.Type == domain.TriggerFixedDelay {
		return false
	}
	window := s.config().MissWindow
	return window > 0 && now.Sub(fireAt) > window
}

// advance records the fire and stores the next fire time. When another
// instance moved the schedule first, the stored row is reloaded and the fire
// is applied again only if that row still lacks it or, for FIXED_DELAY, its
// completion.
func (s *Service) advance(ctx context.Context, sch domain.Schedule, cal domain.Calendar, fireAt time.Time, done *time.Time) (*time.Time, error) {
	for i := 0; i < maxAdvanceAttempts; i++ {
		now := s.now()
		updated := sch.UpdateLastFire(fireAt, now)
		if done != nil {
			updated = updated.RecordCompletion(*done, now)
		}
		next, err := NextFireTime(updated, cal, now)
		if err != nil {
			return nil, err
		}
		err = s.store.SaveSchedule(ctx, updated.UpdateNextFire(next, now), sch.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) {
			return nil, fmt.Errorf("save schedule %s: %w", sch.ID, err)
		}
		current, err := s.store.GetSchedule(ctx, sch.ID)
		if err != nil {
			return nil, fmt.Errorf("reload schedule %s: %w", sch.ID, err)
		}
		if !missingFire(current, fireAt, done) {
			s.log.Debug().Str("schedule_id", sch.ID).Msg("schedule advanced concurrently")
			return current.NextFireAt, nil
		}
		sch = current
	}
	return nil, fmt.Errorf("advance schedule %s: %w", sch.ID, domain.ErrVersionConflict)
}

// missingFire reports whether the stored schedule has not yet recorded the
// fire at fireAt, or the completion a FIXED_DELAY schedule re-arms from.
func missingFire(cur domain.Schedule, fireAt time.Time, done *time.Time) bool {
	if cur.LastFireAt == nil || cur.LastFireAt.Before(fireAt) {
		return true
	}
	if done == nil || cur.Trigger.Type != domain.TriggerFixedDelay || !cur.LastFireAt.Equal(fireAt) {
		return false
	}
	return cur.LastCompletedAt == nil || cur.LastCompletedAt.Before(*done)
}

// skip moves a due schedule forward without recording a fire.
func (s *Service) skip(ctx context.Context, sch domain.Schedule, cal domain.Calendar, fireAt time.Time) (*time.Time, error) {
	now := s.now()
	next, err := skipNext(sch, cal, fireAt, now)
	if err != nil {
		return nil, err
	}
	return next, s.save(ctx, sch.UpdateNextFire(next, now), sch.Version)
}

func (s *Service) save(ctx context.Context, sch domain.Schedule, expected int) error {
	err := s.store.SaveSchedule(ctx, sch, expected)
	if errors.Is(err, domain.ErrVersionConflict) {
		s.log.Debug().Str("schedule_id", sch.ID).Msg("schedule advanced concurrently")
		return nil
	}
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sch.ID, err)
	}
	return nil
}

// outcome is the settled state of one attempt and the retry it spawned, if any.
type outcome struct {
	run   domain.Run
	retry *domain.Run
	lost  bool
}

// attempt claims a pending run, invokes the target under the job timeout and
// settles the run.
func (s *Service) attempt(ctx context.Context, target domain.Target, run domain.Run, job *domain.Job) (outcome, error) {
	started, err := run.Start("", s.now())
	if err != nil {
		return s.illegal(ctx, run, err)
	}
	if err := s.store.TransitionRun(ctx, started, domain.RunPending); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			// claimed elsewhere
			return outcome{run: run, lost: true}, nil
		}
		return outcome{}, fmt.Errorf("start run %s: %w", run.ID, err)
	}

	timeout := s.config().DispatchTimeout
	if job != nil && job.TimeoutSec > 0 {
		timeout = job.Timeout()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	env := dispatch.Envelope{
		TenantID: run.TenantID,
		RunID:    run.ID,
		FireAt:   run.ScheduledAt,
		Attempt:  run.Attempt,
		Payload:  run.Payload,
	}
	if run.ScheduleID != nil {
		env.ScheduleID = *run.ScheduleID
	}
	_, derr := s.dispatcher.Dispatch(dctx, target, env)
	cancel()
	if derr != nil {
		s.log.Warn().Err(derr).Str("run_id", run.ID).Int("attempt", run.Attempt).Msg("dispatch failed")
	}
	return s.settle(ctx, started, job, derr)
}

// settle finishes a running run. A failure with attempts left under job
// spawns the next attempt; a failure with none left marks the run dead.
func (s *Service) settle(ctx context.Context, running domain.Run, job *domain.Job, cause error) (outcome, error) {
	now := s.now()
	var (
		next  domain.Run
		retry *domain.Run
		err   error
	)
	switch {
	case cause == nil:
		next, err = running.Succeed(now)
	case job == nil:
		next, err = running.Fail(cause.Error(), now)
	default:
		next, err = running.Fail(cause.Error(), now)
		if err == nil && next.CanRetry(*job) {
			r, rerr := next.NextAttempt(domain.NewID(domain.PrefixRun), *job, now)
			if rerr != nil {
				return s.illegal(ctx, running, rerr)
			}
			retry = &r
		} else if err == nil {
			next, err = running.MarkDead(cause.Error(), now)
		}
	}
	if err != nil {
		return s.illegal(ctx, running, err)
	}
	if err := s.store.TransitionRun(ctx, next, domain.RunRunning); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return outcome{run: running, lost: true}, nil
		}
		return outcome{}, fmt.Errorf("settle run %s: %w", running.ID, err)
	}
	if retry != nil {
		stored, _, err := s.store.InsertRunIfAbsent(ctx, *retry)
		if err != nil {
			return outcome{run: next}, fmt.Errorf("schedule retry of %s: %w", running.ID, err)
		}
		retry = &stored
		s.log.Info().
			Str("run_id", running.ID).
			Str("retry_run_id", stored.ID).
			Int("attempt", stored.Attempt).
			Time("not_before", stored.ScheduledAt).
			Msg("retry scheduled")
	}

	s.publish(ctx, events.RunEvent(next, now))
	if job != nil && running.StartedAt != nil {
		if err := job.CheckSLA(*running.StartedAt, next.FinishedAt, now); err != nil {
			s.log.Warn().Err(err).Str("run_id", running.ID).Msg("sla violated")
			s.publish(ctx, events.SLAEvent(next, *job, err, now))
		}
	}
	return outcome{run: next, retry: retry}, nil
}

// miss closes a pending run that can no longer start in time.
func (s *Service) miss(ctx context.Context, run domain.Run) (outcome, error) {
	missed, err := run.MarkMissed(s.now())
	if err != nil {
		return s.illegal(ctx, run, err)
	}
	if err := s.store.TransitionRun(ctx, missed, domain.RunPending); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return outcome{run: run, lost: true}, nil
		}
		return outcome{}, fmt.Errorf("miss run %s: %w", run.ID, err)
	}
	s.publish(ctx, events.RunEvent(missed, s.now()))
	return outcome{run: missed}, nil
}

// illegal handles a state machine misuse. Outside production it is a bug and
// panics; in production the run is parked as dead.
func (s *Service) illegal(ctx context.Context, run domain.Run, cause error) (outcome, error) {
	if s.strict {
		s.log.Panic().Err(cause).Str("run_id", run.ID).Msg("illegal run transition")
	}
	s.log.Error().Err(cause).Str("run_id", run.ID).Msg("illegal run transition, marking run dead")
	dead, err := run.MarkDead(cause.Error(), s.now())
	if err != nil {
		// already terminal; nothing left to park
		return outcome{run: run}, nil
	}
	if err := s.store.TransitionRun(ctx, dead, run.Status); err != nil && !errors.Is(err, domain.ErrVersionConflict) {
		return outcome{}, err
	}
	s.publish(ctx, events.RunEvent(dead, s.now()))
	return outcome{run: dead}, nil
}

func (s *Service) jobFor(ctx context.Context, id *string) (*domain.Job, error) {
	if id == nil {
		return nil, nil
	}
	j, err := s.store.GetJob(ctx, *id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", *id, err)
	}
	return &j, nil
}

// calendarFor resolves the holiday calendar of a schedule. An unknown
// holidays code falls back to the Monday to Friday calendar.
func (s *Service) calendarFor(ctx context.Context, sch domain.Schedule) (domain.Calendar, error) {
	if sch.Calendar == nil || sch.Calendar.HolidaysCode == "" {
		return domain.DefaultCalendar(), nil
	}
	cal, err := s.store.FindCalendarByKey(ctx, sch.TenantID, sch.Calendar.HolidaysCode)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn().
			Str("schedule_id", sch.ID).
			Str("holidays_code", sch.Calendar.HolidaysCode).
			Msg("calendar not found, using weekdays")
		return domain.DefaultCalendar(), nil
	}
	return cal, err
}

func (s *Service) publish(ctx context.Context, es ...events.Event) {
	if s.events == nil || len(es) == 0 {
		return
	}
	var err error
	if len(es) == 1 {
		err = s.events.Publish(ctx, es[0])
	} else {
		err = s.events.PublishBatch(ctx, es)
	}
	if err != nil {
		s.log.Warn().Err(err).Int("events", len(es)).Msg("lifecycle event not published")
	}
}
