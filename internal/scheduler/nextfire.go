package scheduler

import (
	"fmt"
	"time"

	"chronoflow/internal/domain"
)

// maxCalendarJumps bounds the search for an occurrence on a working day. Each
// jump skips at least one whole day, so a trigger that only matches
// non-working days fails after roughly ten years instead of spinning.
const maxCalendarJumps = 3660

// NextFireTime computes when s fires next. CRON and RRULE look strictly after
// lastFireAt (or now when the schedule never fired); FIXED_DELAY re-arms from
// the last completion; ONE_SHOT fires once at startAt. A nil result means the
// schedule has no future occurrence and stays dormant.
func NextFireTime(s domain.Schedule, cal domain.Calendar, now time.Time) (*time.Time, error) {
	ref := now
	if s.LastFireAt != nil {
		ref = *s.LastFireAt
	}
	return nextAfter(s, cal, ref, now)
}

// nextAfter is NextFireTime with an explicit reference instant for the
// recurring triggers.
func nextAfter(s domain.Schedule, cal domain.Calendar, ref, now time.Time) (*time.Time, error) {
	loc := s.Location()
	switch s.Trigger.Type {
	case domain.TriggerCron:
		sched, err := domain.ParseCron(s.Trigger.Cron)
		if err != nil {
			return nil, err
		}
		return adjust(s, cal, loc, sched.Next(ref.In(loc)), sched.Next)

	case domain.TriggerRRule:
		anchor := s.CreatedAt
		if s.Trigger.StartAt != nil {
			anchor = *s.Trigger.StartAt
		} else if anchor.IsZero() {
			anchor = ref
		}
		rule, err := domain.ParseRRule(s.Trigger.RRule, loc, anchor)
		if err != nil {
			return nil, err
		}
		after := func(t time.Time) time.Time { return rule.After(t, false) }
		return adjust(s, cal, loc, after(ref.In(loc)), after)

	case domain.TriggerFixedDelay:
		if s.Trigger.DelaySec == nil {
			return nil, fmt.Errorf("schedule %s: FIXED_DELAY without delay", s.ID)
		}
		delay := time.Duration(*s.Trigger.DelaySec) * time.Second
		// a fire newer than the last completion is still in flight
		base := s.LastCompletedAt
		if s.LastFireAt != nil && (base == nil || s.LastFireAt.After(*base)) {
			base = s.LastFireAt
		}
		switch {
		case base != nil:
			return ptr(base.Add(delay)), nil
		case s.Trigger.StartAt != nil:
			return ptr(*s.Trigger.StartAt), nil
		}
		return ptr(now.Add(delay)), nil

	case domain.TriggerOneShot:
		if s.LastFireAt != nil || s.Trigger.StartAt == nil {
			return nil, nil
		}
		return ptr(*s.Trigger.StartAt), nil
	}
	return nil, fmt.Errorf("schedule %s: unknown trigger type %q", s.ID, s.Trigger.Type)
}

// adjust moves an occurrence that falls on a non-working day to the first
// occurrence on the next working day when the schedule is restricted to
// business days. Whole non-working days are skipped at once, so frequent
// triggers cross weekends and holidays in a handful of steps.
func adjust(s domain.Schedule, cal domain.Calendar, loc *time.Location, next time.Time, step func(time.Time) time.Time) (*time.Time, error) {
	if next.IsZero() {
		return nil, nil
	}
	if !s.BusinessDaysOnly() {
		return ptr(next), nil
	}
	for i := 0; i < maxCalendarJumps; i++ {
		local := next.In(loc)
		if cal.IsWorkingDay(local) {
			return ptr(next), nil
		}
		day, err := cal.NextWorkingDay(local)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
		}
		midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		next = step(midnight.Add(-time.Nanosecond))
		if next.IsZero() {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("schedule %s: no occurrence on a working day within %d days: %w",
		s.ID, maxCalendarJumps, domain.ErrCalendarConfig)
}

// skipNext is where a due schedule moves when the fire is suppressed
// (non-working day, disabled job) rather than executed.
func skipNext(s domain.Schedule, cal domain.Calendar, fireAt, now time.Time) (*time.Time, error) {
	loc := s.Location()
	var next time.Time
	switch s.Trigger.Type {
	case domain.TriggerCron, domain.TriggerRRule:
		return nextAfter(s, cal, fireAt, now)
	case domain.TriggerFixedDelay:
		if s.Trigger.DelaySec == nil {
			return nil, fmt.Errorf("schedule %s: FIXED_DELAY without delay", s.ID)
		}
		next = fireAt.Add(time.Duration(*s.Trigger.DelaySec) * time.Second)
	default:
		next = fireAt
	}
	if !s.BusinessDaysOnly() {
		if s.Trigger.Type == domain.TriggerOneShot {
			return nil, nil
		}
		return ptr(next), nil
	}
	if cal.IsWorkingDay(next.In(loc)) && next.After(fireAt) {
		return ptr(next), nil
	}
	day, err := cal.NextWorkingDay(next.In(loc))
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", s.ID, err)
	}
	return ptr(time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)), nil
}

func ptr(t time.Time) *time.Time { return &t }
