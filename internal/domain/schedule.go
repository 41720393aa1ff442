package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// CalendarRef binds a schedule to a calendar by key.
type CalendarRef struct {
	HolidaysCode     string `json:"holidays_code,omitempty"`
	BusinessDaysOnly bool   `json:"business_days_only,omitempty"`
}

// Schedule is a recurring or one-shot trigger bound to a target.
type Schedule struct {
	ID              string
	TenantID        string
	Name            string
	Description     string
	TZ              string
	Trigger         Trigger
	Target          Target
	Payload         json.RawMessage
	Calendar        *CalendarRef
	JobID           *string
	Enabled         bool
	NextFireAt      *time.Time
	LastFireAt      *time.Time
	LastCompletedAt *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewSchedule validates s and returns it at version 1.
func NewSchedule(s Schedule) (Schedule, error) {
	if err := s.Validate(); err != nil {
		return Schedule{}, err
	}
	if s.TZ == "" {
		s.TZ = "UTC"
	}
	if s.Target.Kind == TargetHTTP && s.Target.HTTP.Method == "" {
		h := *s.Target.HTTP
		h.Method = "POST"
		s.Target.HTTP = &h
	}
	if s.Version == 0 {
		s.Version = 1
	}
	return s, nil
}

// Validate checks trigger and target consistency, expression syntax and url shape.
func (s Schedule) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(s.TenantID) == "" {
		verr.add("tenant id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		verr.add("name is required")
	}
	loc, err := time.LoadLocation(s.TZ)
	if err != nil {
		verr.add("unknown timezone %q", s.TZ)
		loc = nil
	}
	s.Trigger.validate(verr, loc)
	s.Target.validate(verr)
	if len(s.Payload) > 0 && !json.Valid(s.Payload) {
		verr.add("payload is not valid json")
	}
	return verr.orNil()
}

// Location is the schedule timezone; it falls back to UTC.
func (s Schedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.TZ)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (s Schedule) BusinessDaysOnly() bool {
	return s.Calendar != nil && s.Calendar.BusinessDaysOnly
}

func (s Schedule) IsDue(now time.Time) bool {
	return s.Enabled && s.NextFireAt != nil && !s.NextFireAt.After(now)
}

// ShouldFire is IsDue plus the working day check for business-day schedules.
func (s Schedule) ShouldFire(now time.Time, cal Calendar) bool {
	if !s.IsDue(now) {
		return false
	}
	return !s.BusinessDaysOnly() || cal.IsWorkingDay(now.In(s.Location()))
}

// DedupeKey identifies one logical fire event of the schedule.
func (s Schedule) DedupeKey(fireTime time.Time) string {
	layout := "20060102T150405Z"
	res := s.Trigger.Resolution()
	if res == time.Minute {
		layout = "20060102T1504Z"
	}
	return "sch:" + s.ID + ":" + fireTime.UTC().Truncate(res).Format(layout)
}

func (s Schedule) Enable(now time.Time) Schedule {
	s.Enabled = true
	return s.touch(now)
}

func (s Schedule) Disable(now time.Time) Schedule {
	s.Enabled = false
	return s.touch(now)
}

// UpdateNextFire sets or clears (nil) the next fire time.
func (s Schedule) UpdateNextFire(next *time.Time, now time.Time) Schedule {
	s.NextFireAt = next
	return s.touch(now)
}

func (s Schedule) UpdateLastFire(fired time.Time, now time.Time) Schedule {
	s.LastFireAt = &fired
	return s.touch(now)
}

// RecordCompletion stores when the last run finished; FIXED_DELAY re-arms from it.
func (s Schedule) RecordCompletion(done time.Time, now time.Time) Schedule {
	s.LastCompletedAt = &done
	return s.touch(now)
}

func (s Schedule) touch(now time.Time) Schedule {
	s.Version++
	s.UpdatedAt = now
	return s
}
