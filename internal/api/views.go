package api

import (
	"encoding/json"
	"time"

	"chronoflow/internal/domain"
)

type scheduleView struct {
	ID              string              `json:"id"`
	TenantID        string              `json:"tenant_id"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	TZ              string              `json:"tz"`
	Trigger         domain.Trigger      `json:"trigger"`
	Target          domain.Target       `json:"target"`
	Payload         json.RawMessage     `json:"payload,omitempty"`
	Calendar        *domain.CalendarRef `json:"calendar,omitempty"`
	JobID           *string             `json:"job_id,omitempty"`
	Enabled         bool                `json:"enabled"`
	NextFireAt      *time.Time          `json:"next_fire_at"`
	LastFireAt      *time.Time          `json:"last_fire_at,omitempty"`
	LastCompletedAt *time.Time          `json:"last_completed_at,omitempty"`
	Version         int                 `json:"version"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func toScheduleView(s domain.Schedule) scheduleView {
	return scheduleView{
		ID: s.ID, TenantID: s.TenantID, Name: s.Name, Description: s.Description, TZ: s.TZ,
		Trigger: s.Trigger, Target: s.Target, Payload: s.Payload, Calendar: s.Calendar, JobID: s.JobID,
		Enabled: s.Enabled, NextFireAt: s.NextFireAt, LastFireAt: s.LastFireAt, LastCompletedAt: s.LastCompletedAt,
		Version: s.Version, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

type runView struct {
	ID          string            `json:"id"`
	ScheduleID  *string           `json:"schedule_id,omitempty"`
	JobID       *string           `json:"job_id,omitempty"`
	DedupeKey   *string           `json:"dedupe_key,omitempty"`
	Status      domain.RunStatus  `json:"status"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
	Attempt     int               `json:"attempt"`
	Error       *string           `json:"error,omitempty"`
	Metrics     domain.RunMetrics `json:"metrics"`
	WorkerID    *string           `json:"worker_id,omitempty"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func toRunView(r domain.Run) runView {
	return runView{
		ID: r.ID, ScheduleID: r.ScheduleID, JobID: r.JobID, DedupeKey: r.DedupeKey, Status: r.Status,
		ScheduledAt: r.ScheduledAt, StartedAt: r.StartedAt, FinishedAt: r.FinishedAt, Attempt: r.Attempt,
		Error: r.Error, Metrics: r.Metrics, WorkerID: r.WorkerID, Payload: r.Payload, CreatedAt: r.CreatedAt,
	}
}

func toRunViews(rs []domain.Run) []runView {
	out := make([]runView, 0, len(rs))
	for _, r := range rs {
		out = append(out, toRunView(r))
	}
	return out
}

type jobView struct {
	ID               string         `json:"id"`
	Key              string         `json:"key"`
	Queue            string         `json:"queue"`
	Priority         int            `json:"priority"`
	MaxAttempts      int            `json:"max_attempts"`
	Backoff          domain.Backoff `json:"backoff"`
	TimeoutSec       int            `json:"timeout_sec"`
	ConcurrencyLimit *int           `json:"concurrency_limit,omitempty"`
	SLASec           *int           `json:"sla_sec,omitempty"`
	Enabled          bool           `json:"enabled"`
	Version          int            `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, Key: j.Key, Queue: j.Queue, Priority: j.Priority, MaxAttempts: j.MaxAttempts,
		Backoff: j.Backoff, TimeoutSec: j.TimeoutSec, ConcurrencyLimit: j.ConcurrencyLimit, SLASec: j.SLASec,
		Enabled: j.Enabled, Version: j.Version, CreatedAt: j.CreatedAt, UpdatedAt: j.UpdatedAt,
	}
}

type workerView struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Status       domain.WorkerStatus `json:"status"`
	Healthy      bool                `json:"healthy"`
	Capabilities domain.Capabilities `json:"capabilities"`
	MaxParallel  int                 `json:"max_parallel"`
	CurrentJobs  int                 `json:"current_jobs"`
	Utilization  float64             `json:"utilization_pct"`
	HeartbeatAt  time.Time           `json:"heartbeat_at"`
}

type calendarView struct {
	Key          string              `json:"key"`
	Name         string              `json:"name"`
	Holidays     []string            `json:"holidays"`
	BusinessDays domain.BusinessDays `json:"business_days"`
}

func toCalendarView(c domain.Calendar) calendarView {
	return calendarView{Key: c.Key, Name: c.Name, Holidays: c.Holidays(), BusinessDays: c.BusinessDays}
}
