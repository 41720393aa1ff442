package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunMissed    RunStatus = "missed"
	RunDead      RunStatus = "dead"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunMissed, RunDead:
		return true
	}
	return false
}

type RunMetrics struct {
	LatencyMs  *int64 `json:"latency_ms,omitempty"`
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// Run is one execution attempt of a schedule firing or an enqueued job.
// ScheduledAt is the fire instant, or the not-before time of a retry.
type Run struct {
	ID          string
	TenantID    string
	ScheduleID  *string
	JobID       *string
	DedupeKey   *string
	Status      RunStatus
	ScheduledAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Attempt     int
	Error       *string
	Metrics     RunMetrics
	WorkerID    *string
	Payload     json.RawMessage
	CreatedAt   time.Time
}

// NewRun returns a pending first attempt.
func NewRun(id, tenantID string, scheduledAt, now time.Time) Run {
	return Run{
		ID:          id,
		TenantID:    tenantID,
		Status:      RunPending,
		ScheduledAt: scheduledAt,
		Attempt:     1,
		CreatedAt:   now,
	}
}

func (r Run) IsTerminal() bool { return r.Status.Terminal() }

// Start moves a pending run to running on the given worker (may be empty).
func (r Run) Start(workerID string, now time.Time) (Run, error) {
	if r.Status != RunPending {
		return r, r.illegal("start")
	}
	r.Status = RunRunning
	r.StartedAt = &now
	if workerID != "" {
		r.WorkerID = &workerID
	}
	r.Metrics.LatencyMs = r.LatencyMs()
	return r, nil
}

func (r Run) Succeed(now time.Time) (Run, error) {
	if r.Status != RunRunning {
		return r, r.illegal("succeed")
	}
	r.Status = RunSucceeded
	r.finish(now)
	return r, nil
}

// Fail records a failed attempt. Whether a retry follows is up to the caller.
func (r Run) Fail(msg string, now time.Time) (Run, error) {
	if r.Status != RunRunning {
		return r, r.illegal("fail")
	}
	r.Status = RunFailed
	r.Error = &msg
	r.finish(now)
	return r, nil
}

// MarkDead ends a non-terminal run for good.
func (r Run) MarkDead(msg string, now time.Time) (Run, error) {
	if r.IsTerminal() {
		return r, r.illegal("mark dead")
	}
	r.Status = RunDead
	r.Error = &msg
	r.finish(now)
	return r, nil
}

// MarkMissed ends a run nobody claimed inside the acceptable window.
func (r Run) MarkMissed(now time.Time) (Run, error) {
	if r.Status != RunPending {
		return r, r.illegal("mark missed")
	}
	r.Status = RunMissed
	r.FinishedAt = &now
	return r, nil
}

// CanRetry reports whether a failed run still has attempts left under job.
func (r Run) CanRetry(job Job) bool {
	return r.Status == RunFailed && r.Attempt < job.MaxAttempts
}

// NextAttempt builds the retry of a failed run, due after the job backoff.
func (r Run) NextAttempt(id string, job Job, now time.Time) (Run, error) {
	if !r.CanRetry(job) {
		return Run{}, r.illegal("retry")
	}
	base := now
	if r.FinishedAt != nil {
		base = *r.FinishedAt
	}
	next := Run{
		ID:          id,
		TenantID:    r.TenantID,
		ScheduleID:  r.ScheduleID,
		JobID:       r.JobID,
		Status:      RunPending,
		ScheduledAt: base.Add(job.BackoffDelay(r.Attempt)),
		Attempt:     r.Attempt + 1,
		Payload:     r.Payload,
		CreatedAt:   now,
	}
	if r.DedupeKey != nil {
		k := AttemptDedupeKey(*r.DedupeKey, next.Attempt)
		next.DedupeKey = &k
	}
	return next, nil
}

// LatencyMs is the scheduling delay between the fire instant and start.
func (r Run) LatencyMs() *int64 {
	if r.StartedAt == nil || r.ScheduledAt.IsZero() {
		return nil
	}
	ms := r.StartedAt.Sub(r.ScheduledAt).Milliseconds()
	return &ms
}

// DurationMs is the execution time of a finished run.
func (r Run) DurationMs() *int64 {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return nil
	}
	ms := r.FinishedAt.Sub(*r.StartedAt).Milliseconds()
	return &ms
}

func (r *Run) finish(now time.Time) {
	r.FinishedAt = &now
	r.Metrics.DurationMs = r.DurationMs()
}

func (r Run) illegal(action string) error {
	return &TransitionError{Entity: "run", ID: r.ID, From: string(r.Status), Action: action}
}

// AttemptDedupeKey derives the dedupe key of a later attempt of the same fire event.
func AttemptDedupeKey(key string, attempt int) string {
	if i := strings.LastIndexByte(key, '#'); i >= 0 {
		key = key[:i]
	}
	return key + "#" + strconv.Itoa(attempt)
}
