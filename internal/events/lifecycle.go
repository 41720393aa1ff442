package events

import (
	"encoding/json"
	"time"

	"chronoflow/internal/domain"
)

var runTopics = map[domain.RunStatus]string{
	domain.RunSucceeded: TopicRunSucceeded,
	domain.RunFailed:    TopicRunFailed,
	domain.RunDead:      TopicRunDead,
	domain.RunMissed:    TopicRunMissed,
}

// RunData is the payload of run lifecycle and SLA events.
type RunData struct {
	JobID     *string           `json:"job_id,omitempty"`
	Status    domain.RunStatus  `json:"status"`
	Attempt   int               `json:"attempt"`
	FireAt    time.Time         `json:"fire_at"`
	Error     *string           `json:"error,omitempty"`
	Metrics   domain.RunMetrics `json:"metrics"`
	SLASec    *int              `json:"sla_sec,omitempty"`
	WorkerID  *string           `json:"worker_id,omitempty"`
	DedupeKey *string           `json:"dedupe_key,omitempty"`
}

// RunEvent describes a run that reached a terminal status.
func RunEvent(r domain.Run, now time.Time) Event {
	return newRunEvent(runTopics[r.Status], r, RunData{
		JobID:     r.JobID,
		Status:    r.Status,
		Attempt:   r.Attempt,
		FireAt:    r.ScheduledAt,
		Error:     r.Error,
		Metrics:   r.Metrics,
		WorkerID:  r.WorkerID,
		DedupeKey: r.DedupeKey,
	}, now)
}

// SLAEvent reports a run of job that finished (or is still running) past its
// SLA; cause is the violation returned by Job.CheckSLA.
func SLAEvent(r domain.Run, job domain.Job, cause error, now time.Time) Event {
	var msg *string
	if cause != nil {
		m := cause.Error()
		msg = &m
	}
	return newRunEvent(TopicSLAViolated, r, RunData{
		JobID:    &job.ID,
		Status:   r.Status,
		Attempt:  r.Attempt,
		FireAt:   r.ScheduledAt,
		Metrics:  r.Metrics,
		Error:    msg,
		SLASec:   job.SLASec,
		WorkerID: r.WorkerID,
	}, now)
}

func newRunEvent(topic string, r domain.Run, data RunData, now time.Time) Event {
	b, _ := json.Marshal(data)
	e := Event{
		ID:       domain.NewID(domain.PrefixEvent),
		Topic:    topic,
		TenantID: r.TenantID,
		RunID:    r.ID,
		Time:     now,
		Data:     b,
	}
	if r.ScheduleID != nil {
		e.ScheduleID = *r.ScheduleID
	}
	return e
}
