// Package events carries domain and lifecycle events out of the scheduler.
//
// Delivery is at-least-once from the caller's point of view: a publisher may
// drop or repeat events, so consumers key on Event.ID.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Lifecycle event topics published by the scheduler and worker pool.
const (
	TopicRunSucceeded = "run.succeeded"
	TopicRunFailed    = "run.failed"
	TopicRunDead      = "run.dead"
	TopicRunMissed    = "run.missed"
	TopicSLAViolated  = "job.sla_violated"
)

type Event struct {
	ID         string          `json:"id"`
	Topic      string          `json:"topic"`
	TenantID   string          `json:"tenant_id"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	Time       time.Time       `json:"time"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	PublishBatch(ctx context.Context, es []Event) error
	IsHealthy(ctx context.Context) bool
}
