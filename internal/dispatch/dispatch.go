// Package dispatch invokes schedule targets: event publish, HTTP call or
// queue enqueue.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chronoflow/internal/domain"
	"chronoflow/internal/events"
	"chronoflow/internal/queue"
)

// Envelope is the data handed to a target for one run.
type Envelope struct {
	TenantID   string          `json:"tenant_id"`
	ScheduleID string          `json:"schedule_id,omitempty"`
	RunID      string          `json:"run_id"`
	FireAt     time.Time       `json:"fire_at"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Result is what the target answered. Only the fields of the target kind are set.
type Result struct {
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"body,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

type Dispatcher struct {
	publisher events.Publisher
	enqueuer  queue.Enqueuer
	http      *HTTP
	log       zerolog.Logger
}

func New(publisher events.Publisher, enqueuer queue.Enqueuer, h *HTTP) *Dispatcher {
	return &Dispatcher{
		publisher: publisher,
		enqueuer:  enqueuer,
		http:      h,
		log:       log.With().Str("component", "dispatch").Logger(),
	}
}

// Dispatch invokes t. Every failure, including ctx expiry, comes back as a
// *domain.DispatchError.
func (d *Dispatcher) Dispatch(ctx context.Context, t domain.Target, env Envelope) (Result, error) {
	var (
		res Result
		err error
	)
	switch t.Kind {
	case domain.TargetEvent:
		err = d.publish(ctx, t.EventTopic, env)
	case domain.TargetHTTP:
		if t.HTTP == nil || d.http == nil {
			err = errors.New("http target not configured")
			break
		}
		res, err = d.http.Do(ctx, *t.HTTP, env.Payload)
	case domain.TargetQueue:
		if t.Queue == nil {
			err = errors.New("queue target not configured")
			break
		}
		res.MessageID, err = d.enqueue(ctx, t.Queue.Topic, env)
	default:
		err = fmt.Errorf("unknown target kind %q", t.Kind)
	}
	if err != nil {
		d.log.Debug().Err(err).Str("kind", string(t.Kind)).Str("run_id", env.RunID).Msg("dispatch failed")
		return res, &domain.DispatchError{Kind: t.Kind, Err: err}
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, topic string, env Envelope) error {
	if d.publisher == nil {
		return errors.New("no event publisher configured")
	}
	return d.publisher.Publish(ctx, events.Event{
		ID:         domain.NewID(domain.PrefixEvent),
		Topic:      topic,
		TenantID:   env.TenantID,
		ScheduleID: env.ScheduleID,
		RunID:      env.RunID,
		Time:       env.FireAt,
		Data:       env.Payload,
	})
}

func (d *Dispatcher) enqueue(ctx context.Context, topic string, env Envelope) (string, error) {
	if d.enqueuer == nil {
		return "", errors.New("no queue configured")
	}
	return d.enqueuer.Enqueue(ctx, topic, env)
}
