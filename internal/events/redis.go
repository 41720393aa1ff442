package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher appends events to one Redis stream per topic.
type RedisPublisher struct {
	rdb    redis.Cmdable
	prefix string
}

func NewRedisPublisher(rdb redis.Cmdable, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) Stream(topic string) string { return p.prefix + topic }

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	args, err := p.xadd(e)
	if err != nil {
		return err
	}
	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Topic, err)
	}
	return nil
}

// PublishBatch sends all events in one pipeline round trip.
func (p *RedisPublisher) PublishBatch(ctx context.Context, es []Event) error {
	if len(es) == 0 {
		return nil
	}
	_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range es {
			args, err := p.xadd(e)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

func (p *RedisPublisher) IsHealthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err() == nil
}

func (p *RedisPublisher) xadd(e Event) (*redis.XAddArgs, error) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	return &redis.XAddArgs{
		Stream: p.Stream(e.Topic),
		ID:     "*",
		Values: map[string]any{"data": string(b)},
	}, nil
}
