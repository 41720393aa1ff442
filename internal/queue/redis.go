package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config is the Redis connection used for queue targets and event streams.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// NewClientWithBackoff dials Redis until PING answers or ctx ends,
// doubling the wait between attempts up to five seconds.
func NewClientWithBackoff(ctx context.Context, cfg Config) (*redis.Client, error) {
	backoff := 200 * time.Millisecond
	max := 5 * time.Second

	for {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("redis %s: %w", cfg.Addr, ctx.Err())
			case <-time.After(backoff):
			}
			if backoff < max {
				backoff = min(backoff*2, max)
			}
			continue
		}
		return rdb, nil
	}
}

// Enqueuer hands a message to a named topic.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, msg any) (string, error)
}

// Streams enqueues onto Redis streams, one stream per topic. The message is
// stored as JSON in the "data" field.
type Streams struct {
	rdb    redis.Cmdable
	prefix string
	maxLen int64
}

// NewStreams returns a stream enqueuer; prefix is prepended to every topic and
// maxLen > 0 caps each stream approximately.
func NewStreams(rdb redis.Cmdable, prefix string, maxLen int64) *Streams {
	return &Streams{rdb: rdb, prefix: prefix, maxLen: maxLen}
}

func (s *Streams) Stream(topic string) string { return s.prefix + topic }

func (s *Streams) Enqueue(ctx context.Context, topic string, msg any) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", errors.New("queue topic is required")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.Stream(topic),
		ID:     "*",
		Values: map[string]any{"data": string(b)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.rdb.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}

// Message is one decoded stream entry.
type Message struct {
	ID   string
	Data json.RawMessage
}

// Read returns up to count entries of a topic after the given id ("0" for all).
func (s *Streams) Read(ctx context.Context, topic, after string, count int64) ([]Message, error) {
	start := "-"
	if after != "" && after != "0" {
		start = after
		count++
	}
	res, err := s.rdb.XRangeN(ctx, s.Stream(topic), start, "+", count).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Message, 0, len(res))
	for _, m := range res {
		if m.ID == after {
			continue
		}
		raw, _ := m.Values["data"].(string)
		out = append(out, Message{ID: m.ID, Data: json.RawMessage(raw)})
	}
	return out, nil
}
