package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestStreamsEnqueue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewStreams(rdb, "chronoflow:q:", 0)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, "reports", map[string]int{"n": i}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	msgs, err := q.Read(ctx, "reports", "0", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	var body map[string]int
	if err := json.Unmarshal(msgs[2].Data, &body); err != nil || body["n"] != 2 {
		t.Fatalf("last message = %s (%v)", msgs[2].Data, err)
	}
	rest, _ := q.Read(ctx, "reports", msgs[0].ID, 10)
	if len(rest) != 2 {
		t.Fatalf("read after first = %d", len(rest))
	}
	if n, _ := rdb.XLen(ctx, "chronoflow:q:reports").Result(); n != 3 {
		t.Fatalf("stream length = %d", n)
	}
	if _, err := q.Enqueue(ctx, " ", nil); err == nil {
		t.Fatalf("empty topic accepted")
	}
}

func TestNewClientWithBackoff(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewClientWithBackoff(context.Background(), Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	_ = rdb.Close()

	addr := mr.Addr()
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := NewClientWithBackoff(ctx, Config{Addr: addr}); err == nil {
		t.Fatalf("expected error for unreachable redis")
	}
}
