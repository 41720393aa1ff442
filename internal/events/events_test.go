package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chronoflow/internal/domain"
)

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	ctx := context.Background()
	if err := b.Publish(ctx, Event{ID: "evt_1", Topic: TopicRunSucceeded}); err != nil {
		t.Fatal(err)
	}
	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.ID != "evt_1" || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatalf("channel not closed after unsubscribe")
	}
	_ = b.Publish(ctx, Event{ID: "evt_2"})
	if e := <-c; e.ID != "evt_2" {
		t.Fatalf("remaining subscriber got %+v", e)
	}
}

func TestBusNeverBlocks(t *testing.T) {
	b := NewBus()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.PublishBatch(context.Background(), []Event{{ID: "1"}, {ID: "2"}, {ID: "3"}})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", b.Dropped())
	}
}

func TestBusUnsubscribeWhilePublishing(t *testing.T) {
	b := NewBus()
	ctx := context.Background()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.Publish(ctx, Event{ID: "evt"})
			}
		}
	}()
	for i := 0; i < 200; i++ {
		ch, unsub := b.Subscribe(1)
		unsub()
		for range ch {
		}
	}
	close(stop)
	wg.Wait()
}

func TestRedisPublisher(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	p := NewRedisPublisher(rdb, "chronoflow:events:")
	ctx := context.Background()
	if !p.IsHealthy(ctx) {
		t.Fatal("publisher reports unhealthy")
	}
	err := p.Publish(ctx, Event{ID: "evt_1", Topic: "reports.daily", TenantID: "t1", Data: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	err = p.PublishBatch(ctx, []Event{
		{ID: "evt_2", Topic: TopicRunFailed},
		{ID: "evt_3", Topic: TopicRunFailed},
	})
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := rdb.XRange(ctx, "chronoflow:events:reports.daily", "-", "+").Result()
	if err != nil || len(msgs) != 1 {
		t.Fatalf("topic stream = %v %v", msgs, err)
	}
	var got Event
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != "evt_1" || got.TenantID != "t1" || string(got.Data) != `{"a":1}` {
		t.Fatalf("decoded = %+v", got)
	}
	if n, _ := rdb.XLen(ctx, p.Stream(TopicRunFailed)).Result(); n != 2 {
		t.Fatalf("batch stream length = %d", n)
	}

	mr.Close()
	if p.IsHealthy(ctx) {
		t.Fatal("publisher healthy after redis went away")
	}
}

func TestRunEventTopics(t *testing.T) {
	now := time.Date(2025, 6, 10, 7, 0, 5, 0, time.UTC)
	sch, job := "sch_1", "job_1"
	msg := "boom"
	r := domain.Run{
		ID: "run_1", TenantID: "acme", ScheduleID: &sch, JobID: &job,
		Status: domain.RunDead, Attempt: 3, ScheduledAt: now.Add(-5 * time.Second), Error: &msg,
	}
	e := RunEvent(r, now)
	if e.Topic != TopicRunDead || e.ScheduleID != "sch_1" || e.RunID != "run_1" || e.TenantID != "acme" {
		t.Fatalf("event = %+v", e)
	}
	var d RunData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		t.Fatal(err)
	}
	if d.Attempt != 3 || d.Error == nil || *d.Error != "boom" || *d.JobID != "job_1" {
		t.Fatalf("data = %+v", d)
	}

	sla := 60
	slaJob := domain.Job{ID: "job_1", Key: "export", SLASec: &sla}
	started := now.Add(-2 * time.Minute)
	cause := slaJob.CheckSLA(started, nil, now)
	e = SLAEvent(r, slaJob, cause, now)
	if e.Topic != TopicSLAViolated {
		t.Fatalf("topic = %s", e.Topic)
	}
	d = RunData{}
	if err := json.Unmarshal(e.Data, &d); err != nil || d.SLASec == nil || *d.SLASec != 60 {
		t.Fatalf("sla data = %+v (%v)", d, err)
	}
	if d.Error == nil || *d.Error != cause.Error() {
		t.Fatalf("sla error = %v, want %v", d.Error, cause)
	}
}
