package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chronoflow/internal/domain"
)

func TestAssignPicksLeastUtilizedWorker(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := createJob(t, st, "report", nil)

	ran := make(chan string, 4)
	handlers := map[string]Handler{
		"report": HandlerFunc(func(context.Context, json.RawMessage) error {
			ran <- "report"
			return nil
		}),
	}
	busy := newHarness(t, st, workerConfig("busy", 2), handlers)
	idle := newHarness(t, st, workerConfig("idle", 2), handlers)
	if _, err := reserveSlot(ctx, st, busy.pool.WorkerID(), job); err != nil {
		t.Fatal(err)
	}

	a := NewAssigner(st, time.Minute)
	a.now = busy.clock.Now
	run := enqueue(t, st, job, `{}`)
	w, err := a.Assign(ctx, run, job)
	if err != nil {
		t.Fatal(err)
	}
	if w.ID != idle.pool.WorkerID() || w.CurrentJobs != 1 {
		t.Fatalf("assigned to %+v", w)
	}
	assigned, _ := st.GetRun(ctx, run.ID)
	if assigned.Status != domain.RunRunning || *assigned.WorkerID != w.ID {
		t.Fatalf("run = %+v", assigned)
	}

	// the pull path must not pick it up a second time
	busy.cycle(ctx)
	idle.cycle(ctx)
	if len(ran) != 1 {
		t.Fatalf("handler ran %d times", len(ran))
	}
	done, _ := st.GetRun(ctx, run.ID)
	if done.Status != domain.RunSucceeded {
		t.Fatalf("status = %s", done.Status)
	}
	after, _ := st.GetWorker(ctx, w.ID)
	if after.CurrentJobs != 0 {
		t.Fatalf("slot not released: %d", after.CurrentJobs)
	}
}

func TestAssignCapacityExhausted(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	job := createJob(t, st, "report", func(j *domain.Job) { j.ConcurrencyLimit = domain.Ptr(2) })
	other := createJob(t, st, "export", nil)
	h := newHarness(t, st, workerConfig("w1", 1), map[string]Handler{
		"report": HandlerFunc(func(context.Context, json.RawMessage) error { return nil }),
	})
	a := NewAssigner(st, time.Minute)
	a.now = h.clock.Now

	// no worker handles the key
	if _, err := a.Assign(ctx, enqueue(t, st, other, `{}`), other); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("unknown key: %v", err)
	}

	if _, err := a.Assign(ctx, enqueue(t, st, job, `{}`), job); err != nil {
		t.Fatal(err)
	}
	pending := enqueue(t, st, job, `{}`)
	if _, err := a.Assign(ctx, pending, job); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("full worker: %v", err)
	}
	still, _ := st.GetRun(ctx, pending.ID)
	if still.Status != domain.RunPending {
		t.Fatalf("status = %s", still.Status)
	}

	// a stale heartbeat takes the worker out of rotation
	h.clock.Add(2 * time.Minute)
	if err := releaseSlot(ctx, st, h.pool.WorkerID()); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Assign(ctx, pending, job); !errors.Is(err, domain.ErrCapacityExhausted) {
		t.Fatalf("stale worker: %v", err)
	}

	disabled := job.Disable(h.clock.Now())
	if _, err := a.Assign(ctx, pending, disabled); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("disabled job: %v", err)
	}
}
