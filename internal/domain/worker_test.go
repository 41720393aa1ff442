package domain

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func testWorker(t *testing.T, maxParallel int) Worker {
	t.Helper()
	w, err := NewWorker("wrk_1", "w1", Capabilities{Queues: []string{"default", "reports"}}, maxParallel, t0)
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWorker_FullWorkerRejects(t *testing.T) {
	w := testWorker(t, 2)
	w.CurrentJobs = 2
	if w.CanAcceptJob("default", "") || w.CanAcceptJob("reports", "anything") {
		t.Fatalf("full worker must not accept jobs")
	}
	if w.AvailableSlots() != 0 || w.UtilizationPercentage() != 100 {
		t.Fatalf("slots=%d util=%v", w.AvailableSlots(), w.UtilizationPercentage())
	}
}

func TestWorker_Capabilities(t *testing.T) {
	w := testWorker(t, 4)
	if !w.CanAcceptJob("default", "report") {
		t.Fatalf("empty job keys should accept any job")
	}
	if w.CanAcceptJob("billing", "") {
		t.Fatalf("unknown queue accepted")
	}
	w.Capabilities.JobKeys = []string{"report"}
	if w.CanAcceptJob("default", "invoice") || !w.CanAcceptJob("default", "report") {
		t.Fatalf("job key filter not applied")
	}
	if w.SetStatus(WorkerMaintenance).CanAcceptJob("default", "report") {
		t.Fatalf("maintenance worker accepted a job")
	}
}

func TestWorker_LoadInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := testWorker(t, 3)
	for i := 0; i < 500; i++ {
		var err error
		next := w
		if rng.Intn(2) == 0 {
			next, err = w.StartJob()
			if w.CurrentJobs == w.MaxParallel && !errors.Is(err, ErrCapacityExhausted) {
				t.Fatalf("start on full worker: %v", err)
			}
		} else {
			next, err = w.FinishJob()
			if w.CurrentJobs == 0 && !errors.Is(err, ErrIllegalStateTransition) {
				t.Fatalf("finish on idle worker: %v", err)
			}
		}
		if err == nil {
			w = next
		}
		if w.CurrentJobs < 0 || w.CurrentJobs > w.MaxParallel {
			t.Fatalf("step %d: current=%d max=%d", i, w.CurrentJobs, w.MaxParallel)
		}
	}
}

func TestWorker_HealthAndUtilization(t *testing.T) {
	w := testWorker(t, 0)
	if w.UtilizationPercentage() != 0 {
		t.Fatalf("zero capacity utilization must be 0")
	}
	if !w.IsHealthy(t0.Add(29*time.Second), 0) || w.IsHealthy(t0.Add(30*time.Second), 0) {
		t.Fatalf("default 30s timeout not applied")
	}
	w = w.Heartbeat(t0.Add(time.Hour))
	if !w.IsHealthy(t0.Add(time.Hour+5*time.Second), 10*time.Second) {
		t.Fatalf("heartbeat not recorded")
	}
	w2 := testWorker(t, 4)
	w2, _ = w2.StartJob()
	if w2.UtilizationPercentage() != 25 {
		t.Fatalf("utilization = %v", w2.UtilizationPercentage())
	}
}
