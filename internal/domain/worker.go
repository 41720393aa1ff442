package domain

import (
	"slices"
	"strings"
	"time"
)

type WorkerStatus string

const (
	WorkerOnline      WorkerStatus = "online"
	WorkerOffline     WorkerStatus = "offline"
	WorkerMaintenance WorkerStatus = "maintenance"
)

// DefaultHealthTimeout is how long a worker may go without a heartbeat.
const DefaultHealthTimeout = 30 * time.Second

// Capabilities lists what a worker can execute. An empty JobKeys accepts any job.
type Capabilities struct {
	Queues  []string `json:"queues"`
	JobKeys []string `json:"job_keys"`
}

// Worker is a capacity-bounded executor registration.
type Worker struct {
	ID           string
	TenantID     *string
	Name         string
	Capabilities Capabilities
	HeartbeatAt  time.Time
	Status       WorkerStatus
	MaxParallel  int
	CurrentJobs  int
	Version      int
}

func NewWorker(id, name string, caps Capabilities, maxParallel int, now time.Time) (Worker, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(name) == "" {
		verr.add("worker name is required")
	}
	if maxParallel < 0 {
		verr.add("max parallel must not be negative")
	}
	if err := verr.orNil(); err != nil {
		return Worker{}, err
	}
	return Worker{
		ID:           id,
		Name:         name,
		Capabilities: caps,
		HeartbeatAt:  now,
		Status:       WorkerOnline,
		MaxParallel:  maxParallel,
		Version:      1,
	}, nil
}

func (w Worker) CanHandleQueue(queue string) bool {
	return slices.Contains(w.Capabilities.Queues, queue)
}

func (w Worker) CanHandleJob(jobKey string) bool {
	return len(w.Capabilities.JobKeys) == 0 || slices.Contains(w.Capabilities.JobKeys, jobKey)
}

// CanAcceptJob checks status, free capacity and capabilities. An empty
// jobKey skips the job key check.
func (w Worker) CanAcceptJob(queue, jobKey string) bool {
	return w.Status == WorkerOnline &&
		w.CurrentJobs < w.MaxParallel &&
		w.CanHandleQueue(queue) &&
		(jobKey == "" || w.CanHandleJob(jobKey))
}

// StartJob takes one slot.
func (w Worker) StartJob() (Worker, error) {
	if w.CurrentJobs >= w.MaxParallel {
		return w, ErrCapacityExhausted
	}
	w.CurrentJobs++
	w.Version++
	return w, nil
}

// FinishJob releases one slot. Releasing with no job running is a bug.
func (w Worker) FinishJob() (Worker, error) {
	if w.CurrentJobs <= 0 {
		return w, &TransitionError{Entity: "worker", ID: w.ID, From: "idle", Action: "finish job"}
	}
	w.CurrentJobs--
	w.Version++
	return w, nil
}

func (w Worker) Heartbeat(now time.Time) Worker {
	w.HeartbeatAt = now
	w.Version++
	return w
}

func (w Worker) SetStatus(s WorkerStatus) Worker {
	w.Status = s
	w.Version++
	return w
}

// IsHealthy reports a heartbeat newer than timeout; zero timeout uses the default.
func (w Worker) IsHealthy(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return now.Sub(w.HeartbeatAt) < timeout
}

func (w Worker) AvailableSlots() int { return w.MaxParallel - w.CurrentJobs }

func (w Worker) UtilizationPercentage() float64 {
	if w.MaxParallel == 0 {
		return 0
	}
	return float64(w.CurrentJobs) / float64(w.MaxParallel) * 100
}
