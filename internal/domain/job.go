package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

type BackoffStrategy string

const (
	BackoffFixed       BackoffStrategy = "FIXED"
	BackoffExponential BackoffStrategy = "EXPONENTIAL"
)

type Backoff struct {
	Strategy BackoffStrategy `json:"strategy"`
	BaseSec  int             `json:"base_sec"`
	MaxSec   *int            `json:"max_sec,omitempty"`
}

// Job is the static execution policy of a named unit of work.
type Job struct {
	ID               string
	TenantID         string
	Key              string
	Queue            string
	Priority         int
	MaxAttempts      int
	Backoff          Backoff
	TimeoutSec       int
	ConcurrencyLimit *int
	SLASec           *int
	Enabled          bool
	Version          int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewJob validates j and returns it at version 1.
func NewJob(j Job) (Job, error) {
	if err := j.Validate(); err != nil {
		return Job{}, err
	}
	if j.Version == 0 {
		j.Version = 1
	}
	return j, nil
}

func (j Job) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(j.TenantID) == "" {
		verr.add("tenant id is required")
	}
	if strings.TrimSpace(j.Key) == "" {
		verr.add("job key is required")
	}
	if strings.TrimSpace(j.Queue) == "" {
		verr.add("queue is required")
	}
	if j.MaxAttempts < 1 {
		verr.add("max attempts must be at least 1")
	}
	if j.TimeoutSec <= 0 {
		verr.add("timeout must be positive")
	}
	if j.Backoff.BaseSec <= 0 {
		verr.add("backoff base must be positive")
	}
	switch j.Backoff.Strategy {
	case BackoffFixed:
	case BackoffExponential:
		if j.Backoff.MaxSec != nil && *j.Backoff.MaxSec < j.Backoff.BaseSec {
			verr.add("backoff max must not be below base")
		}
	default:
		verr.add("unknown backoff strategy %q", j.Backoff.Strategy)
	}
	if j.ConcurrencyLimit != nil && *j.ConcurrencyLimit < 1 {
		verr.add("concurrency limit must be at least 1")
	}
	if j.SLASec != nil && *j.SLASec <= 0 {
		verr.add("sla must be positive")
	}
	return verr.orNil()
}

// BackoffDelay is the wait before the next attempt; attempt is 1-based, so
// attempt 1 is the delay between the first and the second attempt.
func (j Job) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := j.Backoff
	if b.Strategy != BackoffExponential {
		return time.Duration(b.BaseSec) * time.Second
	}
	limit := math.Inf(1)
	if b.MaxSec != nil {
		limit = float64(*b.MaxSec)
	}
	sec := math.Min(float64(b.BaseSec)*math.Pow(2, float64(attempt-1)), limit)
	// keep the duration representable for absurd attempt counts
	if sec > float64(math.MaxInt64/int64(time.Second)) {
		sec = float64(math.MaxInt64 / int64(time.Second))
	}
	return time.Duration(sec) * time.Second
}

// SLAViolated reports whether a run that started at startedAt exceeded the SLA.
// A nil finishedAt measures against now.
func (j Job) SLAViolated(startedAt time.Time, finishedAt *time.Time, now time.Time) bool {
	if j.SLASec == nil {
		return false
	}
	end := now
	if finishedAt != nil {
		end = *finishedAt
	}
	return end.Sub(startedAt) > time.Duration(*j.SLASec)*time.Second
}

// CheckSLA is SLAViolated as an error matching ErrSLAViolation, nil when the
// run is within its SLA.
func (j Job) CheckSLA(startedAt time.Time, finishedAt *time.Time, now time.Time) error {
	if !j.SLAViolated(startedAt, finishedAt, now) {
		return nil
	}
	end := now
	if finishedAt != nil {
		end = *finishedAt
	}
	return fmt.Errorf("%w: job %s ran %s, limit %ds", ErrSLAViolation, j.Key, end.Sub(startedAt), *j.SLASec)
}

func (j Job) Timeout() time.Duration { return time.Duration(j.TimeoutSec) * time.Second }

func (j Job) Enable(now time.Time) Job  { return j.withEnabled(true, now) }
func (j Job) Disable(now time.Time) Job { return j.withEnabled(false, now) }

func (j Job) withEnabled(on bool, now time.Time) Job {
	j.Enabled = on
	j.Version++
	j.UpdatedAt = now
	return j
}
