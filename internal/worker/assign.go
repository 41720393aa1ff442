package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"chronoflow/internal/domain"
)

// Assigner pushes runs to workers instead of waiting for a pool to pull them.
type Assigner struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewAssigner builds an assigner that trusts workers whose heartbeat is newer
// than healthTimeout (zero uses domain.DefaultHealthTimeout).
func NewAssigner(st Store, healthTimeout time.Duration) *Assigner {
	if healthTimeout <= 0 {
		healthTimeout = domain.DefaultHealthTimeout
	}
	return &Assigner{store: st, timeout: healthTimeout, now: time.Now}
}

// Assign hands a pending run of job to the least utilized healthy worker
// that can accept it and reserves a slot there. With no such worker it
// returns domain.ErrCapacityExhausted and the run stays pending.
func (a *Assigner) Assign(ctx context.Context, run domain.Run, job domain.Job) (domain.Worker, error) {
	if !job.Enabled {
		return domain.Worker{}, fmt.Errorf("job %s is disabled: %w", job.Key, domain.ErrConflict)
	}
	if job.ConcurrencyLimit != nil {
		n, err := a.store.CountRunningRuns(ctx, job.ID)
		if err != nil {
			return domain.Worker{}, err
		}
		if n >= *job.ConcurrencyLimit {
			return domain.Worker{}, domain.ErrCapacityExhausted
		}
	}

	now := a.now()
	workers, err := a.store.FindHealthyWorkers(ctx, now.Add(-a.timeout))
	if err != nil {
		return domain.Worker{}, err
	}
	candidates := workers[:0]
	for _, w := range workers {
		if w.IsHealthy(now, a.timeout) && w.CanAcceptJob(job.Queue, job.Key) {
			candidates = append(candidates, w)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ui, uj := candidates[i].UtilizationPercentage(), candidates[j].UtilizationPercentage()
		if ui != uj {
			return ui < uj
		}
		return candidates[i].AvailableSlots() > candidates[j].AvailableSlots()
	})

	for _, w := range candidates {
		reserved, err := reserveSlot(ctx, a.store, w.ID, job)
		if errors.Is(err, domain.ErrCapacityExhausted) {
			continue
		}
		if err != nil {
			return domain.Worker{}, err
		}
		started, err := run.Start(w.ID, now)
		if err == nil {
			err = a.store.TransitionRun(ctx, started, domain.RunPending)
		}
		if err != nil {
			if rerr := releaseSlot(ctx, a.store, w.ID); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return domain.Worker{}, fmt.Errorf("assign run %s: %w", run.ID, err)
		}
		return reserved, nil
	}
	return domain.Worker{}, domain.ErrCapacityExhausted
}
