package worker

import (
	"context"
	"errors"
	"fmt"

	"chronoflow/internal/domain"
)

// maxUpdateAttempts bounds re-reads of a worker row that keeps changing
// under us (heartbeats and slot updates race on the same version).
const maxUpdateAttempts = 5

// updateWorker applies fn to the current worker row and writes it back with a
// versioned update, re-reading after lost races.
func updateWorker(ctx context.Context, st Store, id string, fn func(domain.Worker) (domain.Worker, error)) (domain.Worker, error) {
	for i := 0; i < maxUpdateAttempts; i++ {
		cur, err := st.GetWorker(ctx, id)
		if err != nil {
			return domain.Worker{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return cur, err
		}
		err = st.SaveWorker(ctx, next, cur.Version)
		if errors.Is(err, domain.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return domain.Worker{}, err
		}
		return next, nil
	}
	return domain.Worker{}, fmt.Errorf("worker %s: %w", id, domain.ErrVersionConflict)
}

// reserveSlot takes one slot on worker id if it can accept the job.
func reserveSlot(ctx context.Context, st Store, id string, job domain.Job) (domain.Worker, error) {
	return updateWorker(ctx, st, id, func(w domain.Worker) (domain.Worker, error) {
		if !w.CanAcceptJob(job.Queue, job.Key) {
			return w, domain.ErrCapacityExhausted
		}
		return w.StartJob()
	})
}

func releaseSlot(ctx context.Context, st Store, id string) error {
	_, err := updateWorker(ctx, st, id, domain.Worker.FinishJob)
	return err
}
