package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"chronoflow/internal/domain"
)

const jobColumns = `id,tenant_id,key,queue,priority,max_attempts,backoff,timeout_sec,concurrency_limit,sla_sec,enabled,version,created_at,updated_at`

func scanJob(sc scanner) (domain.Job, error) {
	var (
		j                domain.Job
		backoff          string
		limit, sla       sql.NullInt64
		created, updated int64
	)
	err := sc.Scan(&j.ID, &j.TenantID, &j.Key, &j.Queue, &j.Priority, &j.MaxAttempts, &backoff, &j.TimeoutSec,
		&limit, &sla, &j.Enabled, &j.Version, &created, &updated)
	if err != nil {
		return domain.Job{}, mapErr(err)
	}
	if err := json.Unmarshal([]byte(backoff), &j.Backoff); err != nil {
		return domain.Job{}, fmt.Errorf("job %s backoff: %w", j.ID, err)
	}
	j.ConcurrencyLimit = fromNullInt(limit)
	j.SLASec = fromNullInt(sla)
	j.CreatedAt = fromMs(created)
	j.UpdatedAt = fromMs(updated)
	return j, nil
}

func (s *Store) CreateJob(ctx context.Context, j domain.Job) error {
	backoff, err := json.Marshal(j.Backoff)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO jobs (`+jobColumns+`) VALUES (`+placeholders(14)+`)`,
		j.ID, j.TenantID, j.Key, j.Queue, j.Priority, j.MaxAttempts, string(backoff), j.TimeoutSec,
		nullInt(j.ConcurrencyLimit), nullInt(j.SLASec), j.Enabled, j.Version, ms(j.CreatedAt), ms(j.UpdatedAt))
	return mapErr(err)
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id=?`), id))
}

func (s *Store) FindJobByKey(ctx context.Context, tenantID, key string) (domain.Job, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanJob(s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE tenant_id=? AND key=?`), tenantID, key))
}

// SaveJob writes j if the stored row is still at expectedVersion.
func (s *Store) SaveJob(ctx context.Context, j domain.Job, expectedVersion int) error {
	backoff, err := json.Marshal(j.Backoff)
	if err != nil {
		return err
	}
	return s.execVersioned(ctx, `UPDATE jobs SET queue=?,priority=?,max_attempts=?,backoff=?,timeout_sec=?,
concurrency_limit=?,sla_sec=?,enabled=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		j.Queue, j.Priority, j.MaxAttempts, string(backoff), j.TimeoutSec,
		nullInt(j.ConcurrencyLimit), nullInt(j.SLASec), j.Enabled, j.Version, ms(j.UpdatedAt),
		j.ID, expectedVersion)
}

// CountRunningRuns counts runs of the job currently in the running state.
func (s *Store) CountRunningRuns(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM runs WHERE job_id=? AND status=?`),
		jobID, string(domain.RunRunning)).Scan(&n)
	return n, err
}
