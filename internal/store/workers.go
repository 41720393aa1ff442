package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chronoflow/internal/domain"
)

const workerColumns = `id,tenant_id,name,capabilities,heartbeat_at,status,max_parallel,current_jobs,version`

func scanWorker(sc scanner) (domain.Worker, error) {
	var (
		w         domain.Worker
		tenantID  sql.NullString
		caps      string
		status    string
		heartbeat int64
	)
	err := sc.Scan(&w.ID, &tenantID, &w.Name, &caps, &heartbeat, &status, &w.MaxParallel, &w.CurrentJobs, &w.Version)
	if err != nil {
		return domain.Worker{}, mapErr(err)
	}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return domain.Worker{}, fmt.Errorf("worker %s capabilities: %w", w.ID, err)
	}
	w.TenantID = fromNullString(tenantID)
	w.Status = domain.WorkerStatus(status)
	w.HeartbeatAt = fromMs(heartbeat)
	return w, nil
}

// RegisterWorker upserts w by name. A returning worker keeps its id, comes
// back online and starts with no jobs.
func (s *Store) RegisterWorker(ctx context.Context, w domain.Worker) (domain.Worker, error) {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return domain.Worker{}, err
	}
	_, err = s.exec(ctx, `INSERT INTO workers (`+workerColumns+`) VALUES (?,?,?,?,?,?,?,0,1)
ON CONFLICT (name) DO UPDATE SET tenant_id=excluded.tenant_id, capabilities=excluded.capabilities,
  heartbeat_at=excluded.heartbeat_at, status=excluded.status, max_parallel=excluded.max_parallel,
  current_jobs=0, version=workers.version+1`,
		w.ID, nullString(w.TenantID), w.Name, string(caps), ms(w.HeartbeatAt), string(domain.WorkerOnline), w.MaxParallel)
	if err != nil {
		return domain.Worker{}, mapErr(err)
	}
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanWorker(s.db.QueryRowContext(ctx, s.q(`SELECT `+workerColumns+` FROM workers WHERE name=?`), w.Name))
}

func (s *Store) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanWorker(s.db.QueryRowContext(ctx, s.q(`SELECT `+workerColumns+` FROM workers WHERE id=?`), id))
}

func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	return s.queryWorkers(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY name`)
}

// FindHealthyWorkers returns online workers with a heartbeat at or after cutoff.
func (s *Store) FindHealthyWorkers(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return s.queryWorkers(ctx, `SELECT `+workerColumns+` FROM workers
WHERE status=? AND heartbeat_at >= ? ORDER BY name`, string(domain.WorkerOnline), ms(cutoff))
}

// SaveWorker writes load, status and heartbeat if the stored row is still at
// expectedVersion.
func (s *Store) SaveWorker(ctx context.Context, w domain.Worker, expectedVersion int) error {
	return s.execVersioned(ctx, `UPDATE workers SET heartbeat_at=?,status=?,current_jobs=?,version=?
WHERE id=? AND version=?`,
		ms(w.HeartbeatAt), string(w.Status), w.CurrentJobs, w.Version, w.ID, expectedVersion)
}

func (s *Store) queryWorkers(ctx context.Context, query string, args ...any) ([]domain.Worker, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
