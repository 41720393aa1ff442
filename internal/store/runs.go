package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"chronoflow/internal/domain"
)

const runColumns = `id,tenant_id,schedule_id,job_id,dedupe_key,status,scheduled_at,started_at,finished_at,attempt,error,latency_ms,duration_ms,worker_id,payload,created_at`

func scanRun(sc scanner) (domain.Run, error) {
	var (
		r                         domain.Run
		scheduleID, jobID, dedupe sql.NullString
		errMsg, workerID, payload sql.NullString
		status                    string
		scheduled, created        int64
		started, finished         sql.NullInt64
		latency, duration         sql.NullInt64
	)
	err := sc.Scan(&r.ID, &r.TenantID, &scheduleID, &jobID, &dedupe, &status, &scheduled, &started, &finished,
		&r.Attempt, &errMsg, &latency, &duration, &workerID, &payload, &created)
	if err != nil {
		return domain.Run{}, mapErr(err)
	}
	r.ScheduleID = fromNullString(scheduleID)
	r.JobID = fromNullString(jobID)
	r.DedupeKey = fromNullString(dedupe)
	r.Status = domain.RunStatus(status)
	r.ScheduledAt = fromMs(scheduled)
	r.StartedAt = fromNullMs(started)
	r.FinishedAt = fromNullMs(finished)
	r.Error = fromNullString(errMsg)
	r.WorkerID = fromNullString(workerID)
	if latency.Valid {
		r.Metrics.LatencyMs = &latency.Int64
	}
	if duration.Valid {
		r.Metrics.DurationMs = &duration.Int64
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.CreatedAt = fromMs(created)
	return r, nil
}

func runArgs(r domain.Run) []any {
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	return []any{r.ID, r.TenantID, nullString(r.ScheduleID), nullString(r.JobID), nullString(r.DedupeKey),
		string(r.Status), ms(r.ScheduledAt), nullMs(r.StartedAt), nullMs(r.FinishedAt), r.Attempt,
		nullString(r.Error), nullInt64(r.Metrics.LatencyMs), nullInt64(r.Metrics.DurationMs),
		nullString(r.WorkerID), payload, ms(r.CreatedAt)}
}

// InsertRunIfAbsent stores r unless a run with the same dedupe key exists.
// It returns the stored run and whether this call inserted it.
func (s *Store) InsertRunIfAbsent(ctx context.Context, r domain.Run) (domain.Run, bool, error) {
	res, err := s.exec(ctx, `INSERT INTO runs (`+runColumns+`) VALUES (`+placeholders(16)+`) ON CONFLICT DO NOTHING`,
		runArgs(r)...)
	if err != nil {
		return domain.Run{}, false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Run{}, false, err
	}
	if n == 1 {
		return r, true, nil
	}
	if r.DedupeKey == nil {
		return domain.Run{}, false, domain.ErrConflict
	}
	existing, err := s.GetRunByDedupeKey(ctx, *r.DedupeKey)
	if err != nil {
		return domain.Run{}, false, err
	}
	return existing, false, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (domain.Run, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id=?`), id))
}

func (s *Store) GetRunByDedupeKey(ctx context.Context, key string) (domain.Run, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE dedupe_key=?`), key))
}

// TransitionRun writes next only if the stored run is still in status from.
// A concurrent transition surfaces as ErrVersionConflict.
func (s *Store) TransitionRun(ctx context.Context, next domain.Run, from domain.RunStatus) error {
	return s.execVersioned(ctx, `UPDATE runs SET status=?,started_at=?,finished_at=?,error=?,latency_ms=?,duration_ms=?,worker_id=?
WHERE id=? AND status=?`,
		string(next.Status), nullMs(next.StartedAt), nullMs(next.FinishedAt), nullString(next.Error),
		nullInt64(next.Metrics.LatencyMs), nullInt64(next.Metrics.DurationMs), nullString(next.WorkerID),
		next.ID, string(from))
}

// ListRunsForSchedule returns the latest runs of a schedule, newest first.
func (s *Store) ListRunsForSchedule(ctx context.Context, scheduleID string, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE schedule_id=?
ORDER BY scheduled_at DESC, attempt DESC LIMIT ?`, scheduleID, limit)
}

// FindDueRetryRuns returns pending schedule runs whose not-before time has passed.
func (s *Store) FindDueRetryRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
WHERE status=? AND schedule_id IS NOT NULL AND scheduled_at <= ?
ORDER BY scheduled_at, id LIMIT ?`, string(domain.RunPending), ms(now), limit)
}

// FindPendingBefore returns pending schedule runs scheduled before cutoff.
// Enqueued job runs wait for worker capacity and are never returned.
func (s *Store) FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
WHERE status=? AND schedule_id IS NOT NULL AND scheduled_at < ?
ORDER BY scheduled_at, id LIMIT ?`, string(domain.RunPending), ms(cutoff), limit)
}

// FindOrphanedRuns returns running runs held by workers whose last heartbeat
// is older than heartbeatCutoff.
func (s *Store) FindOrphanedRuns(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+qualify("r", runColumns)+` FROM runs r
JOIN workers w ON w.id = r.worker_id
WHERE r.status=? AND w.heartbeat_at < ?
ORDER BY r.started_at, r.id LIMIT ?`, string(domain.RunRunning), ms(heartbeatCutoff), limit)
}

// FindStalledRuns returns running runs without a worker, the ones a scheduler
// dispatches itself, that started more than their job timeout (or
// defaultTimeout without a job) plus grace before now.
func (s *Store) FindStalledRuns(ctx context.Context, now time.Time, defaultTimeout, grace time.Duration, limit int) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+qualify("r", runColumns)+` FROM runs r
LEFT JOIN jobs j ON j.id = r.job_id
WHERE r.status=? AND r.worker_id IS NULL AND r.started_at IS NOT NULL
AND r.started_at + COALESCE(CAST(j.timeout_sec AS BIGINT) * 1000, CAST(? AS BIGINT)) < ?
ORDER BY r.started_at, r.id LIMIT ?`,
		string(domain.RunRunning), defaultTimeout.Milliseconds(), ms(now.Add(-grace)), limit)
}

// FindRunsOnWorker returns the runs in status held by workerID, oldest first.
func (s *Store) FindRunsOnWorker(ctx context.Context, workerID string, status domain.RunStatus) ([]domain.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs
WHERE worker_id=? AND status=?
ORDER BY started_at, id`, workerID, string(status))
}

// NextPendingJobRun returns the most urgent due job run the caller can execute:
// enabled job, queue in queues, and key in jobKeys unless jobKeys is empty.
func (s *Store) NextPendingJobRun(ctx context.Context, queues, jobKeys []string, now time.Time) (domain.Run, domain.Job, error) {
	if len(queues) == 0 {
		return domain.Run{}, domain.Job{}, domain.ErrNotFound
	}
	query := `SELECT ` + qualify("r", runColumns) + `, j.id FROM runs r
JOIN jobs j ON j.id = r.job_id
WHERE r.status=? AND r.schedule_id IS NULL AND r.scheduled_at <= ? AND j.enabled=?
  AND j.queue IN (` + placeholders(len(queues)) + `)`
	args := []any{string(domain.RunPending), ms(now), true}
	for _, q := range queues {
		args = append(args, q)
	}
	if len(jobKeys) > 0 {
		query += ` AND j.key IN (` + placeholders(len(jobKeys)) + `)`
		for _, k := range jobKeys {
			args = append(args, k)
		}
	}
	query += ` ORDER BY j.priority DESC, r.scheduled_at, r.id LIMIT 1`

	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var jobID string
	row := s.db.QueryRowContext(ctx, s.q(query), args...)
	r, err := scanRun(runWithTrailing{row, &jobID})
	if err != nil {
		return domain.Run{}, domain.Job{}, err
	}
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return domain.Run{}, domain.Job{}, err
	}
	return r, j, nil
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]domain.Run, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// runWithTrailing scans extra columns selected after the run columns.
type runWithTrailing struct {
	sc    scanner
	extra *string
}

func (r runWithTrailing) Scan(dest ...any) error {
	return r.sc.Scan(append(dest, r.extra)...)
}

// qualify prefixes each column in a comma separated list with alias.
func qualify(alias, columns string) string {
	return alias + "." + strings.ReplaceAll(columns, ",", ","+alias+".")
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
