package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chronoflow/internal/domain"
)

const scheduleColumns = `id,tenant_id,name,description,tz,trigger_spec,target,payload,calendar_ref,job_id,enabled,next_fire_at,last_fire_at,last_completed_at,version,created_at,updated_at`

// scheduleRow is the database record of a Schedule.
type scheduleRow struct {
	ID              string
	TenantID        string
	Name            string
	Description     string
	TZ              string
	Trigger         string
	Target          string
	Payload         sql.NullString
	CalendarRef     sql.NullString
	JobID           sql.NullString
	Enabled         bool
	NextFireAt      sql.NullInt64
	LastFireAt      sql.NullInt64
	LastCompletedAt sql.NullInt64
	Version         int
	CreatedAt       int64
	UpdatedAt       int64
}

func toScheduleRow(s domain.Schedule) (scheduleRow, error) {
	trig, err := json.Marshal(s.Trigger)
	if err != nil {
		return scheduleRow{}, fmt.Errorf("encode trigger: %w", err)
	}
	target, err := json.Marshal(s.Target)
	if err != nil {
		return scheduleRow{}, fmt.Errorf("encode target: %w", err)
	}
	row := scheduleRow{
		ID: s.ID, TenantID: s.TenantID, Name: s.Name, Description: s.Description, TZ: s.TZ,
		Trigger: string(trig), Target: string(target),
		JobID:     sql.NullString{String: deref(s.JobID), Valid: s.JobID != nil},
		Enabled:   s.Enabled,
		Version:   s.Version,
		CreatedAt: ms(s.CreatedAt), UpdatedAt: ms(s.UpdatedAt),
	}
	if len(s.Payload) > 0 {
		row.Payload = sql.NullString{String: string(s.Payload), Valid: true}
	}
	if s.Calendar != nil {
		cal, err := json.Marshal(s.Calendar)
		if err != nil {
			return scheduleRow{}, fmt.Errorf("encode calendar ref: %w", err)
		}
		row.CalendarRef = sql.NullString{String: string(cal), Valid: true}
	}
	row.NextFireAt = toNullInt64(s.NextFireAt)
	row.LastFireAt = toNullInt64(s.LastFireAt)
	row.LastCompletedAt = toNullInt64(s.LastCompletedAt)
	return row, nil
}

func (r scheduleRow) schedule() (domain.Schedule, error) {
	s := domain.Schedule{
		ID: r.ID, TenantID: r.TenantID, Name: r.Name, Description: r.Description, TZ: r.TZ,
		JobID:           fromNullString(r.JobID),
		Enabled:         r.Enabled,
		NextFireAt:      fromNullMs(r.NextFireAt),
		LastFireAt:      fromNullMs(r.LastFireAt),
		LastCompletedAt: fromNullMs(r.LastCompletedAt),
		Version:         r.Version,
		CreatedAt:       fromMs(r.CreatedAt),
		UpdatedAt:       fromMs(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Trigger), &s.Trigger); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s trigger: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Target), &s.Target); err != nil {
		return domain.Schedule{}, fmt.Errorf("schedule %s target: %w", r.ID, err)
	}
	if r.Payload.Valid {
		s.Payload = json.RawMessage(r.Payload.String)
	}
	if r.CalendarRef.Valid {
		s.Calendar = &domain.CalendarRef{}
		if err := json.Unmarshal([]byte(r.CalendarRef.String), s.Calendar); err != nil {
			return domain.Schedule{}, fmt.Errorf("schedule %s calendar: %w", r.ID, err)
		}
	}
	return s, nil
}

func (r scheduleRow) args() []any {
	return []any{r.ID, r.TenantID, r.Name, r.Description, r.TZ, r.Trigger, r.Target, r.Payload,
		r.CalendarRef, r.JobID, r.Enabled, r.NextFireAt, r.LastFireAt, r.LastCompletedAt,
		r.Version, r.CreatedAt, r.UpdatedAt}
}

func scanSchedule(sc scanner) (domain.Schedule, error) {
	var r scheduleRow
	err := sc.Scan(&r.ID, &r.TenantID, &r.Name, &r.Description, &r.TZ, &r.Trigger, &r.Target, &r.Payload,
		&r.CalendarRef, &r.JobID, &r.Enabled, &r.NextFireAt, &r.LastFireAt, &r.LastCompletedAt,
		&r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, mapErr(err)
	}
	return r.schedule()
}

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) error {
	row, err := toScheduleRow(sc)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO schedules (`+scheduleColumns+`) VALUES (`+placeholders(17)+`)`, row.args()...)
	return mapErr(err)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanSchedule(s.db.QueryRowContext(ctx, s.q(`SELECT `+scheduleColumns+` FROM schedules WHERE id=?`), id))
}

func (s *Store) FindScheduleByTenantAndName(ctx context.Context, tenantID, name string) (domain.Schedule, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	return scanSchedule(s.db.QueryRowContext(ctx,
		s.q(`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id=? AND name=?`), tenantID, name))
}

func (s *Store) ListSchedules(ctx context.Context, tenantID string) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id=? ORDER BY name`, tenantID)
}

// FindDueSchedules returns enabled schedules with next_fire_at <= now, oldest first.
func (s *Store) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules
WHERE enabled=? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
ORDER BY next_fire_at, id LIMIT ?`, true, ms(now), limit)
}

// SaveSchedule writes sc if the stored row is still at expectedVersion.
func (s *Store) SaveSchedule(ctx context.Context, sc domain.Schedule, expectedVersion int) error {
	row, err := toScheduleRow(sc)
	if err != nil {
		return err
	}
	return s.execVersioned(ctx, `UPDATE schedules SET name=?,description=?,tz=?,trigger_spec=?,target=?,payload=?,calendar_ref=?,
job_id=?,enabled=?,next_fire_at=?,last_fire_at=?,last_completed_at=?,version=?,updated_at=?
WHERE id=? AND version=?`,
		row.Name, row.Description, row.TZ, row.Trigger, row.Target, row.Payload, row.CalendarRef,
		row.JobID, row.Enabled, row.NextFireAt, row.LastFireAt, row.LastCompletedAt, row.Version, row.UpdatedAt,
		row.ID, expectedVersion)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func toNullInt64(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ms(*t), Valid: true}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
