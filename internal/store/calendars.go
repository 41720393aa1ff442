package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chronoflow/internal/domain"
)

// UpsertCalendar inserts c or replaces the calendar with the same tenant and key.
// The stored id wins on replace.
func (s *Store) UpsertCalendar(ctx context.Context, c domain.Calendar, now time.Time) error {
	holidays, err := json.Marshal(c.Holidays())
	if err != nil {
		return err
	}
	days, err := json.Marshal(c.BusinessDays)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO calendars (id,tenant_id,key,name,holidays,business_days,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT (tenant_id, key) DO UPDATE SET name=excluded.name, holidays=excluded.holidays,
  business_days=excluded.business_days, updated_at=excluded.updated_at`,
		c.ID, c.TenantID, c.Key, c.Name, string(holidays), string(days), ms(now))
	return mapErr(err)
}

func (s *Store) FindCalendarByKey(ctx context.Context, tenantID, key string) (domain.Calendar, error) {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	var (
		id, tenant, k, name string
		holidays, days      string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id,tenant_id,key,name,holidays,business_days FROM calendars
WHERE tenant_id=? AND key=?`), tenantID, key).Scan(&id, &tenant, &k, &name, &holidays, &days)
	if err != nil {
		return domain.Calendar{}, mapErr(err)
	}
	var hs []string
	if err := json.Unmarshal([]byte(holidays), &hs); err != nil {
		return domain.Calendar{}, fmt.Errorf("calendar %s holidays: %w", key, err)
	}
	var bd domain.BusinessDays
	if err := json.Unmarshal([]byte(days), &bd); err != nil {
		return domain.Calendar{}, fmt.Errorf("calendar %s business days: %w", key, err)
	}
	return domain.NewCalendar(id, tenant, k, name, hs, bd)
}
