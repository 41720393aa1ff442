package domain

import (
	"iter"
	"sort"
	"strings"
	"time"
)

const dayLayout = "2006-01-02"

// BusinessDays flags which weekdays count as business days.
type BusinessDays struct {
	Mon bool `json:"mon"`
	Tue bool `json:"tue"`
	Wed bool `json:"wed"`
	Thu bool `json:"thu"`
	Fri bool `json:"fri"`
	Sat bool `json:"sat"`
	Sun bool `json:"sun"`
}

// WeekdaysOnly is the Monday to Friday business week.
var WeekdaysOnly = BusinessDays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true}

func (b BusinessDays) On(d time.Weekday) bool {
	switch d {
	case time.Monday:
		return b.Mon
	case time.Tuesday:
		return b.Tue
	case time.Wednesday:
		return b.Wed
	case time.Thursday:
		return b.Thu
	case time.Friday:
		return b.Fri
	case time.Saturday:
		return b.Sat
	default:
		return b.Sun
	}
}

func (b BusinessDays) any() bool {
	return b.Mon || b.Tue || b.Wed || b.Thu || b.Fri || b.Sat || b.Sun
}

// Calendar is an immutable holiday and business-day definition. Dates are
// compared at day granularity in the location of the time passed in.
type Calendar struct {
	ID           string
	TenantID     string
	Key          string
	Name         string
	BusinessDays BusinessDays

	holidays map[string]struct{}
}

// NewCalendar builds a calendar; holidays are "2006-01-02" dates.
func NewCalendar(id, tenantID, key, name string, holidays []string, days BusinessDays) (Calendar, error) {
	verr := &ValidationError{}
	if strings.TrimSpace(key) == "" {
		verr.add("calendar key is required")
	}
	if !days.any() {
		verr.add("calendar needs at least one business day")
	}
	set := make(map[string]struct{}, len(holidays))
	for _, h := range holidays {
		d, err := time.Parse(dayLayout, strings.TrimSpace(h))
		if err != nil {
			verr.add("holiday %q is not a YYYY-MM-DD date", h)
			continue
		}
		set[d.Format(dayLayout)] = struct{}{}
	}
	if err := verr.orNil(); err != nil {
		return Calendar{}, err
	}
	return Calendar{ID: id, TenantID: tenantID, Key: key, Name: name, BusinessDays: days, holidays: set}, nil
}

// DefaultCalendar is used for businessDaysOnly schedules without a holiday code.
func DefaultCalendar() Calendar {
	return Calendar{Key: "default", Name: "Weekdays", BusinessDays: WeekdaysOnly}
}

// Holidays returns the holiday dates in ascending order.
func (c Calendar) Holidays() []string {
	out := make([]string, 0, len(c.holidays))
	for d := range c.holidays {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// UpdateHolidays returns a copy of c with the holiday set replaced.
func (c Calendar) UpdateHolidays(holidays []string) (Calendar, error) {
	return NewCalendar(c.ID, c.TenantID, c.Key, c.Name, holidays, c.BusinessDays)
}

// UpdateBusinessDays returns a copy of c with new business days.
func (c Calendar) UpdateBusinessDays(days BusinessDays) (Calendar, error) {
	return NewCalendar(c.ID, c.TenantID, c.Key, c.Name, c.Holidays(), days)
}

func (c Calendar) IsHoliday(t time.Time) bool {
	_, ok := c.holidays[t.Format(dayLayout)]
	return ok
}

func (c Calendar) IsBusinessDay(t time.Time) bool {
	return c.BusinessDays.On(t.Weekday())
}

func (c Calendar) IsWorkingDay(t time.Time) bool {
	return c.IsBusinessDay(t) && !c.IsHoliday(t)
}

// NextWorkingDay returns the first working day strictly after from,
// keeping the wall-clock time of from.
func (c Calendar) NextWorkingDay(from time.Time) (time.Time, error) {
	return c.walk(from, 1)
}

// PreviousWorkingDay returns the last working day strictly before from.
func (c Calendar) PreviousWorkingDay(from time.Time) (time.Time, error) {
	return c.walk(from, -1)
}

// AddWorkingDays moves n working days away from t; negative n walks backwards.
func (c Calendar) AddWorkingDays(t time.Time, n int) (time.Time, error) {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	cur := t
	for i := 0; i < n; i++ {
		next, err := c.walk(cur, step)
		if err != nil {
			return time.Time{}, err
		}
		cur = next
	}
	return cur, nil
}

// WorkingDaysInRange lists the working days between start and end, both inclusive.
func (c Calendar) WorkingDaysInRange(start, end time.Time) []time.Time {
	var out []time.Time
	for d := range c.WorkingDays(start, end) {
		out = append(out, d)
	}
	return out
}

// WorkingDays yields working days between start and end (inclusive) lazily,
// each at midnight in start's location.
func (c Calendar) WorkingDays(start, end time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		loc := start.Location()
		day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		e := end.In(loc)
		last := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
		for !day.After(last) {
			if c.IsWorkingDay(day) && !yield(day) {
				return
			}
			day = day.AddDate(0, 0, 1)
		}
	}
}

func (c Calendar) walk(from time.Time, step int) (time.Time, error) {
	if !c.BusinessDays.any() {
		return time.Time{}, ErrCalendarConfig
	}
	// each holiday can cost at most one week
	limit := (len(c.holidays) + 1) * 7
	cur := from
	for i := 0; i < limit; i++ {
		cur = cur.AddDate(0, 0, step)
		if c.IsWorkingDay(cur) {
			return cur, nil
		}
	}
	return time.Time{}, ErrCalendarConfig
}
