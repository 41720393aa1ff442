package scheduler

import (
	"errors"
	"testing"
	"time"

	"chronoflow/internal/domain"
)

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return loc
}

func germanCalendar(t *testing.T, holidays ...string) domain.Calendar {
	t.Helper()
	cal, err := domain.NewCalendar("cal_de", "t1", "de", "Germany", holidays, domain.WeekdaysOnly)
	if err != nil {
		t.Fatal(err)
	}
	return cal
}

func TestNextFireTimeCronSkipsHoliday(t *testing.T) {
	loc := berlin(t)
	last := time.Date(2025, 6, 6, 9, 0, 0, 0, loc) // Friday
	s := domain.Schedule{
		ID: "sch_a", TZ: "Europe/Berlin",
		Trigger:    domain.Trigger{Type: domain.TriggerCron, Cron: "0 9 * * MON-FRI"},
		Calendar:   &domain.CalendarRef{HolidaysCode: "de", BusinessDaysOnly: true},
		LastFireAt: &last,
	}
	got, err := NextFireTime(s, germanCalendar(t, "2025-06-09"), last.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 6, 10, 9, 0, 0, 0, loc)
	if got == nil || !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}

	// without the business day restriction Monday fires
	s.Calendar.BusinessDaysOnly = false
	got, err = NextFireTime(s, germanCalendar(t, "2025-06-09"), last)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 9, 9, 0, 0, 0, loc); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}

func TestNextFireTimeCronKeepsWallClockAcrossDST(t *testing.T) {
	loc := berlin(t)
	last := time.Date(2025, 3, 29, 9, 0, 0, 0, loc)
	s := domain.Schedule{
		ID: "sch_dst", TZ: "Europe/Berlin",
		Trigger:    domain.Trigger{Type: domain.TriggerCron, Cron: "0 9 * * *"},
		LastFireAt: &last,
	}
	got, err := NextFireTime(s, domain.DefaultCalendar(), last)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 3, 30, 7, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got.UTC(), want)
	}
}

func TestNextFireTimeCronWithoutLastFireUsesNow(t *testing.T) {
	now := time.Date(2025, 6, 4, 10, 15, 0, 0, time.UTC)
	s := domain.Schedule{ID: "sch_q", TZ: "UTC", Trigger: domain.Trigger{Type: domain.TriggerCron, Cron: "*/30 * * * *"}}
	got, err := NextFireTime(s, domain.DefaultCalendar(), now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 4, 10, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}

func TestNextFireTimeRRule(t *testing.T) {
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC) // Monday
	s := domain.Schedule{
		ID: "sch_r", TZ: "UTC",
		Trigger: domain.Trigger{
			Type:    domain.TriggerRRule,
			RRule:   "FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=10;BYMINUTE=0;BYSECOND=0",
			StartAt: &start,
		},
	}
	now := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	got, err := NextFireTime(s, domain.DefaultCalendar(), now)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 4, 10, 0, 0, 0, time.UTC); got == nil || !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}

	// exhausted rule goes dormant
	s.Trigger.RRule = "FREQ=DAILY;COUNT=2"
	last := start.Add(24 * time.Hour)
	s.LastFireAt = &last
	got, err = NextFireTime(s, domain.DefaultCalendar(), now)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("next = %v, want nil", got)
	}
}

func TestNextFireTimeFixedDelay(t *testing.T) {
	fired := time.Date(2025, 6, 4, 8, 0, 0, 0, time.UTC)
	done := fired.Add(7 * time.Minute)
	s := domain.Schedule{
		ID: "sch_d", TZ: "UTC",
		Trigger: domain.Trigger{Type: domain.TriggerFixedDelay, DelaySec: domain.Ptr(3600)},
	}
	now := fired.Add(10 * time.Minute)

	got, _ := NextFireTime(s, domain.DefaultCalendar(), now)
	if want := now.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("never fired: next = %v, want %v", got, want)
	}

	s.LastFireAt = &fired
	got, _ = NextFireTime(s, domain.DefaultCalendar(), now)
	if want := fired.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("in flight: next = %v, want %v", got, want)
	}

	s.LastCompletedAt = &done
	got, _ = NextFireTime(s, domain.DefaultCalendar(), now)
	if want := done.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("completed: next = %v, want %v", got, want)
	}
}

func TestNextFireTimeOneShot(t *testing.T) {
	at := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	s := domain.Schedule{ID: "sch_o", TZ: "UTC", Trigger: domain.Trigger{Type: domain.TriggerOneShot, StartAt: &at}}
	got, err := NextFireTime(s, domain.DefaultCalendar(), at.Add(-time.Hour))
	if err != nil || got == nil || !got.Equal(at) {
		t.Fatalf("next = %v, %v", got, err)
	}
	s.LastFireAt = &at
	got, err = NextFireTime(s, domain.DefaultCalendar(), at.Add(time.Hour))
	if err != nil || got != nil {
		t.Fatalf("after firing next = %v, %v", got, err)
	}
}

func TestNextFireTimeNoWorkingOccurrence(t *testing.T) {
	s := domain.Schedule{
		ID: "sch_sat", TZ: "UTC",
		Trigger:  domain.Trigger{Type: domain.TriggerCron, Cron: "0 9 * * SAT"},
		Calendar: &domain.CalendarRef{BusinessDaysOnly: true},
	}
	_, err := NextFireTime(s, domain.DefaultCalendar(), time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC))
	if !errors.Is(err, domain.ErrCalendarConfig) {
		t.Fatalf("err = %v, want ErrCalendarConfig", err)
	}
}

func TestSkipNextFixedDelayOverWeekend(t *testing.T) {
	fireAt := time.Date(2025, 6, 7, 10, 0, 0, 0, time.UTC) // Saturday
	s := domain.Schedule{
		ID: "sch_w", TZ: "UTC",
		Trigger:  domain.Trigger{Type: domain.TriggerFixedDelay, DelaySec: domain.Ptr(3600)},
		Calendar: &domain.CalendarRef{BusinessDaysOnly: true},
	}
	got, err := skipNext(s, domain.DefaultCalendar(), fireAt, fireAt)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("skip = %v, want %v", got, want)
	}
}

func TestNextFireTimeFrequentCronCrossesWeekend(t *testing.T) {
	last := time.Date(2025, 6, 6, 23, 59, 0, 0, time.UTC) // Friday
	cases := []struct {
		name     string
		cron     string
		holidays []string
		want     time.Time
	}{
		{"minutely over weekend", "* * * * *", nil, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)},
		{"minutely over weekend and holiday", "* * * * *", []string{"2025-06-09"}, time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)},
		{"every second over weekend", "* * * * * *", nil, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)},
		{"quarter hourly from nine", "*/15 9-17 * * *", []string{"2025-06-09"}, time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := domain.Schedule{
				ID: "sch_m", TZ: "UTC",
				Trigger:    domain.Trigger{Type: domain.TriggerCron, Cron: tc.cron},
				Calendar:   &domain.CalendarRef{BusinessDaysOnly: true},
				LastFireAt: &last,
			}
			cal, err := domain.NewCalendar("", "t1", "x", "x", tc.holidays, domain.WeekdaysOnly)
			if err != nil {
				t.Fatal(err)
			}
			got, err := NextFireTime(s, cal, last)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || !got.Equal(tc.want) {
				t.Fatalf("next = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNextFireTimeHourlyRRuleCrossesWeekendInZone(t *testing.T) {
	loc := berlin(t)
	start := time.Date(2025, 6, 2, 0, 30, 0, 0, loc)
	last := time.Date(2025, 6, 6, 23, 30, 0, 0, loc) // Friday
	s := domain.Schedule{
		ID: "sch_r", TZ: "Europe/Berlin",
		Trigger:    domain.Trigger{Type: domain.TriggerRRule, RRule: "FREQ=HOURLY", StartAt: &start},
		Calendar:   &domain.CalendarRef{BusinessDaysOnly: true},
		LastFireAt: &last,
	}
	got, err := NextFireTime(s, germanCalendar(t), last)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 6, 9, 0, 30, 0, 0, loc); got == nil || !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}
