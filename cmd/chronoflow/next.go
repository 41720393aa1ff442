package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chronoflow/internal/domain"
	"chronoflow/internal/scheduler"
)

func newNextCmd() *cobra.Command {
	var (
		kind     string
		tz       string
		count    int
		from     string
		holidays string
		bizDays  bool
	)
	cmd := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next fire times of a CRON or RRULE expression",
		Example: `  chronoflow next "0 9 * * *" --tz Europe/Berlin --business-days-only --holidays 2025-06-09
  chronoflow next "FREQ=WEEKLY;BYDAY=MO,TH;BYHOUR=18;BYMINUTE=0" --type RRULE -n 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if from != "" {
				t, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				now = t
			}
			trigger := domain.Trigger{Type: domain.TriggerType(strings.ToUpper(kind))}
			switch trigger.Type {
			case domain.TriggerCron:
				trigger.Cron = args[0]
			case domain.TriggerRRule:
				trigger.RRule = args[0]
				trigger.StartAt = &now
			default:
				return fmt.Errorf("--type must be CRON or RRULE")
			}

			sch, err := domain.NewSchedule(domain.Schedule{
				TenantID: "cli",
				Name:     "next",
				TZ:       tz,
				Trigger:  trigger,
				Target:   domain.Target{Kind: domain.TargetEvent, EventTopic: "cli"},
				Enabled:  true,
				Calendar: &domain.CalendarRef{BusinessDaysOnly: bizDays},
			})
			if err != nil {
				return err
			}
			cal, err := domain.NewCalendar("", "cli", "cli", "cli", splitDates(holidays), domain.WeekdaysOnly)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			loc := sch.Location()
			for i := 0; i < count; i++ {
				next, err := scheduler.NextFireTime(sch, cal, now)
				if err != nil {
					return err
				}
				if next == nil {
					break
				}
				fmt.Fprintf(out, "%s  %s\n", next.In(loc).Format(time.RFC3339), next.In(loc).Weekday())
				sch.LastFireAt = next
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&kind, "type", "CRON", "Expression type: CRON or RRULE")
	f.StringVar(&tz, "tz", "UTC", "IANA timezone the expression is evaluated in")
	f.IntVarP(&count, "count", "n", 5, "Number of fire times to print")
	f.StringVar(&from, "from", "", "Start instant (RFC3339), default now")
	f.StringVar(&holidays, "holidays", "", "Comma-separated YYYY-MM-DD holidays")
	f.BoolVar(&bizDays, "business-days-only", false, "Skip weekends and holidays")
	return cmd
}

func splitDates(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
