package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestNextCommand(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "business days skip weekend and holiday",
			args: []string{"next", "0 9 * * *", "--tz", "Europe/Berlin", "--from", "2025-06-06T12:00:00+02:00",
				"--holidays", "2025-06-09", "--business-days-only", "-n", "2"},
			want: []string{"2025-06-10T09:00:00+02:00  Tuesday", "2025-06-11T09:00:00+02:00  Wednesday"},
		},
		{
			name: "rrule",
			args: []string{"next", "FREQ=DAILY;COUNT=2;BYHOUR=6;BYMINUTE=0;BYSECOND=0", "--type", "rrule",
				"--from", "2025-06-06T00:00:00Z", "-n", "5"},
			want: []string{"2025-06-06T06:00:00Z  Friday", "2025-06-07T06:00:00Z  Saturday"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&out)
			cmd.SetArgs(tc.args)
			if err := cmd.Execute(); err != nil {
				t.Fatal(err)
			}
			got := strings.Split(strings.TrimSpace(out.String()), "\n")
			if strings.Join(got, "|") != strings.Join(tc.want, "|") {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestNextCommandRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"next", "61 * * * *"},
		{"next", "0 9 * * *", "--type", "FIXED_DELAY"},
		{"next", "0 9 * * *", "--tz", "Mars/Olympus"},
	} {
		cmd := newRootCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		if err := cmd.Execute(); err == nil {
			t.Fatalf("%v: expected an error", args)
		}
	}
}
