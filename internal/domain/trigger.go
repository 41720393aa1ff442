package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"
)

type TriggerType string

const (
	TriggerCron       TriggerType = "CRON"
	TriggerRRule      TriggerType = "RRULE"
	TriggerFixedDelay TriggerType = "FIXED_DELAY"
	TriggerOneShot    TriggerType = "ONE_SHOT"
)

// Trigger decides when a schedule fires. Only the fields of Type are used.
type Trigger struct {
	Type     TriggerType `json:"type"`
	Cron     string      `json:"cron,omitempty"`
	RRule    string      `json:"rrule,omitempty"`
	DelaySec *int        `json:"delay_sec,omitempty"`
	StartAt  *time.Time  `json:"start_at,omitempty"`
}

type TargetKind string

const (
	TargetEvent TargetKind = "EVENT"
	TargetHTTP  TargetKind = "HTTP"
	TargetQueue TargetKind = "QUEUE"
)

type HTTPTarget struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	HMACKeyRef string            `json:"hmac_key_ref,omitempty"`
}

type QueueTarget struct {
	Topic string `json:"topic"`
}

// Target is what a schedule invokes. Only the variant matching Kind is set.
type Target struct {
	Kind       TargetKind   `json:"kind"`
	EventTopic string       `json:"event_topic,omitempty"`
	HTTP       *HTTPTarget  `json:"http,omitempty"`
	Queue      *QueueTarget `json:"queue,omitempty"`
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses a 5 field (minute first) or 6 field (seconds first) expression.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("cron %q: timezone belongs in the schedule tz field", expr)
	}
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	return s, nil
}

// ParseRRule parses an iCalendar RRULE. When the rule has no DTSTART,
// dtstart anchors the recurrence.
func ParseRRule(rule string, loc *time.Location, dtstart time.Time) (*rrule.RRule, error) {
	s := strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	opt, err := rrule.StrToROptionInLocation(s, loc)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %w", rule, err)
	}
	if opt.Dtstart.IsZero() {
		opt.Dtstart = dtstart.In(loc).Truncate(time.Second)
	}
	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("rrule %q: %w", rule, err)
	}
	return r, nil
}

// Resolution is the granularity fire times are truncated to for dedupe keys.
func (t Trigger) Resolution() time.Duration {
	if t.Type == TriggerCron && len(strings.Fields(t.Cron)) < 6 {
		return time.Minute
	}
	return time.Second
}

func (t Trigger) validate(verr *ValidationError, loc *time.Location) {
	switch t.Type {
	case TriggerCron:
		if strings.TrimSpace(t.Cron) == "" {
			verr.add("CRON trigger requires cron")
		} else if _, err := ParseCron(t.Cron); err != nil {
			verr.add("%v", err)
		}
	case TriggerRRule:
		if strings.TrimSpace(t.RRule) == "" {
			verr.add("RRULE trigger requires rrule")
		} else if loc != nil {
			anchor := time.Unix(0, 0)
			if t.StartAt != nil {
				anchor = *t.StartAt
			}
			if _, err := ParseRRule(t.RRule, loc, anchor); err != nil {
				verr.add("%v", err)
			}
		}
	case TriggerFixedDelay:
		if t.DelaySec == nil || *t.DelaySec <= 0 {
			verr.add("FIXED_DELAY trigger requires a positive delay_sec")
		}
	case TriggerOneShot:
		if t.StartAt == nil || t.StartAt.IsZero() {
			verr.add("ONE_SHOT trigger requires start_at")
		}
	default:
		verr.add("unknown trigger type %q", t.Type)
	}
}

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

func (t Target) validate(verr *ValidationError) {
	switch t.Kind {
	case TargetEvent:
		if strings.TrimSpace(t.EventTopic) == "" {
			verr.add("EVENT target requires event_topic")
		}
	case TargetHTTP:
		if t.HTTP == nil {
			verr.add("HTTP target requires http settings")
			return
		}
		u, err := url.Parse(t.HTTP.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.add("HTTP target url %q is not an absolute http(s) url", t.HTTP.URL)
		}
		if m := strings.ToUpper(t.HTTP.Method); m != "" && !httpMethods[m] {
			verr.add("HTTP target method %q is not supported", t.HTTP.Method)
		}
	case TargetQueue:
		if t.Queue == nil || strings.TrimSpace(t.Queue.Topic) == "" {
			verr.add("QUEUE target requires queue.topic")
		}
	default:
		verr.add("unknown target kind %q", t.Kind)
	}
}
