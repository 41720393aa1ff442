package domain

import "github.com/google/uuid"

// ID prefixes per entity.
const (
	PrefixSchedule = "sch"
	PrefixJob      = "job"
	PrefixRun      = "run"
	PrefixWorker   = "wrk"
	PrefixCalendar = "cal"
	PrefixEvent    = "evt"
)

// NewID returns a prefixed random id such as "run_6f1c...".
func NewID(prefix string) string { return prefix + "_" + uuid.NewString() }

func Ptr[T any](v T) *T { return &v }
