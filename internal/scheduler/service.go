// Package scheduler turns schedule definitions into runs: it computes fire
// times, deduplicates fire events across instances, dispatches targets and
// drives retries, misfires and orphan recovery.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chronoflow/internal/config"
	"chronoflow/internal/dispatch"
	"chronoflow/internal/domain"
	"chronoflow/internal/events"
)

// Store is the persistence the scheduler needs. *store.Store implements it.
type Store interface {
	CreateSchedule(ctx context.Context, s domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	SaveSchedule(ctx context.Context, s domain.Schedule, expectedVersion int) error

	GetJob(ctx context.Context, id string) (domain.Job, error)
	FindJobByKey(ctx context.Context, tenantID, key string) (domain.Job, error)
	FindCalendarByKey(ctx context.Context, tenantID, key string) (domain.Calendar, error)

	InsertRunIfAbsent(ctx context.Context, r domain.Run) (domain.Run, bool, error)
	TransitionRun(ctx context.Context, next domain.Run, from domain.RunStatus) error
	FindDueRetryRuns(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)
	FindPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Run, error)
	FindOrphanedRuns(ctx context.Context, heartbeatCutoff time.Time, limit int) ([]domain.Run, error)
	FindStalledRuns(ctx context.Context, now time.Time, defaultTimeout, grace time.Duration, limit int) ([]domain.Run, error)
}

// Dispatcher invokes a target. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Target, env dispatch.Envelope) (dispatch.Result, error)
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithStrict makes illegal run transitions panic instead of marking the run dead.
func WithStrict(strict bool) Option {
	return func(s *Service) { s.strict = strict }
}

type Service struct {
	store      Store
	dispatcher Dispatcher
	events     events.Publisher
	now        func() time.Time
	strict     bool
	log        zerolog.Logger

	mu  sync.RWMutex
	cfg config.SchedulerConfig

	stop     chan struct{}
	stopOnce sync.Once
	degraded atomic.Bool

	totals struct {
		sync.Mutex
		TickStats
	}
}

func New(st Store, d Dispatcher, pub events.Publisher, cfg config.SchedulerConfig, opts ...Option) *Service {
	s := &Service{
		store:      st,
		dispatcher: d,
		events:     pub,
		now:        time.Now,
		cfg:        cfg,
		stop:       make(chan struct{}),
		log:        log.With().Str("component", "scheduler").Str("instance", cfg.InstanceID).Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply swaps the tunables. The poll interval takes effect after the current tick.
func (s *Service) Apply(cfg config.SchedulerConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info().
		Dur("poll_interval", cfg.PollInterval).
		Int("batch_limit", cfg.BatchLimit).
		Dur("miss_window", cfg.MissWindow).
		Msg("scheduler config applied")
}

func (s *Service) config() config.SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Start runs Tick every poll interval until ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) {
	interval := s.config().PollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("schedule service started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx)
			if next := s.config().PollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// TickStats counts what one tick (or the service lifetime) did.
type TickStats struct {
	Fired      int `json:"fired"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Dead       int `json:"dead"`
	Retried    int `json:"retried"`
	Missed     int `json:"missed"`
	Recovered  int `json:"recovered"`
	Errors     int `json:"errors"`
}

func (t *TickStats) add(o TickStats) {
	t.Fired += o.Fired
	t.Duplicates += o.Duplicates
	t.Skipped += o.Skipped
	t.Succeeded += o.Succeeded
	t.Failed += o.Failed
	t.Dead += o.Dead
	t.Retried += o.Retried
	t.Missed += o.Missed
	t.Recovered += o.Recovered
	t.Errors += o.Errors
}

func (t TickStats) empty() bool { return t == TickStats{} }

// Stats returns the totals since the service was created.
func (s *Service) Stats() TickStats {
	s.totals.Lock()
	defer s.totals.Unlock()
	return s.totals.TickStats
}

// Tick fires due schedules, marks stale pending schedule runs missed,
// dispatches due retries and recovers runs held by dead workers or abandoned
// mid-dispatch, in that order.
func (s *Service) Tick(ctx context.Context) TickStats {
	s.checkPublisher(ctx)

	var st TickStats
	s.fireDue(ctx, &st)
	s.sweepMissed(ctx, &st)
	s.dispatchRetries(ctx, &st)
	s.recoverOrphans(ctx, &st)

	s.totals.Lock()
	s.totals.add(st)
	s.totals.Unlock()
	if !st.empty() {
		s.log.Debug().Interface("stats", st).Msg("tick")
	}
	return st
}

func (s *Service) fireDue(ctx context.Context, st *TickStats) {
	schedules, err := s.GetSchedulesReadyForExecution(ctx, s.config().BatchLimit)
	if err != nil {
		st.Errors++
		s.log.Error().Err(err).Msg("failed to get due schedules")
		return
	}
	for _, sch := range schedules {
		res, err := s.ExecuteSchedule(ctx, sch)
		if err != nil {
			st.Errors++
			s.log.Error().Err(err).Str("schedule_id", sch.ID).Msg("failed to process schedule")
			continue
		}
		st.count(res)
	}
}

// checkPublisher logs transitions between a healthy and a degraded event
// publisher. Lifecycle events are best effort while degraded.
func (s *Service) checkPublisher(ctx context.Context) {
	if s.events == nil {
		return
	}
	healthy := s.events.IsHealthy(ctx)
	if s.degraded.Swap(!healthy) == !healthy {
		return
	}
	if healthy {
		s.log.Info().Msg("event publisher recovered")
	} else {
		s.log.Warn().Msg("event publisher degraded")
	}
}
