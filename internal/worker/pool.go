// Package worker executes enqueued job runs on a capacity-bounded worker.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chronoflow/internal/config"
	"chronoflow/internal/domain"
	"chronoflow/internal/events"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error { return f(ctx, payload) }

// Store is the persistence the pool and the assigner need.
type Store interface {
	RegisterWorker(ctx context.Context, w domain.Worker) (domain.Worker, error)
	GetWorker(ctx context.Context, id string) (domain.Worker, error)
	SaveWorker(ctx context.Context, w domain.Worker, expectedVersion int) error
	FindHealthyWorkers(ctx context.Context, cutoff time.Time) ([]domain.Worker, error)

	GetJob(ctx context.Context, id string) (domain.Job, error)
	CountRunningRuns(ctx context.Context, jobID string) (int, error)

	NextPendingJobRun(ctx context.Context, queues, jobKeys []string, now time.Time) (domain.Run, domain.Job, error)
	FindRunsOnWorker(ctx context.Context, workerID string, status domain.RunStatus) ([]domain.Run, error)
	TransitionRun(ctx context.Context, next domain.Run, from domain.RunStatus) error
	InsertRunIfAbsent(ctx context.Context, r domain.Run) (domain.Run, bool, error)
}

var (
	errIdle      = errors.New("nothing to claim")
	errRaced     = errors.New("run claimed elsewhere")
	errNoHandler = errors.New("no handler")
	errRestarted = errors.New("worker restarted")
)

// shutdownPeriod bounds the final offline update.
const shutdownPeriod = 5 * time.Second

type Option func(*Pool)

func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

type Pool struct {
	store    Store
	handlers map[string]Handler
	events   events.Publisher
	cfg      config.WorkerConfig
	now      func() time.Time
	log      zerolog.Logger

	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.Mutex
	workerID string
	inflight map[string]struct{}
}

func NewPool(st Store, handlers map[string]Handler, pub events.Publisher, cfg config.WorkerConfig, opts ...Option) *Pool {
	p := &Pool{
		store:    st,
		handlers: handlers,
		events:   pub,
		cfg:      cfg,
		now:      time.Now,
		sem:      make(chan struct{}, max(cfg.MaxParallel, 0)),
		stop:     make(chan struct{}),
		inflight: map[string]struct{}{},
		log:      log.With().Str("component", "worker").Str("worker", cfg.Name).Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pool) WorkerID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workerID
}

// jobKeys is the capability list: configured keys, else the keys with a handler.
func (p *Pool) jobKeys() []string {
	if len(p.cfg.JobKeys) > 0 {
		return p.cfg.JobKeys
	}
	return slices.Sorted(maps.Keys(p.handlers))
}

// Register creates or refreshes the worker row. Runs still held by a previous
// process under the same name are failed and retried under their job policy.
func (p *Pool) Register(ctx context.Context) (domain.Worker, error) {
	caps := domain.Capabilities{Queues: p.cfg.Queues, JobKeys: p.jobKeys()}
	w, err := domain.NewWorker(domain.NewID(domain.PrefixWorker), p.cfg.Name, caps, p.cfg.MaxParallel, p.now())
	if err != nil {
		return domain.Worker{}, err
	}
	w, err = p.store.RegisterWorker(ctx, w)
	if err != nil {
		return domain.Worker{}, fmt.Errorf("register worker %s: %w", p.cfg.Name, err)
	}
	p.mu.Lock()
	p.workerID = w.ID
	p.mu.Unlock()
	p.log = p.log.With().Str("worker_id", w.ID).Logger()

	left, err := p.store.FindRunsOnWorker(ctx, w.ID, domain.RunRunning)
	if err != nil {
		return w, err
	}
	for _, r := range left {
		if r.JobID == nil {
			continue
		}
		job, err := p.store.GetJob(ctx, *r.JobID)
		if err != nil {
			p.log.Error().Err(err).Str("run_id", r.ID).Msg("leftover run without job")
			continue
		}
		p.settle(ctx, r, job, errRestarted)
	}
	p.log.Info().
		Strs("queues", caps.Queues).
		Strs("job_keys", caps.JobKeys).
		Int("max_parallel", w.MaxParallel).
		Int("abandoned", len(left)).
		Msg("worker registered")
	return w, nil
}

// Run registers the worker and polls for runs until ctx ends or Stop is
// called, then waits for running handlers and goes offline.
func (p *Pool) Run(ctx context.Context) error {
	if _, err := p.Register(ctx); err != nil {
		return err
	}
	poll := time.NewTicker(p.cfg.PollInterval)
	defer poll.Stop()
	beat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			p.shutdown(ctx)
			return nil
		case <-p.stop:
			p.shutdown(ctx)
			return nil
		case <-beat.C:
			p.heartbeat(ctx)
		case <-poll.C:
			p.adopt(ctx)
			p.drain(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) shutdown(ctx context.Context) {
	p.wg.Wait()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownPeriod)
	defer cancel()
	_, err := updateWorker(ctx, p.store, p.WorkerID(), func(w domain.Worker) (domain.Worker, error) {
		return w.SetStatus(domain.WorkerOffline), nil
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("failed to go offline")
		return
	}
	p.log.Info().Msg("worker stopped")
}

func (p *Pool) heartbeat(ctx context.Context) {
	now := p.now()
	_, err := updateWorker(ctx, p.store, p.WorkerID(), func(w domain.Worker) (domain.Worker, error) {
		return w.Heartbeat(now), nil
	})
	if err != nil {
		p.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

// drain claims runs while local slots are free.
func (p *Pool) drain(ctx context.Context) {
	for {
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		run, job, err := p.claim(ctx)
		if errors.Is(err, errRaced) {
			<-p.sem
			continue
		}
		if err != nil {
			<-p.sem
			if !errors.Is(err, errIdle) {
				p.log.Error().Err(err).Msg("failed to claim run")
			}
			return
		}
		p.launch(ctx, run, job)
	}
}

// claim picks the most urgent run this worker may execute, reserves a slot
// on the worker row and moves the run to running.
func (p *Pool) claim(ctx context.Context) (domain.Run, domain.Job, error) {
	now := p.now()
	run, job, err := p.store.NextPendingJobRun(ctx, p.cfg.Queues, p.jobKeys(), now)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Run{}, domain.Job{}, errIdle
	}
	if err != nil {
		return domain.Run{}, domain.Job{}, err
	}
	if job.ConcurrencyLimit != nil {
		n, err := p.store.CountRunningRuns(ctx, job.ID)
		if err != nil {
			return domain.Run{}, domain.Job{}, err
		}
		if n >= *job.ConcurrencyLimit {
			p.log.Debug().Str("job_id", job.ID).Int("running", n).Msg("job at concurrency limit")
			return domain.Run{}, domain.Job{}, errIdle
		}
	}

	id := p.WorkerID()
	if _, err := reserveSlot(ctx, p.store, id, job); err != nil {
		if errors.Is(err, domain.ErrCapacityExhausted) {
			return domain.Run{}, domain.Job{}, errIdle
		}
		return domain.Run{}, domain.Job{}, err
	}
	started, err := run.Start(id, now)
	if err == nil {
		p.track(run.ID)
		err = p.store.TransitionRun(ctx, started, domain.RunPending)
	}
	if err != nil {
		p.untrack(run.ID)
		if rerr := releaseSlot(ctx, p.store, id); rerr != nil {
			p.log.Warn().Err(rerr).Msg("failed to release slot")
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			return domain.Run{}, domain.Job{}, errRaced
		}
		return domain.Run{}, domain.Job{}, err
	}
	return started, job, nil
}

// adopt starts runs an Assigner pushed to this worker. Their slot is
// already reserved.
func (p *Pool) adopt(ctx context.Context) {
	runs, err := p.store.FindRunsOnWorker(ctx, p.WorkerID(), domain.RunRunning)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to list assigned runs")
		return
	}
	for _, r := range runs {
		if p.tracked(r.ID) || r.JobID == nil {
			continue
		}
		job, err := p.store.GetJob(ctx, *r.JobID)
		if err != nil {
			p.log.Error().Err(err).Str("run_id", r.ID).Msg("assigned run without job")
			continue
		}
		select {
		case p.sem <- struct{}{}:
		default:
			return
		}
		p.track(r.ID)
		p.log.Debug().Str("run_id", r.ID).Msg("adopted assigned run")
		p.launch(ctx, r, job)
	}
}

func (p *Pool) launch(ctx context.Context, run domain.Run, job domain.Job) {
	p.wg.Add(1)
	go p.execute(ctx, run, job)
}

func (p *Pool) execute(ctx context.Context, run domain.Run, job domain.Job) {
	defer p.wg.Done()
	defer func() { <-p.sem }()
	defer p.untrack(run.ID)
	// settle and release even when the pool is shutting down
	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := releaseSlot(bg, p.store, p.WorkerID()); err != nil {
			p.log.Warn().Err(err).Str("run_id", run.ID).Msg("failed to release slot")
		}
	}()

	var err error
	if h, ok := p.handlers[job.Key]; !ok {
		err = fmt.Errorf("%w for job %s", errNoHandler, job.Key)
	} else {
		hctx, cancel := context.WithTimeout(ctx, job.Timeout())
		err = h.Handle(hctx, run.Payload)
		cancel()
	}
	p.settle(bg, run, job, err)
}

// settle finishes a running run: success, failure with a retry while the job
// has attempts left, or dead. A missing handler is never retried.
func (p *Pool) settle(ctx context.Context, running domain.Run, job domain.Job, cause error) {
	now := p.now()
	logger := p.log.With().Str("run_id", running.ID).Str("job_key", job.Key).Int("attempt", running.Attempt).Logger()

	var (
		next  domain.Run
		retry *domain.Run
		err   error
	)
	switch {
	case cause == nil:
		next, err = running.Succeed(now)
	case errors.Is(cause, errNoHandler):
		next, err = running.MarkDead(cause.Error(), now)
	default:
		next, err = running.Fail(cause.Error(), now)
		if err == nil && next.CanRetry(job) {
			var r domain.Run
			r, err = next.NextAttempt(domain.NewID(domain.PrefixRun), job, now)
			retry = &r
		} else if err == nil {
			next, err = running.MarkDead(cause.Error(), now)
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("cannot settle run")
		return
	}
	if err := p.store.TransitionRun(ctx, next, domain.RunRunning); err != nil {
		// orphan recovery may have settled it already
		logger.Warn().Err(err).Msg("run settled elsewhere")
		return
	}
	if retry != nil {
		stored, _, err := p.store.InsertRunIfAbsent(ctx, *retry)
		if err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry")
		} else {
			logger.Info().
				Str("retry_run_id", stored.ID).
				Dur("backoff", job.BackoffDelay(running.Attempt)).
				Msg("retry scheduled")
		}
	}

	evs := []events.Event{events.RunEvent(next, now)}
	if running.StartedAt != nil {
		if err := job.CheckSLA(*running.StartedAt, next.FinishedAt, now); err != nil {
			logger.Warn().Err(err).Int("sla_sec", *job.SLASec).Msg("sla violated")
			evs = append(evs, events.SLAEvent(next, job, err, now))
		}
	}
	if p.events != nil {
		if err := p.events.PublishBatch(ctx, evs); err != nil {
			logger.Warn().Err(err).Msg("lifecycle event not published")
		}
	}

	ev := logger.Info()
	if cause != nil {
		ev = logger.Warn().Err(cause)
	}
	ev.Str("status", string(next.Status)).Interface("duration_ms", next.Metrics.DurationMs).Msg("run finished")
}

func (p *Pool) track(id string) {
	p.mu.Lock()
	p.inflight[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

func (p *Pool) tracked(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}
