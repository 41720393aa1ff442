package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"chronoflow/internal/api"
	"chronoflow/internal/config"
	"chronoflow/internal/dispatch"
	"chronoflow/internal/events"
	httphandler "chronoflow/internal/handlers/http"
	"chronoflow/internal/handlers/shell"
	"chronoflow/internal/logging"
	"chronoflow/internal/queue"
	"chronoflow/internal/scheduler"
	"chronoflow/internal/store"
	"chronoflow/internal/worker"
)

const (
	redisConnectTimeout = 10 * time.Second
	shutdownTimeout     = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop, the worker pool and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			logging.Setup(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	var (
		pub events.Publisher = events.NewBus()
		enq queue.Enqueuer
	)
	if rdb != nil {
		enq = queue.NewStreams(rdb, cfg.Redis.QueueStreamPrefix, cfg.Redis.QueueMaxLen)
		if cfg.Events.Backend == "redis" {
			pub = events.NewRedisPublisher(rdb, cfg.Redis.EventStreamPrefix)
		}
	}

	caller := dispatch.NewHTTP(&http.Client{}, cfg.Targets.HTTPRatePerSec, cfg.Targets.HTTPBurst, cfg.Targets.HMACKeys)
	svc := scheduler.New(st, dispatch.New(pub, enq, caller), pub, cfg.Scheduler,
		scheduler.WithStrict(!cfg.IsProduction()))

	var pool *worker.Pool
	if cfg.Worker.Enabled {
		pool = worker.NewPool(st, handlers(cfg.Worker.Handlers, caller), pub, cfg.Worker)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewServer(svc, st,
			api.WithAssigner(worker.NewAssigner(st, cfg.Scheduler.WorkerTimeout)),
			api.WithWorkerTimeout(cfg.Scheduler.WorkerTimeout),
			api.WithDebug(cfg.HTTP.Debug),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if flagConfig != "" {
		go func() {
			err := config.Watch(ctx, flagConfig, cfg, func(next config.Config) {
				zerolog.SetGlobalLevel(logging.ParseLevel(next.Log.Level))
				svc.Apply(next.Scheduler)
				caller.SetRate(next.Targets.HTTPRatePerSec, next.Targets.HTTPBurst)
				caller.SetKeys(next.Targets.HMACKeys)
			})
			if err != nil {
				log.Warn().Err(err).Msg("config hot reload disabled")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		svc.Start(ctx)
	}()
	poolDone := make(chan error, 1)
	if pool != nil {
		go func() { poolDone <- pool.Run(ctx) }()
	} else {
		poolDone <- nil
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("env", cfg.Env).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error().Err(err).Msg("http server")
	}

	log.Info().Msg("shutting down")
	svc.Stop()
	if pool != nil {
		pool.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	<-done
	if perr := <-poolDone; perr != nil {
		log.Error().Err(perr).Msg("worker pool")
	}
	return err
}

// connectRedis dials Redis when the event backend needs it or an address is
// configured for queue targets. Only the redis event backend makes a failed
// connection fatal.
func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	required := cfg.Events.Backend == "redis"
	if cfg.Redis.Addr == "" && !required {
		return nil, nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	rdb, err := queue.NewClientWithBackoff(dialCtx, queue.Config{
		Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB,
	})
	if err != nil {
		if required {
			return nil, err
		}
		log.Warn().Err(err).Msg("redis unavailable, QUEUE targets will fail")
		return nil, nil
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	return rdb, nil
}

// handlers builds the job handlers named in the worker config.
func handlers(kinds map[string]string, caller *dispatch.HTTP) map[string]worker.Handler {
	out := make(map[string]worker.Handler, len(kinds))
	for key, kind := range kinds {
		switch kind {
		case "shell":
			out[key] = shell.Shell{}
		case "http":
			out[key] = httphandler.HTTP{Caller: caller}
		}
	}
	return out
}
