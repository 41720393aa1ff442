package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Targets   TargetsConfig   `yaml:"targets"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

type HTTPConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"` // mounts /debug/pprof
}

type DBConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr              string `yaml:"addr"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	EventStreamPrefix string `yaml:"event_stream_prefix"`
	QueueStreamPrefix string `yaml:"queue_stream_prefix"`
	QueueMaxLen       int64  `yaml:"queue_max_len"`
}

type EventsConfig struct {
	Backend string `yaml:"backend"` // memory or redis
}

type SchedulerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	BatchLimit      int           `yaml:"batch_limit"`
	MissWindow      time.Duration `yaml:"miss_window"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	WorkerTimeout   time.Duration `yaml:"worker_timeout"`
}

type WorkerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Name              string        `yaml:"name"`
	Queues            []string      `yaml:"queues"`
	JobKeys           []string      `yaml:"job_keys"`
	MaxParallel       int           `yaml:"max_parallel"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// Handlers maps job keys to a handler kind: shell or http.
	Handlers map[string]string `yaml:"handlers"`
}

type TargetsConfig struct {
	HTTPRatePerSec float64           `yaml:"http_rate_per_sec"`
	HTTPBurst      int               `yaml:"http_burst"`
	HMACKeys       map[string]string `yaml:"hmac_keys"`
}

func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "chronoflow"
	}
	return Config{
		Env:    "development",
		Log:    LogConfig{Level: "info", Format: "console"},
		HTTP:   HTTPConfig{Addr: ":8080"},
		DB:     DBConfig{Driver: "sqlite", DSN: "file:chronoflow.db?_pragma=busy_timeout(5000)"},
		Redis:  RedisConfig{Addr: "localhost:6379", EventStreamPrefix: "chronoflow:events:", QueueStreamPrefix: "chronoflow:queue:"},
		Events: EventsConfig{Backend: "memory"},
		Scheduler: SchedulerConfig{
			InstanceID:      host,
			PollInterval:    time.Second,
			BatchLimit:      100,
			MissWindow:      10 * time.Minute,
			DispatchTimeout: 30 * time.Second,
			WorkerTimeout:   30 * time.Second,
		},
		Worker: WorkerConfig{
			Enabled:           true,
			Name:              host,
			Queues:            []string{"default"},
			MaxParallel:       8,
			PollInterval:      250 * time.Millisecond,
			HeartbeatInterval: 10 * time.Second,
		},
		Targets: TargetsConfig{HTTPRatePerSec: 50, HTTPBurst: 10},
	}
}

// Load reads defaults, then the YAML file at path (if not empty), then
// CHRONOFLOW_* environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg, rejecting unknown keys.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) IsProduction() bool { return strings.EqualFold(c.Env, "production") }

func (c Config) Validate() error {
	var errs []error
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("db.driver %q must be sqlite or postgres", c.DB.Driver))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("db.dsn is required"))
	}
	switch c.Events.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("events.backend %q must be memory or redis", c.Events.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	s := c.Scheduler
	if s.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if s.BatchLimit < 1 {
		errs = append(errs, errors.New("scheduler.batch_limit must be at least 1"))
	}
	if s.MissWindow <= 0 {
		errs = append(errs, errors.New("scheduler.miss_window must be positive"))
	}
	if s.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("scheduler.dispatch_timeout must be positive"))
	}
	if c.Worker.Enabled {
		w := c.Worker
		if w.Name == "" {
			errs = append(errs, errors.New("worker.name is required"))
		}
		if len(w.Queues) == 0 {
			errs = append(errs, errors.New("worker.queues must not be empty"))
		}
		if w.MaxParallel < 0 {
			errs = append(errs, errors.New("worker.max_parallel must not be negative"))
		}
		if w.PollInterval <= 0 || w.HeartbeatInterval <= 0 {
			errs = append(errs, errors.New("worker intervals must be positive"))
		}
		for key, kind := range w.Handlers {
			if kind != "shell" && kind != "http" {
				errs = append(errs, fmt.Errorf("worker.handlers.%s: kind %q must be shell or http", key, kind))
			}
		}
	}
	if c.Targets.HTTPRatePerSec < 0 {
		errs = append(errs, errors.New("targets.http_rate_per_sec must not be negative"))
	}
	return errors.Join(errs...)
}

func applyEnv(c *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	str("CHRONOFLOW_ENV", &c.Env)
	str("CHRONOFLOW_LOG_LEVEL", &c.Log.Level)
	str("CHRONOFLOW_LOG_FORMAT", &c.Log.Format)
	str("CHRONOFLOW_HTTP_ADDR", &c.HTTP.Addr)
	str("CHRONOFLOW_DB_DRIVER", &c.DB.Driver)
	str("CHRONOFLOW_DB_DSN", &c.DB.DSN)
	str("CHRONOFLOW_REDIS_ADDR", &c.Redis.Addr)
	str("CHRONOFLOW_REDIS_PASSWORD", &c.Redis.Password)
	num("CHRONOFLOW_REDIS_DB", &c.Redis.DB)
	str("CHRONOFLOW_EVENTS_BACKEND", &c.Events.Backend)
	str("CHRONOFLOW_SCHEDULER_INSTANCE_ID", &c.Scheduler.InstanceID)
	dur("CHRONOFLOW_SCHEDULER_POLL_INTERVAL", &c.Scheduler.PollInterval)
	num("CHRONOFLOW_SCHEDULER_BATCH_LIMIT", &c.Scheduler.BatchLimit)
	dur("CHRONOFLOW_SCHEDULER_MISS_WINDOW", &c.Scheduler.MissWindow)
	dur("CHRONOFLOW_SCHEDULER_DISPATCH_TIMEOUT", &c.Scheduler.DispatchTimeout)
	str("CHRONOFLOW_WORKER_NAME", &c.Worker.Name)
	num("CHRONOFLOW_WORKER_MAX_PARALLEL", &c.Worker.MaxParallel)
	if v, ok := lookup("CHRONOFLOW_WORKER_ENABLED"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Worker.Enabled = b
		}
	}
	if v, ok := lookup("CHRONOFLOW_WORKER_QUEUES"); ok && v != "" {
		c.Worker.Queues = splitList(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
