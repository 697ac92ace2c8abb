// Package config loads the executor process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/worker"
)

// Strategy selects how tenants are mapped onto executors.
type Strategy string

const (
	StrategySingle    Strategy = "single"
	StrategyPerTenant Strategy = "per-tenant"
	StrategyShared    Strategy = "shared"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr    string `env:"GRPC_ADDR" envDefault:":9090"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`
	// TenantDSNs maps tenant ids to their own databases, e.g. "acme|postgres://...,globex|postgres://...".
	TenantDSNs map[string]string `env:"TENANT_DSNS" envKeyValSeparator:"|"`

	Strategy     Strategy      `env:"TENANT_STRATEGY" envDefault:"single"`
	Tenants      []string      `env:"TENANTS"`
	TenantSync   time.Duration `env:"TENANT_SYNC_INTERVAL" envDefault:"30s"`
	SQLTimeout   time.Duration `env:"SQL_TIMEOUT" envDefault:"10s"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`

	Redis    Redis    `envPrefix:"REDIS_"`
	Executor Executor `envPrefix:"EXECUTOR_"`
	Command  Backoff  `envPrefix:"COMMAND_RETRY_"`
	JobRetry Backoff  `envPrefix:"JOB_RETRY_"`
}

type Redis struct {
	// Addr enables Redis; leave empty to run without it.
	Addr      string        `env:"ADDR"`
	Password  string        `env:"PASSWORD"`
	DB        int           `env:"DB" envDefault:"0"`
	TenantKey string        `env:"TENANT_KEY" envDefault:"jobexecutor:tenants"`
	LeaderKey string        `env:"LEADER_KEY" envDefault:"jobexecutor:leader"`
	LeaderTTL time.Duration `env:"LEADER_TTL" envDefault:"15s"`

	// WakeStream carries "new due work" notifications between nodes.
	WakeStream string `env:"WAKE_STREAM" envDefault:"jobexecutor:wake"`
}

type Executor struct {
	LockOwner       string        `env:"LOCK_OWNER"`
	PoolSize        int           `env:"POOL_SIZE" envDefault:"8"`
	QueueCapacity   int           `env:"QUEUE_CAPACITY" envDefault:"2048"`
	QueueFullWait   time.Duration `env:"QUEUE_FULL_WAIT" envDefault:"1s"`
	AsyncLockTime   time.Duration `env:"ASYNC_LOCK_TIME" envDefault:"5m"`
	TimerLockTime   time.Duration `env:"TIMER_LOCK_TIME" envDefault:"5m"`
	AsyncInterval   time.Duration `env:"ASYNC_INTERVAL" envDefault:"10s"`
	TimerInterval   time.Duration `env:"TIMER_INTERVAL" envDefault:"10s"`
	ResetInterval   time.Duration `env:"RESET_INTERVAL" envDefault:"1m"`
	AsyncBatchSize  int           `env:"ASYNC_BATCH_SIZE" envDefault:"1"`
	TimerBatchSize  int           `env:"TIMER_BATCH_SIZE" envDefault:"1"`
	ResetBatchSize  int           `env:"RESET_BATCH_SIZE" envDefault:"3"`
	DefaultRetries  int           `env:"DEFAULT_RETRIES" envDefault:"3"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"60s"`
}

type Backoff struct {
	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	BaseWait    time.Duration `env:"BASE_WAIT"`
	Multiplier  float64       `env:"MULTIPLIER"`
	MaxWait     time.Duration `env:"MAX_WAIT"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Strategy {
	case StrategySingle, StrategyPerTenant, StrategyShared:
	default:
		errs = append(errs, fmt.Errorf("TENANT_STRATEGY: unknown strategy %q", c.Strategy))
	}
	e := c.Executor
	if e.PoolSize <= 0 {
		errs = append(errs, errors.New("EXECUTOR_POOL_SIZE must be positive"))
	}
	if e.QueueCapacity <= 0 {
		errs = append(errs, errors.New("EXECUTOR_QUEUE_CAPACITY must be positive"))
	}
	if e.AsyncLockTime <= 0 || e.TimerLockTime <= 0 {
		errs = append(errs, errors.New("lock times must be positive"))
	}
	if e.AsyncBatchSize <= 0 || e.TimerBatchSize <= 0 || e.ResetBatchSize <= 0 {
		errs = append(errs, errors.New("batch sizes must be positive"))
	}
	if e.DefaultRetries <= 0 {
		errs = append(errs, errors.New("EXECUTOR_DEFAULT_RETRIES must be positive"))
	}
	if c.Strategy == StrategySingle && len(c.TenantDSNs) > 0 {
		errs = append(errs, errors.New("TENANT_DSNS needs a multi-tenant strategy"))
	}
	return errors.Join(errs...)
}

func (b Backoff) policy(def retry.Policy) retry.Policy {
	if b.MaxAttempts > 0 {
		def.MaxAttempts = b.MaxAttempts
	}
	if b.BaseWait > 0 {
		def.BaseWait = b.BaseWait
	}
	if b.Multiplier >= 1 {
		def.Multiplier = b.Multiplier
	}
	if b.MaxWait > 0 {
		def.MaxWait = b.MaxWait
	}
	return def
}

func (c Config) CommandPolicy() retry.Policy { return c.Command.policy(retry.DefaultCommandPolicy()) }

// ToWorker converts the executor settings; unset values take the worker defaults.
func (c Config) ToWorker() worker.Config {
	e := c.Executor
	return worker.Config{
		LockOwner:       e.LockOwner,
		PoolSize:        e.PoolSize,
		QueueCapacity:   e.QueueCapacity,
		QueueFullWait:   e.QueueFullWait,
		AsyncLockTime:   e.AsyncLockTime,
		TimerLockTime:   e.TimerLockTime,
		AsyncInterval:   e.AsyncInterval,
		TimerInterval:   e.TimerInterval,
		ResetInterval:   e.ResetInterval,
		AsyncBatchSize:  e.AsyncBatchSize,
		TimerBatchSize:  e.TimerBatchSize,
		ResetBatchSize:  e.ResetBatchSize,
		DefaultRetries:  e.DefaultRetries,
		JobRetry:        c.JobRetry.policy(retry.DefaultJobPolicy()),
		ShutdownTimeout: e.ShutdownTimeout,
	}.WithDefaults()
}
