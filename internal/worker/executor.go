package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

// Config tunes an executor. Zero values fall back to the defaults below.
type Config struct {
	// LockOwner identifies this executor in lock_owner columns. A random one is generated when empty.
	LockOwner string

	PoolSize      int
	QueueCapacity int
	QueueFullWait time.Duration

	AsyncLockTime time.Duration
	TimerLockTime time.Duration

	AsyncInterval time.Duration
	TimerInterval time.Duration
	ResetInterval time.Duration

	AsyncBatchSize int
	TimerBatchSize int
	ResetBatchSize int

	// DefaultRetries is the retry count new jobs get.
	DefaultRetries int
	JobRetry       retry.Policy

	ShutdownTimeout time.Duration

	Now func() time.Time
}

func (c Config) WithDefaults() Config {
	if c.LockOwner == "" {
		c.LockOwner = uuid.NewString()
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 2048
	}
	if c.QueueFullWait < 0 {
		c.QueueFullWait = 0
	}
	if c.AsyncLockTime <= 0 {
		c.AsyncLockTime = 5 * time.Minute
	}
	if c.TimerLockTime <= 0 {
		c.TimerLockTime = 5 * time.Minute
	}
	if c.AsyncInterval <= 0 {
		c.AsyncInterval = 10 * time.Second
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = 10 * time.Second
	}
	if c.ResetInterval <= 0 {
		c.ResetInterval = time.Minute
	}
	if c.AsyncBatchSize <= 0 {
		c.AsyncBatchSize = 1
	}
	if c.TimerBatchSize <= 0 {
		c.TimerBatchSize = 1
	}
	if c.ResetBatchSize <= 0 {
		c.ResetBatchSize = 3
	}
	if c.DefaultRetries <= 0 {
		c.DefaultRetries = 3
	}
	if c.JobRetry == (retry.Policy{}) {
		c.JobRetry = retry.DefaultJobPolicy()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 60 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) FailurePolicy() FailurePolicy {
	return FailurePolicy{DefaultRetries: c.DefaultRetries, Backoff: c.JobRetry, Now: c.Now}
}

// Gate lets a cluster-wide elector decide whether this node runs the expired-lock resetter.
type Gate interface {
	IsLeader() bool
}

// Executor is the lifecycle every executor strategy exposes.
type Executor interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	// ExecuteAsyncJob claims a committed, due job and hands it to the pool
	// right away. It reports false when the job was not taken; the
	// acquisition loop will pick it up later.
	ExecuteAsyncJob(ctx context.Context, job jobs.Job) bool
}

var ErrAlreadyStarted = errors.New("executor already started")

// AsyncExecutor is one worker pool fed by one set of acquisition loops.
type AsyncExecutor struct {
	cfg    Config
	tenant *string
	runner *Runner
	acq    *Acquisition
	log    *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewAsyncExecutor builds an executor acquiring jobs of tenant, or of every tenant when tenant is nil.
func NewAsyncExecutor(cfg Config, tenant *string, cmds *command.Executor, reg *handlers.Registry, gate Gate, log *zap.Logger, m *metrics.Metrics) *AsyncExecutor {
	cfg = cfg.WithDefaults()
	log = log.With(zap.String("lock_owner", cfg.LockOwner), zap.String("tenant", tenantLabel(tenant)))
	runner := NewRunner(cfg, cmds, reg, log, m)
	return &AsyncExecutor{
		cfg:    cfg,
		tenant: tenant,
		runner: runner,
		acq:    NewAcquisition(cfg, tenant, cmds, runner, gate, log, m),
		log:    log,
	}
}

func (e *AsyncExecutor) Runner() *Runner { return e.runner }

func (e *AsyncExecutor) Acquisition() *Acquisition { return e.acq }

func (e *AsyncExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}
	e.started = true
	e.acq.Start(ctx)
	e.log.Info("async executor started")
	return nil
}

// Wake cuts the acquisition wait short when the executor serves tenantID.
func (e *AsyncExecutor) Wake(tenantID string) {
	if e.tenant == nil || *e.tenant == tenantID {
		e.acq.Wake()
	}
}

func (e *AsyncExecutor) ExecuteAsyncJob(ctx context.Context, job jobs.Job) bool {
	e.mu.Lock()
	active := e.started && !e.stopped
	e.mu.Unlock()
	if !active {
		return false
	}
	return e.runner.ClaimAndSubmit(ctx, job)
}

// Shutdown stops the acquisition loops, drains the pool and releases the
// locks this executor still holds. It is bounded by ctx and ShutdownTimeout.
func (e *AsyncExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, e.acq.Stop(ctx))
	errs = multierr.Append(errs, e.runner.Shutdown(ctx))
	errs = multierr.Append(errs, e.runner.UnacquireOwned(context.WithoutCancel(ctx), e.tenant))
	if errs != nil {
		e.log.Warn("async executor shutdown incomplete", zap.Error(errs))
	} else {
		e.log.Info("async executor stopped")
	}
	return errs
}

func tenantLabel(tenant *string) string {
	if tenant == nil {
		return "*"
	}
	return *tenant
}
