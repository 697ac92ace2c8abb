package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

// Runner executes claimed jobs on its pool. Several acquisitions may feed one runner.
type Runner struct {
	cfg      Config
	pool     *Pool
	cmds     *command.Executor
	handlers *handlers.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewRunner(cfg Config, cmds *command.Executor, reg *handlers.Registry, log *zap.Logger, m *metrics.Metrics) *Runner {
	cfg = cfg.WithDefaults()
	return &Runner{
		cfg:      cfg,
		pool:     NewPool(cfg.PoolSize, cfg.QueueCapacity, cfg.QueueFullWait, log.Named("pool"), m),
		cmds:     cmds,
		handlers: reg,
		log:      log,
		metrics:  m,
	}
}

func (r *Runner) LockOwner() string { return r.cfg.LockOwner }

func (r *Runner) Config() Config { return r.cfg }

// Submit schedules job, already locked by this runner, for execution under
// tenantID. It reports false when the queue stayed full; the caller then
// owns the lock and should release it.
func (r *Runner) Submit(ctx context.Context, tenantID string, job jobs.Job) bool {
	ok := r.pool.Submit(ctx, func(ctx context.Context) {
		r.execute(tenant.WithTenant(ctx, tenantID), job)
	})
	if !ok {
		r.metrics.Rejected(tenantID)
		r.log.Debug("job rejected by full queue", zap.String("job_id", job.ID), zap.String("tenant", tenantID))
	}
	return ok
}

// ClaimAndSubmit locks a committed job for this runner and submits it,
// releasing the lock again when the queue rejects it.
func (r *Runner) ClaimAndSubmit(ctx context.Context, job jobs.Job) bool {
	ctx = tenant.WithTenant(ctx, job.TenantID)
	locked, ok, err := claimOne(ctx, r.cmds, job, r.cfg.LockOwner, r.cfg.Now().Add(r.cfg.AsyncLockTime).UTC())
	if err != nil {
		r.log.Warn("claiming job for direct execution", zap.String("job_id", job.ID), zap.Error(err))
	}
	if !ok {
		return false
	}
	if r.Submit(ctx, job.TenantID, locked) {
		return true
	}
	r.unacquireLogged(ctx, locked)
	return false
}

// Unacquire releases the lock this runner holds on job, if it still does.
func (r *Runner) Unacquire(ctx context.Context, job jobs.Job) error {
	err := r.cmds.Execute(tenant.WithTenant(ctx, job.TenantID), func(ctx context.Context, tx jobs.Tx) error {
		cur, err := tx.FindByID(ctx, job.Kind, job.ID)
		if err != nil {
			return err
		}
		if !cur.OwnedBy(r.cfg.LockOwner) {
			return nil
		}
		cur.Unlock()
		return tx.Update(ctx, cur)
	})
	if errors.Is(err, jobs.ErrNotFound) || errors.Is(err, jobs.ErrOptimisticLock) {
		return nil
	}
	return err
}

func (r *Runner) unacquireLogged(ctx context.Context, job jobs.Job) {
	if err := r.Unacquire(ctx, job); err != nil {
		r.log.Warn("releasing rejected job, lock expiry will free it",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// UnacquireOwned releases every timer and executable lock held by this
// runner for tenantFilter, or for all tenants when it is nil.
func (r *Runner) UnacquireOwned(ctx context.Context, tenantFilter *string) error {
	if tenantFilter != nil {
		ctx = tenant.WithTenant(ctx, *tenantFilter)
	}
	var errs error
	for _, kind := range []jobs.Kind{jobs.KindTimer, jobs.KindExecutable} {
		var n int64
		err := r.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
			var err error
			n, err = tx.UnlockOwned(ctx, kind, r.cfg.LockOwner, tenantFilter)
			return err
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("unlock %s jobs: %w", kind, err))
			continue
		}
		if n > 0 {
			r.log.Info("released job locks", zap.String("kind", string(kind)), zap.Int64("count", n))
		}
	}
	return errs
}

// Shutdown drains the pool.
func (r *Runner) Shutdown(ctx context.Context) error {
	return r.pool.Shutdown(ctx)
}
