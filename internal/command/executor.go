// Package command runs units of work against the job repository inside a
// transaction, wrapped by a chain of interceptors.
package command

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
)

// Command is a unit of work executed in one transaction.
type Command func(ctx context.Context, tx jobs.Tx) error

// Next continues the interceptor chain.
type Next func(ctx context.Context) error

// Interceptor wraps the execution of a command. The innermost step opens the transaction.
type Interceptor func(ctx context.Context, next Next) error

// RepositoryResolver picks the repository for the tenant bound to ctx.
type RepositoryResolver interface {
	Repository(ctx context.Context) jobs.Repository
}

type staticResolver struct{ repo jobs.Repository }

func (s staticResolver) Repository(context.Context) jobs.Repository { return s.repo }

// Static resolves every tenant to the same repository.
func Static(repo jobs.Repository) RepositoryResolver { return staticResolver{repo: repo} }

// TenantRepositories resolves through a tenant map, falling back to its default.
type TenantRepositories struct {
	*tenant.Map[jobs.Repository]
}

func (t TenantRepositories) Repository(ctx context.Context) jobs.Repository {
	id, _ := tenant.FromContext(ctx)
	return t.Get(id)
}

type Executor struct {
	repos        RepositoryResolver
	interceptors []Interceptor
}

func NewExecutor(repos RepositoryResolver, interceptors ...Interceptor) *Executor {
	return &Executor{repos: repos, interceptors: interceptors}
}

// Execute runs cmd through the interceptors, outermost first, and finally in a transaction.
func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	next := func(ctx context.Context) error {
		return e.repos.Repository(ctx).InTx(ctx, func(ctx context.Context, tx jobs.Tx) error {
			return cmd(ctx, tx)
		})
	}
	for i := len(e.interceptors) - 1; i >= 0; i-- {
		icpt, inner := e.interceptors[i], next
		next = func(ctx context.Context) error { return icpt(ctx, inner) }
	}
	return next(ctx)
}

// Retry re-runs the whole command, in a fresh transaction, while retryable
// accepts the error and attempts remain.
func Retry(p retry.Policy, retryable func(error) bool, m *metrics.Metrics, log *zap.Logger) Interceptor {
	return func(ctx context.Context, next Next) error {
		return retry.Do(ctx, p, retryable, func(ctx context.Context) error {
			return next(ctx)
		}, func(err error, attempt int, wait time.Duration) {
			m.CommandRetried()
			log.Info("retrying command after transaction conflict",
				zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		})
	}
}

// Log records failed commands. Optimistic lock conflicts are expected and logged at debug.
func Log(log *zap.Logger) Interceptor {
	return func(ctx context.Context, next Next) error {
		start := time.Now()
		err := next(ctx)
		if err != nil {
			id, _ := tenant.FromContext(ctx)
			lvl := log.Warn
			if errors.Is(err, jobs.ErrOptimisticLock) || errors.Is(err, jobs.ErrNotFound) || errors.Is(err, context.Canceled) {
				lvl = log.Debug
			}
			lvl("command failed", zap.String("tenant", id), zap.Duration("took", time.Since(start)), zap.Error(err))
		}
		return err
	}
}

// Default builds the usual chain: log, then retry transaction conflicts.
func Default(repos RepositoryResolver, p retry.Policy, retryable func(error) bool, m *metrics.Metrics, log *zap.Logger) *Executor {
	if retryable == nil {
		retryable = retry.IsSerializationFailure
	}
	return NewExecutor(repos, Log(log), Retry(p, retryable, m, log))
}
