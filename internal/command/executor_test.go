package command

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
)

var fastPolicy = retry.Policy{MaxAttempts: 3, BaseWait: time.Millisecond, Multiplier: 2}

func TestExecuteCommitsInTransaction(t *testing.T) {
	store := jobs.NewMemStore()
	ex := Default(Static(store), fastPolicy, nil, nil, zap.NewNop())

	err := ex.Execute(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		return tx.Insert(ctx, &jobs.Job{ID: "j1", Kind: jobs.KindExecutable, HandlerType: "noop", Retries: 3})
	})
	require.NoError(t, err)

	err = ex.Execute(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, jobs.KindExecutable, "j1")
		require.NoError(t, err)
		require.Equal(t, 1, j.Revision)
		return nil
	})
	require.NoError(t, err)
}

func TestExecuteRollsBackOnError(t *testing.T) {
	store := jobs.NewMemStore()
	ex := Default(Static(store), fastPolicy, nil, nil, zap.NewNop())
	boom := errors.New("boom")

	err := ex.Execute(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		require.NoError(t, tx.Insert(ctx, &jobs.Job{ID: "j1", Kind: jobs.KindExecutable}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_ = ex.Execute(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		_, err := tx.FindByID(ctx, jobs.KindExecutable, "j1")
		require.ErrorIs(t, err, jobs.ErrNotFound)
		return nil
	})
}

func TestRetryInterceptorRunsFreshTransactions(t *testing.T) {
	store := jobs.NewMemStore()
	m := metrics.New()
	ex := Default(Static(store), fastPolicy, nil, m, zap.NewNop())

	attempts := 0
	err := ex.Execute(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		attempts++
		// each attempt starts from a clean transaction, so the insert never duplicates
		if err := tx.Insert(ctx, &jobs.Job{ID: "j1", Kind: jobs.KindTimer}); err != nil {
			return err
		}
		if attempts < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP jobexecutor_command_retries_total Commands retried after a transaction conflict.
# TYPE jobexecutor_command_retries_total counter
jobexecutor_command_retries_total 2
`), "jobexecutor_command_retries_total"))
}

func TestRetryInterceptorSkipsOptimisticLock(t *testing.T) {
	ex := Default(Static(jobs.NewMemStore()), fastPolicy, nil, nil, zap.NewNop())
	attempts := 0
	err := ex.Execute(context.Background(), func(context.Context, jobs.Tx) error {
		attempts++
		return jobs.ErrOptimisticLock
	})
	require.ErrorIs(t, err, jobs.ErrOptimisticLock)
	require.Equal(t, 1, attempts)
}

func TestInterceptorOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Interceptor {
		return func(ctx context.Context, next Next) error {
			trace = append(trace, name+">")
			err := next(ctx)
			trace = append(trace, "<"+name)
			return err
		}
	}
	ex := NewExecutor(Static(jobs.NewMemStore()), mark("a"), mark("b"))
	err := ex.Execute(context.Background(), func(context.Context, jobs.Tx) error {
		trace = append(trace, "cmd")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a>", "b>", "cmd", "<b", "<a"}, trace)
}

func TestTenantRepositories(t *testing.T) {
	def, acme := jobs.NewMemStore(), jobs.NewMemStore()
	repos := TenantRepositories{tenant.NewMap[jobs.Repository](def)}
	repos.Set("acme", acme)

	require.Same(t, acme, repos.Repository(tenant.WithTenant(context.Background(), "acme")))
	require.Same(t, def, repos.Repository(tenant.WithTenant(context.Background(), "other")))
	require.Same(t, def, repos.Repository(context.Background()))
}
