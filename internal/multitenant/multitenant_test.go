package multitenant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

type recorder struct {
	mu  sync.Mutex
	ran map[string]string // job id -> tenant seen in ctx
}

func (r *recorder) handler() handlers.HandlerFunc {
	return func(ctx context.Context, _ string, s handlers.ScopeContext) error {
		id, _ := tenant.FromContext(ctx)
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ran[s.JobID] = id
		return nil
	}
}

func (r *recorder) tenantOf(jobID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.ran[jobID]
	return id, ok
}

func fixture() (*jobs.MemStore, *command.Executor, *handlers.Registry, *recorder) {
	store := jobs.NewMemStore()
	cmds := command.Default(command.Static(store), retry.Policy{MaxAttempts: 3, BaseWait: time.Millisecond}, nil, nil, zap.NewNop())
	rec := &recorder{ran: map[string]string{}}
	reg := handlers.NewRegistry()
	reg.Register("rec", rec.handler())
	return store, cmds, reg, rec
}

func config() worker.Config {
	return worker.Config{
		LockOwner:      "node-a",
		PoolSize:       2,
		QueueCapacity:  4,
		AsyncInterval:  10 * time.Millisecond,
		TimerInterval:  10 * time.Millisecond,
		ResetInterval:  50 * time.Millisecond,
		AsyncBatchSize: 5,
	}
}

func seed(t *testing.T, store *jobs.MemStore, id, tenantID string) {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		return tx.Insert(ctx, &jobs.Job{ID: id, Kind: jobs.KindExecutable, HandlerType: "rec", Retries: 3, TenantID: tenantID})
	}))
}

func assertRuns(t *testing.T, rec *recorder, jobID, wantTenant string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, ok := rec.tenantOf(jobID)
		return ok && got == wantTenant
	}, 5*time.Second, 5*time.Millisecond, "job %s never ran for tenant %q", jobID, wantTenant)
}

func assertIdle(t *testing.T, store *jobs.MemStore, rec *recorder, jobID string) {
	t.Helper()
	time.Sleep(100 * time.Millisecond)
	_, ok := rec.tenantOf(jobID)
	require.False(t, ok, "job %s should not have run", jobID)
	require.NoError(t, store.InTx(context.Background(), func(ctx context.Context, tx jobs.Tx) error {
		j, err := tx.FindByID(ctx, jobs.KindExecutable, jobID)
		require.NoError(t, err)
		require.Nil(t, j.LockOwner)
		return nil
	}))
}

func testStrategy(t *testing.T, build func(cmds *command.Executor, reg *handlers.Registry) Strategy) {
	store, cmds, reg, rec := fixture()
	s := build(cmds, reg)

	require.NoError(t, s.AddTenant(context.Background(), "a"))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.AddTenant(context.Background(), "b"))
	require.NoError(t, s.AddTenant(context.Background(), "b"))
	require.Equal(t, []string{"a", "b"}, s.TenantIDs())

	seed(t, store, "a1", "a")
	seed(t, store, "b1", "b")
	seed(t, store, "n1", tenant.None)
	assertRuns(t, rec, "a1", "a")
	assertRuns(t, rec, "b1", "b")
	assertRuns(t, rec, "n1", tenant.None)

	require.NoError(t, s.RemoveTenant(context.Background(), "a"))
	require.Equal(t, []string{"b"}, s.TenantIDs())

	seed(t, store, "a2", "a")
	seed(t, store, "b2", "b")
	assertRuns(t, rec, "b2", "b")
	assertIdle(t, store, rec, "a2")

	require.NoError(t, s.Shutdown(context.Background()))
}

func TestPerTenantRemovingOneTenantKeepsOthersRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	testStrategy(t, func(cmds *command.Executor, reg *handlers.Registry) Strategy {
		return NewPerTenant(func(id string) *worker.AsyncExecutor {
			return worker.NewAsyncExecutor(config(), &id, cmds, reg, nil, zap.NewNop(), nil)
		}, zap.NewNop(), nil)
	})
}

func TestSharedRemovingOneTenantKeepsOthersRunning(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	testStrategy(t, func(cmds *command.Executor, reg *handlers.Registry) Strategy {
		runner := worker.NewRunner(config(), cmds, reg, zap.NewNop(), nil)
		return NewShared(cmds, runner, nil, zap.NewNop(), nil)
	})
}

func TestPerTenantRoutesExecuteAsyncJob(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store, cmds, reg, rec := fixture()
	idle := config()
	idle.AsyncInterval, idle.TimerInterval, idle.ResetInterval = time.Hour, time.Hour, time.Hour
	p := NewPerTenant(func(id string) *worker.AsyncExecutor {
		return worker.NewAsyncExecutor(idle, &id, cmds, reg, nil, zap.NewNop(), nil)
	}, zap.NewNop(), nil)
	require.NoError(t, p.AddTenant(context.Background(), "a"))
	// the first acquisition round takes the warm-up job, then the loops idle
	seed(t, store, "warmup", "a")
	require.NoError(t, p.Start(context.Background()))
	assertRuns(t, rec, "warmup", "a")

	seed(t, store, "hint", "a")
	job := jobs.Job{ID: "hint", Kind: jobs.KindExecutable, Revision: 1, HandlerType: "rec", TenantID: "a"}
	require.True(t, p.ExecuteAsyncJob(context.Background(), job))
	assertRuns(t, rec, "hint", "a")

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPerTenantRefusesTenantsAfterShutdown(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	_, cmds, reg, _ := fixture()
	var built []string
	p := NewPerTenant(func(id string) *worker.AsyncExecutor {
		built = append(built, id)
		return worker.NewAsyncExecutor(config(), &id, cmds, reg, nil, zap.NewNop(), nil)
	}, zap.NewNop(), nil)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.AddTenant(context.Background(), "a"))
	require.NoError(t, p.Shutdown(context.Background()))

	require.ErrorIs(t, p.AddTenant(context.Background(), "late"), ErrStopped)
	require.Empty(t, p.TenantIDs())
	require.Equal(t, []string{tenant.None, "a"}, built)
	require.NoError(t, p.Shutdown(context.Background()))
}

type fakeStrategy struct {
	ids     map[string]bool
	removed []string
}

func (f *fakeStrategy) Start(context.Context) error                    { return nil }
func (f *fakeStrategy) Shutdown(context.Context) error                 { return nil }
func (f *fakeStrategy) ExecuteAsyncJob(context.Context, jobs.Job) bool { return false }

func (f *fakeStrategy) AddTenant(_ context.Context, id string) error {
	f.ids[id] = true
	return nil
}

func (f *fakeStrategy) RemoveTenant(_ context.Context, id string) error {
	delete(f.ids, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeStrategy) TenantIDs() []string {
	out := []string{}
	for _, id := range []string{"a", "b", "c", "d"} {
		if f.ids[id] {
			out = append(out, id)
		}
	}
	return out
}

type failingSource struct{}

func (failingSource) Tenants(context.Context) ([]string, error) { return nil, errors.New("redis down") }

func TestSyncReconcile(t *testing.T) {
	f := &fakeStrategy{ids: map[string]bool{"a": true, "b": true}}
	s := &Sync{Strategy: f, Source: StaticTenants{"b", "c", "c", ""}, Log: zap.NewNop()}

	require.NoError(t, s.Reconcile(context.Background()))
	require.Equal(t, []string{"b", "c"}, f.TenantIDs())
	require.Equal(t, []string{"a"}, f.removed)

	s.Source = failingSource{}
	require.Error(t, s.Reconcile(context.Background()))
	require.Equal(t, []string{"b", "c"}, f.TenantIDs(), "a failing source changes nothing")
}
