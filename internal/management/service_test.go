package management

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/retry"
	"github.com/rishansujesh/jobexecutor/internal/worker"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type hints struct {
	mu   sync.Mutex
	jobs []string
}

func (h *hints) Start(context.Context) error    { return nil }
func (h *hints) Shutdown(context.Context) error { return nil }
func (h *hints) ExecuteAsyncJob(_ context.Context, j jobs.Job) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, j.ID)
	return true
}

func newService(t *testing.T) (*Service, *jobs.MemStore, *hints, *time.Time) {
	t.Helper()
	store := jobs.NewMemStore()
	cmds := command.Default(command.Static(store), retry.Policy{MaxAttempts: 2, BaseWait: time.Millisecond}, nil, nil, zap.NewNop())
	now := t0
	h := &hints{}
	svc := New(cmds, worker.FailurePolicy{
		DefaultRetries: 3,
		Backoff:        retry.Policy{BaseWait: time.Minute, Multiplier: 2, MaxWait: time.Hour},
		Now:            func() time.Time { return now },
	}, h, zap.NewNop())
	return svc, store, h, &now
}

func TestCreateValidates(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	for name, n := range map[string]NewJob{
		"no handler":        {Kind: jobs.KindExecutable},
		"suspended":         {Kind: jobs.KindSuspended, HandlerType: "noop"},
		"unknown kind":      {Kind: "later", HandlerType: "noop"},
		"timer without due": {Kind: jobs.KindTimer, HandlerType: "noop"},
		"bad cron":          {Kind: jobs.KindTimer, HandlerType: "noop", Repeat: "every day"},
		"repeat on async":   {Kind: jobs.KindExecutable, HandlerType: "noop", Repeat: "* * * * *"},
	} {
		_, err := svc.Create(ctx, n)
		require.ErrorIs(t, err, ErrInvalid, name)
	}
}

func TestCreateHintsOnlyDueExecutableJobs(t *testing.T) {
	svc, _, h, _ := newService(t)
	ctx := context.Background()
	later := t0.Add(time.Hour)

	now, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, 1, now.Revision)
	require.Equal(t, 3, now.Retries)

	_, err = svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", DueDate: &later})
	require.NoError(t, err)
	timer, err := svc.Create(ctx, NewJob{Kind: jobs.KindTimer, HandlerType: "noop", Repeat: "0 * * * *"})
	require.NoError(t, err)
	require.Equal(t, t0.Add(time.Hour), *timer.DueDate)

	require.Equal(t, []string{now.ID}, h.jobs)

	acme := "acme"
	n, err := svc.Count(ctx, jobs.Query{Kind: jobs.KindExecutable, Tenant: &acme})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	counts, err := svc.Counts(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, counts[jobs.KindExecutable])
	require.EqualValues(t, 1, counts[jobs.KindTimer])
	require.EqualValues(t, 0, counts[jobs.KindDeadLetter])
}

type notifications []string

func (n *notifications) Notify(_ context.Context, tenantID string) { *n = append(*n, tenantID) }

func TestCreateNotifiesWhenNoLocalExecutor(t *testing.T) {
	store := jobs.NewMemStore()
	cmds := command.Default(command.Static(store), retry.Policy{MaxAttempts: 1}, nil, nil, zap.NewNop())
	var n notifications
	svc := New(cmds, worker.FailurePolicy{DefaultRetries: 3}, nil, zap.NewNop()).WithNotifier(&n)
	ctx := context.Background()
	later := time.Now().Add(time.Hour)

	_, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", TenantID: "acme"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, NewJob{Kind: jobs.KindTimer, HandlerType: "noop", DueDate: &later, TenantID: "acme"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, NewJob{Kind: jobs.KindExternalWorker, HandlerType: "external", TenantID: "acme"})
	require.NoError(t, err)
	require.Equal(t, notifications{"acme"}, n)
}

func TestDeleteRefusesLockedJob(t *testing.T) {
	svc, store, _, now := newService(t)
	ctx := context.Background()
	j, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop"})
	require.NoError(t, err)

	require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx jobs.Tx) error {
		cur, err := tx.FindByID(ctx, jobs.KindExecutable, j.ID)
		require.NoError(t, err)
		cur.Lock("node-a", t0.Add(time.Minute))
		return tx.Update(ctx, cur)
	}))
	require.ErrorIs(t, svc.Delete(ctx, jobs.KindExecutable, j.ID), ErrLocked)

	*now = t0.Add(2 * time.Minute)
	require.NoError(t, svc.Delete(ctx, jobs.KindExecutable, j.ID))
	_, err = svc.Get(ctx, jobs.KindExecutable, j.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestDeadLetterRoundTrip(t *testing.T) {
	svc, _, h, _ := newService(t)
	ctx := context.Background()
	due := t0.Add(time.Hour)
	j, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", DueDate: &due})
	require.NoError(t, err)

	dl, err := svc.MoveToDeadLetter(ctx, jobs.KindExecutable, j.ID)
	require.NoError(t, err)
	require.Equal(t, jobs.KindDeadLetter, dl.Kind)
	require.Zero(t, dl.Retries)

	_, err = svc.MoveToDeadLetter(ctx, jobs.KindDeadLetter, j.ID)
	require.ErrorIs(t, err, ErrInvalid)

	back, err := svc.MoveDeadLetterToExecutable(ctx, j.ID, 0)
	require.NoError(t, err)
	require.Equal(t, jobs.KindExecutable, back.Kind)
	require.Equal(t, j.ID, back.ID)
	require.Equal(t, 3, back.Retries)
	require.Equal(t, t0, *back.DueDate)
	require.Nil(t, back.ExceptionMessage)
	require.Equal(t, []string{j.ID}, h.jobs)

	_, err = svc.Get(ctx, jobs.KindDeadLetter, j.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestSuspendAndActivateScope(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	due := t0.Add(time.Hour)
	timer, err := svc.Create(ctx, NewJob{Kind: jobs.KindTimer, HandlerType: "noop", DueDate: &due, ScopeID: "p1"})
	require.NoError(t, err)
	async, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", DueDate: &due, ScopeID: "p1"})
	require.NoError(t, err)
	ext, err := svc.Create(ctx, NewJob{Kind: jobs.KindExternalWorker, HandlerType: "external", HandlerConfiguration: "billing", ScopeID: "p1"})
	require.NoError(t, err)
	other, err := svc.Create(ctx, NewJob{Kind: jobs.KindExecutable, HandlerType: "noop", DueDate: &due, ScopeID: "p2"})
	require.NoError(t, err)

	n, err := svc.SuspendScope(ctx, "p1", nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	suspended, err := svc.List(ctx, jobs.Query{Kind: jobs.KindSuspended})
	require.NoError(t, err)
	require.Len(t, suspended, 3)
	_, err = svc.Get(ctx, jobs.KindExecutable, other.ID)
	require.NoError(t, err)

	n, err = svc.ActivateScope(ctx, "p1", nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for id, kind := range map[string]jobs.Kind{timer.ID: jobs.KindTimer, async.ID: jobs.KindExecutable, ext.ID: jobs.KindExternalWorker} {
		_, err := svc.Get(ctx, kind, id)
		require.NoError(t, err, "job %s back in %s", id, kind)
	}

	_, err = svc.SuspendScope(ctx, "", nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExternalWorkerLifecycle(t *testing.T) {
	svc, _, _, now := newService(t)
	ctx := context.Background()
	a, err := svc.Create(ctx, NewJob{Kind: jobs.KindExternalWorker, HandlerType: "external", HandlerConfiguration: "billing"})
	require.NoError(t, err)
	b, err := svc.Create(ctx, NewJob{Kind: jobs.KindExternalWorker, HandlerType: "external", HandlerConfiguration: "billing"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, NewJob{Kind: jobs.KindExternalWorker, HandlerType: "external", HandlerConfiguration: "shipping"})
	require.NoError(t, err)

	got, err := svc.AcquireExternalJobs(ctx, AcquireExternal{Topic: "billing", WorkerID: "w1", LockDuration: time.Minute, Limit: 10})
	require.NoError(t, err)
	require.ElementsMatch(t, []string{a.ID, b.ID}, []string{got[0].ID, got[1].ID})

	again, err := svc.AcquireExternalJobs(ctx, AcquireExternal{Topic: "billing", WorkerID: "w2", LockDuration: time.Minute, Limit: 10})
	require.NoError(t, err)
	require.Empty(t, again)

	require.ErrorIs(t, svc.CompleteExternal(ctx, a.ID, "w2"), ErrNotOwner)
	require.NoError(t, svc.CompleteExternal(ctx, a.ID, "w1"))
	_, err = svc.Get(ctx, jobs.KindExternalWorker, a.ID)
	require.ErrorIs(t, err, jobs.ErrNotFound)

	out, err := svc.FailExternal(ctx, b.ID, "w1", "card declined")
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, out)
	failed, err := svc.Get(ctx, jobs.KindExternalWorker, b.ID)
	require.NoError(t, err)
	require.Equal(t, 2, failed.Retries)
	require.Nil(t, failed.LockOwner)
	require.Equal(t, "card declined", *failed.ExceptionMessage)
	require.Equal(t, t0.Add(time.Minute), *failed.DueDate)

	*now = t0.Add(2 * time.Minute)
	for i := 0; i < 2; i++ {
		got, err = svc.AcquireExternalJobs(ctx, AcquireExternal{Topic: "billing", WorkerID: "w1", LockDuration: time.Minute})
		require.NoError(t, err)
		require.Len(t, got, 1)
		out, err = svc.FailExternal(ctx, b.ID, "w1", "")
		require.NoError(t, err)
		*now = now.Add(time.Hour)
	}
	require.Equal(t, worker.OutcomeDeadLetter, out)

	back, err := svc.MoveDeadLetterToExecutable(ctx, b.ID, 1)
	require.NoError(t, err)
	require.Equal(t, jobs.KindExternalWorker, back.Kind, "external jobs go back to their workers")
}

func TestResetExpiredAndUnlockOwner(t *testing.T) {
	svc, store, _, now := newService(t)
	ctx := context.Background()
	lock := func(kind jobs.Kind, id, owner string, until time.Time) {
		require.NoError(t, store.InTx(ctx, func(ctx context.Context, tx jobs.Tx) error {
			return tx.Insert(ctx, &jobs.Job{ID: id, Kind: kind, HandlerType: "noop", Retries: 3,
				LockOwner: &owner, LockExpirationTime: &until})
		}))
	}
	lock(jobs.KindExecutable, "e1", "dead-node", t0.Add(-time.Minute))
	lock(jobs.KindTimer, "t1", "dead-node", t0.Add(-time.Minute))
	lock(jobs.KindExecutable, "e2", "live-node", t0.Add(time.Hour))
	lock(jobs.KindExternalWorker, "x1", "live-node", t0.Add(time.Hour))

	n, err := svc.ResetExpired(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, err = svc.UnlockOwner(ctx, "", nil)
	require.ErrorIs(t, err, ErrInvalid)
	unlocked, err := svc.UnlockOwner(ctx, "live-node", nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, unlocked)

	*now = t0.Add(2 * time.Hour)
	locked := true
	left, err := svc.Count(ctx, jobs.Query{Kind: jobs.KindExecutable, Locked: &locked, Now: *now})
	require.NoError(t, err)
	require.Zero(t, left)
}

func TestFailExternalPropagatesStoreErrors(t *testing.T) {
	svc, _, _, _ := newService(t)
	_, err := svc.FailExternal(context.Background(), "missing", "w1", "boom")
	require.True(t, errors.Is(err, jobs.ErrNotFound))
}
