package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/schedule"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
)

// loop runs fn until its context ends. After a full batch it runs again
// immediately; otherwise it sleeps for interval or until woken.
type loop struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) (full bool, err error)
	wake     chan struct{}
	log      *zap.Logger
}

func newLoop(name string, interval time.Duration, log *zap.Logger, fn func(ctx context.Context) (bool, error)) *loop {
	return &loop{name: name, interval: interval, fn: fn, wake: make(chan struct{}, 1), log: log.With(zap.String("loop", name))}
}

func (l *loop) run(ctx context.Context) {
	l.log.Debug("acquisition loop started")
	defer l.log.Debug("acquisition loop stopped")
	for {
		if ctx.Err() != nil {
			return
		}
		full, err := l.once(ctx)
		if err != nil && ctx.Err() == nil {
			l.log.Error("acquisition round failed", zap.Error(err))
		}
		if full && err == nil {
			continue
		}

		t := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-l.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (l *loop) once(ctx context.Context) (full bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			full, err = false, fmt.Errorf("panic in %s loop: %v", l.name, r)
		}
	}()
	return l.fn(ctx)
}

func (l *loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Acquisition runs the timer, async and expired-lock loops for one tenant
// scope and hands claimed jobs to a Runner.
type Acquisition struct {
	cfg     Config
	tenant  *string
	cmds    *command.Executor
	runner  *Runner
	gate    Gate
	log     *zap.Logger
	metrics *metrics.Metrics

	timers, async, resets *loop

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAcquisition builds the loops for tenant, or for every tenant when tenant
// is nil. gate may be nil, in which case this node always resets expired locks.
func NewAcquisition(cfg Config, tenantFilter *string, cmds *command.Executor, runner *Runner, gate Gate, log *zap.Logger, m *metrics.Metrics) *Acquisition {
	cfg = cfg.WithDefaults()
	cfg.LockOwner = runner.LockOwner()
	log = log.Named("acquire")
	a := &Acquisition{cfg: cfg, tenant: tenantFilter, cmds: cmds, runner: runner, gate: gate, log: log, metrics: m}
	a.timers = newLoop("timer", cfg.TimerInterval, log, a.acquireTimers)
	a.async = newLoop("async", cfg.AsyncInterval, log, a.acquireAsync)
	a.resets = newLoop("reset-expired", cfg.ResetInterval, log, a.resetExpired)
	return a
}

// Start launches the loops. Calling it on a running acquisition does nothing.
func (a *Acquisition) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	if a.tenant != nil {
		ctx = tenant.WithTenant(ctx, *a.tenant)
	}
	ctx, a.cancel = context.WithCancel(ctx)
	for _, l := range []*loop{a.timers, a.async, a.resets} {
		a.wg.Add(1)
		go func(l *loop) {
			defer a.wg.Done()
			l.run(ctx)
		}(l)
	}
}

// Stop signals the loops and waits for the current rounds to end, bounded by ctx.
func (a *Acquisition) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for acquisition loops: %w", ctx.Err())
	}
}

// Wake cuts the wait of the timer and async loops short.
func (a *Acquisition) Wake() {
	a.timers.signal()
	a.async.signal()
}

func (a *Acquisition) label() string { return tenantLabel(a.tenant) }

func (a *Acquisition) now() time.Time { return a.cfg.Now().UTC() }

// acquireTimers claims due timers and turns each into a locked executable job.
func (a *Acquisition) acquireTimers(ctx context.Context) (bool, error) {
	now := a.now()
	res, err := Claim(ctx, a.cmds, jobs.KindTimer,
		jobs.AcquireParams{Now: now, Limit: a.cfg.TimerBatchSize, Tenant: a.tenant},
		a.cfg.LockOwner, now.Add(a.cfg.TimerLockTime))
	a.metrics.Acquired(a.label(), string(jobs.KindTimer), len(res.Jobs))
	for i := 0; i < res.Conflicts; i++ {
		a.metrics.ClaimConflict(a.label(), string(jobs.KindTimer))
	}

	rejected := false
	for _, timer := range res.Jobs {
		exec, err := a.fireTimer(ctx, timer)
		if err != nil {
			a.log.Warn("moving timer to executable, lock expiry will release it",
				zap.String("job_id", timer.ID), zap.Error(err))
			continue
		}
		if !a.runner.Submit(ctx, exec.TenantID, exec) {
			rejected = true
			a.runner.unacquireLogged(ctx, exec)
		}
	}
	return res.Full && !rejected, err
}

// fireTimer moves a claimed timer to the executable table, locked by this
// owner, and schedules its next occurrence when it repeats.
func (a *Acquisition) fireTimer(ctx context.Context, timer jobs.Job) (jobs.Job, error) {
	var exec jobs.Job
	err := a.cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		now := a.now()
		t := timer.Clone()
		moved, err := jobs.Move(ctx, tx, &t, jobs.KindExecutable, func(j *jobs.Job) {
			j.Repeat = ""
			j.Lock(a.cfg.LockOwner, now.Add(a.cfg.AsyncLockTime))
		})
		if err != nil {
			return err
		}
		if timer.Repeat != "" {
			if err := a.scheduleRepeat(ctx, tx, timer, now); err != nil {
				return err
			}
		}
		exec = *moved
		return nil
	})
	return exec, err
}

func (a *Acquisition) scheduleRepeat(ctx context.Context, tx jobs.Tx, timer jobs.Job, now time.Time) error {
	from := now
	if timer.DueDate != nil {
		from = *timer.DueDate
	}
	next, err := schedule.NextAfter(timer.Repeat, from, now)
	if err != nil {
		return fmt.Errorf("repeat of timer %s: %w", timer.ID, err)
	}
	rep := timer.Clone()
	rep.ID = uuid.NewString()
	rep.Kind = jobs.KindTimer
	rep.Origin = jobs.KindTimer
	rep.DueDate = &next
	rep.Retries = a.cfg.DefaultRetries
	rep.ExceptionMessage, rep.ExceptionDetails = nil, nil
	rep.CreateTime = time.Time{}
	rep.Unlock()
	return tx.Insert(ctx, &rep)
}

// acquireAsync claims due executable jobs and submits them.
func (a *Acquisition) acquireAsync(ctx context.Context) (bool, error) {
	now := a.now()
	res, err := Claim(ctx, a.cmds, jobs.KindExecutable,
		jobs.AcquireParams{Now: now, Limit: a.cfg.AsyncBatchSize, Tenant: a.tenant},
		a.cfg.LockOwner, now.Add(a.cfg.AsyncLockTime))
	a.metrics.Acquired(a.label(), string(jobs.KindExecutable), len(res.Jobs))
	for i := 0; i < res.Conflicts; i++ {
		a.metrics.ClaimConflict(a.label(), string(jobs.KindExecutable))
	}

	rejected := false
	for _, job := range res.Jobs {
		if rejected || !a.runner.Submit(ctx, job.TenantID, job) {
			rejected = true
			a.runner.unacquireLogged(ctx, job)
		}
	}
	return res.Full && !rejected, err
}

// resetExpired clears locks whose expiry passed, so the jobs can be acquired again.
func (a *Acquisition) resetExpired(ctx context.Context) (bool, error) {
	if a.gate != nil && !a.gate.IsLeader() {
		return false, nil
	}
	full := false
	var errs error
	for _, kind := range []jobs.Kind{jobs.KindExecutable, jobs.KindTimer, jobs.KindExternalWorker} {
		n, kindFull, err := ResetExpired(ctx, a.cmds, kind, jobs.ExpiredParams{Now: a.now(), Limit: a.cfg.ResetBatchSize, Tenant: a.tenant})
		a.metrics.LocksReset(a.label(), string(kind), n)
		if n > 0 {
			a.log.Info("reset expired job locks", zap.String("kind", string(kind)), zap.Int("count", n))
		}
		full = full || kindFull
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", kind, err))
		}
	}
	return full, errs
}

// ResetExpired unlocks up to p.Limit jobs of kind whose lock expired. Rows
// changed concurrently are skipped. It reports how many were reset and
// whether the batch was full.
func ResetExpired(ctx context.Context, cmds *command.Executor, kind jobs.Kind, p jobs.ExpiredParams) (int, bool, error) {
	var expired []jobs.Job
	err := cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
		var err error
		expired, err = tx.FindExpired(ctx, kind, p)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	n := 0
	for _, e := range expired {
		err := cmds.Execute(ctx, func(ctx context.Context, tx jobs.Tx) error {
			j := e.Clone()
			j.Unlock()
			return tx.Update(ctx, &j)
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, jobs.ErrOptimisticLock):
		default:
			return n, false, err
		}
	}
	return n, p.Limit > 0 && len(expired) >= p.Limit, nil
}
