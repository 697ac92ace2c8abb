package multitenant

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker"
)

// Shared runs acquisition loops per tenant that all feed one Runner, so
// every tenant draws from the same worker pool.
type Shared struct {
	cfg     worker.Config
	cmds    *command.Executor
	runner  *worker.Runner
	gate    worker.Gate
	acqs    *tenant.Map[*worker.Acquisition]
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
}

// NewShared builds the shared runner and the acquisition of jobs without a tenant.
func NewShared(cmds *command.Executor, runner *worker.Runner, gate worker.Gate, log *zap.Logger, m *metrics.Metrics) *Shared {
	s := &Shared{
		cfg:     runner.Config(),
		cmds:    cmds,
		runner:  runner,
		gate:    gate,
		log:     log.Named("shared"),
		metrics: m,
	}
	s.acqs = tenant.NewMap(s.newAcquisition(tenant.None))
	return s
}

func (s *Shared) newAcquisition(id string) *worker.Acquisition {
	return worker.NewAcquisition(s.cfg, &id, s.cmds, s.runner, s.gate, s.log.With(zap.String("tenant", id)), s.metrics)
}

func (s *Shared) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return worker.ErrAlreadyStarted
	}
	s.started, s.ctx = true, ctx
	s.acqs.Get(tenant.None).Start(ctx)
	for _, id := range s.acqs.IDs() {
		a, _ := s.acqs.Lookup(id)
		a.Start(ctx)
	}
	return nil
}

func (s *Shared) AddTenant(ctx context.Context, id string) error {
	if id == tenant.None {
		return ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.acqs.Lookup(id); ok {
		return nil
	}
	a := s.newAcquisition(id)
	if s.started && !s.stopped {
		a.Start(s.ctx)
	}
	s.acqs.Set(id, a)
	s.metrics.SetTenants(s.acqs.Len())
	s.log.Info("tenant added", zap.String("tenant", id))
	return nil
}

// RemoveTenant stops the tenant's acquisition. Jobs already queued on the
// shared pool still run.
func (s *Shared) RemoveTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.acqs.Delete(id)
	s.metrics.SetTenants(s.acqs.Len())
	s.mu.Unlock()
	if !ok {
		return nil
	}
	s.log.Info("tenant removed", zap.String("tenant", id))
	return a.Stop(ctx)
}

func (s *Shared) TenantIDs() []string { return s.acqs.IDs() }

// Wake wakes the acquisition of tenantID if this executor serves it.
func (s *Shared) Wake(tenantID string) {
	if a, ok := s.acqs.Lookup(tenantID); ok {
		a.Wake()
		return
	}
	if tenantID == tenant.None {
		s.acqs.Get(tenant.None).Wake()
	}
}

func (s *Shared) ExecuteAsyncJob(ctx context.Context, job jobs.Job) bool {
	s.mu.Lock()
	active := s.started && !s.stopped
	s.mu.Unlock()
	if !active {
		return false
	}
	return s.runner.ClaimAndSubmit(ctx, job)
}

// Shutdown stops every tenant's acquisition, then drains the shared pool and
// releases the locks it still holds.
func (s *Shared) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ids := append([]string{tenant.None}, s.acqs.IDs()...)
	acqs := []*worker.Acquisition{s.acqs.Get(tenant.None)}
	for _, id := range ids[1:] {
		a, _ := s.acqs.Lookup(id)
		acqs = append(acqs, a)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	for _, a := range acqs {
		a := a
		g.Go(func() error { return a.Stop(ctx) })
	}
	errs := g.Wait()
	errs = multierr.Append(errs, s.runner.Shutdown(ctx))
	for _, id := range ids {
		id := id
		errs = multierr.Append(errs, s.runner.UnacquireOwned(context.WithoutCancel(ctx), &id))
	}
	return errs
}
