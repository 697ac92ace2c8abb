// Package multitenant runs job executors for a changing set of tenants.
package multitenant

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker"
)

// ErrTenantRequired rejects adding the empty tenant, which is always served.
var ErrTenantRequired = errors.New("tenant id required")

// ErrStopped is returned when a tenant is added after Shutdown.
var ErrStopped = errors.New("executor strategy stopped")

// Strategy is an executor that can grow and shrink its tenant set at runtime.
type Strategy interface {
	worker.Executor
	AddTenant(ctx context.Context, id string) error
	RemoveTenant(ctx context.Context, id string) error
	TenantIDs() []string
}

// Factory builds the executor for a tenant. For tenant.None it builds the
// executor of jobs without a tenant.
type Factory func(tenantID string) *worker.AsyncExecutor

// PerTenant gives every tenant its own AsyncExecutor, pool included.
type PerTenant struct {
	factory Factory
	def     *worker.AsyncExecutor
	tenants *tenant.Map[*worker.AsyncExecutor]
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	started bool
	stopped bool
	ctx     context.Context
}

func NewPerTenant(factory Factory, log *zap.Logger, m *metrics.Metrics) *PerTenant {
	def := factory(tenant.None)
	return &PerTenant{
		factory: factory,
		def:     def,
		tenants: tenant.NewMap(def),
		log:     log.Named("per-tenant"),
		metrics: m,
	}
}

func (p *PerTenant) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return worker.ErrAlreadyStarted
	}
	p.started, p.ctx = true, ctx
	if err := p.def.Start(ctx); err != nil {
		return err
	}
	for _, id := range p.tenants.IDs() {
		e, _ := p.tenants.Lookup(id)
		if err := e.Start(ctx); err != nil {
			return fmt.Errorf("start tenant %s: %w", id, err)
		}
	}
	return nil
}

// AddTenant creates the tenant's executor and starts it when the strategy is running.
func (p *PerTenant) AddTenant(ctx context.Context, id string) error {
	if id == tenant.None {
		return ErrTenantRequired
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if _, ok := p.tenants.Lookup(id); ok {
		return nil
	}
	e := p.factory(id)
	if p.started {
		if err := e.Start(p.ctx); err != nil {
			return fmt.Errorf("start tenant %s: %w", id, err)
		}
	}
	p.tenants.Set(id, e)
	p.metrics.SetTenants(p.tenants.Len())
	p.log.Info("tenant added", zap.String("tenant", id))
	return nil
}

// RemoveTenant shuts down only that tenant's executor.
func (p *PerTenant) RemoveTenant(ctx context.Context, id string) error {
	p.mu.Lock()
	e, ok := p.tenants.Delete(id)
	p.metrics.SetTenants(p.tenants.Len())
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.log.Info("tenant removed", zap.String("tenant", id))
	return e.Shutdown(ctx)
}

func (p *PerTenant) TenantIDs() []string { return p.tenants.IDs() }

// Executor returns the executor serving id, falling back to the default one.
func (p *PerTenant) Executor(id string) *worker.AsyncExecutor { return p.tenants.Get(id) }

// Wake wakes the acquisition of the executor serving tenantID.
func (p *PerTenant) Wake(tenantID string) { p.tenants.Get(tenantID).Wake(tenantID) }

// ExecuteAsyncJob routes the job to the executor of the tenant bound to ctx,
// or of the job's tenant when ctx carries none.
func (p *PerTenant) ExecuteAsyncJob(ctx context.Context, job jobs.Job) bool {
	id, ok := tenant.FromContext(ctx)
	if !ok {
		id = job.TenantID
	}
	return p.tenants.Get(id).ExecuteAsyncJob(ctx, job)
}

// Shutdown stops every tenant executor in parallel, then the default one.
func (p *PerTenant) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	executors := map[string]*worker.AsyncExecutor{}
	for _, id := range p.tenants.IDs() {
		if e, ok := p.tenants.Delete(id); ok {
			executors[id] = e
		}
	}
	p.mu.Unlock()

	var mu sync.Mutex
	var errs error
	g, gctx := errgroup.WithContext(ctx)
	for id, e := range executors {
		id, e := id, e
		g.Go(func() error {
			if err := e.Shutdown(gctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("tenant %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.metrics.SetTenants(0)
	return multierr.Append(errs, p.def.Shutdown(ctx))
}
