package multitenant

import (
	"context"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TenantSource lists the tenants that should currently be served.
type TenantSource interface {
	Tenants(ctx context.Context) ([]string, error)
}

// StaticTenants is a fixed tenant list.
type StaticTenants []string

func (s StaticTenants) Tenants(context.Context) ([]string, error) { return s, nil }

// Sync keeps a strategy's tenant set equal to what its source reports.
type Sync struct {
	Strategy Strategy
	Source   TenantSource
	Interval time.Duration
	Log      *zap.Logger
}

// Reconcile adds the tenants the source gained and removes the ones it lost.
func (s *Sync) Reconcile(ctx context.Context) error {
	want, err := s.Source.Tenants(ctx)
	if err != nil {
		return err
	}
	want = lo.Uniq(lo.Compact(want))
	removed, added := lo.Difference(s.Strategy.TenantIDs(), want)

	var errs error
	for _, id := range added {
		errs = multierr.Append(errs, s.Strategy.AddTenant(ctx, id))
	}
	for _, id := range removed {
		errs = multierr.Append(errs, s.Strategy.RemoveTenant(ctx, id))
	}
	if len(added)+len(removed) > 0 {
		s.Log.Info("tenant set reconciled", zap.Strings("added", added), zap.Strings("removed", removed))
	}
	return errs
}

// Run reconciles immediately and then every Interval until ctx ends.
func (s *Sync) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.Log.Warn("reconciling tenants", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
