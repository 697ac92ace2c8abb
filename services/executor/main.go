package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rishansujesh/jobexecutor/internal/api/server"
	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/config"
	"github.com/rishansujesh/jobexecutor/internal/db"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/management"
	"github.com/rishansujesh/jobexecutor/internal/metrics"
	"github.com/rishansujesh/jobexecutor/internal/multitenant"
	redisx "github.com/rishansujesh/jobexecutor/internal/redis"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
	"github.com/rishansujesh/jobexecutor/internal/worker"
	"github.com/rishansujesh/jobexecutor/internal/worker/handlers"
)

// executor is what every tenant strategy offers the process.
type executor interface {
	worker.Executor
	Wake(tenantID string)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("executor exited", zap.Error(err))
	}
	log.Info("executor stopped")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.AppEnv == "dev" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

func openDB(ctx context.Context, dsn string, cfg config.Config) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	m := metrics.New()
	wcfg := cfg.ToWorker()
	log = log.With(zap.String("lock_owner", wcfg.LockOwner))

	// ---- Postgres ----
	mainDB, err := openDB(ctx, cfg.PostgresDSN, cfg)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer mainDB.Close()
	store := jobs.NewStore(mainDB)
	store.DefaultTO = cfg.SQLTimeout

	repos := tenant.NewMap[jobs.Repository](store)
	for id, dsn := range cfg.TenantDSNs {
		tdb, err := openDB(ctx, dsn, cfg)
		if err != nil {
			return fmt.Errorf("postgres for tenant %s: %w", id, err)
		}
		defer tdb.Close()
		ts := jobs.NewStore(tdb)
		ts.DefaultTO = cfg.SQLTimeout
		repos.Set(id, ts)
	}
	cmds := command.Default(command.TenantRepositories{Map: repos}, cfg.CommandPolicy(), nil, m, log)

	g, gctx := errgroup.WithContext(ctx)

	// ---- Redis (optional) and leader gate ----
	var (
		gate    worker.Gate
		rdb     *redis.Client
		wake    *redisx.WakeStream
		tenants *redisx.TenantSet
	)
	if cfg.Redis.Addr != "" {
		rdb, err = redisx.NewClientWithBackoff(ctx, cfg.Redis, log)
		if err != nil {
			return err
		}
		defer rdb.Close()
		elector := redisx.NewLeaderElector(rdb, cfg.Redis.LeaderKey, cfg.Redis.LeaderTTL, wcfg.LockOwner, log)
		g.Go(func() error { elector.Run(gctx); return nil })
		gate = elector
		wake = redisx.NewWakeStream(rdb, cfg.Redis.WakeStream, log)
		tenants = redisx.NewTenantSet(rdb, cfg.Redis.TenantKey)
		if err := tenants.Add(ctx, cfg.Tenants...); err != nil {
			return fmt.Errorf("seed tenants: %w", err)
		}
	} else {
		advisory := db.NewAdvisoryGate(mainDB, "jobexecutor:resetter", 5*time.Second, log)
		g.Go(func() error { advisory.Run(gctx); return nil })
		gate = advisory
	}

	// ---- Executor strategy ----
	reg := handlers.Defaults()
	var (
		exec     executor
		strategy multitenant.Strategy
	)
	switch cfg.Strategy {
	case config.StrategyPerTenant:
		p := multitenant.NewPerTenant(func(id string) *worker.AsyncExecutor {
			return worker.NewAsyncExecutor(wcfg, &id, cmds, reg, gate, log, m)
		}, log, m)
		exec, strategy = p, p
	case config.StrategyShared:
		s := multitenant.NewShared(cmds, worker.NewRunner(wcfg, cmds, reg, log, m), gate, log, m)
		exec, strategy = s, s
	default:
		exec = worker.NewAsyncExecutor(wcfg, nil, cmds, reg, gate, log, m)
	}
	// the loops run until Shutdown, not until the signal
	if err := exec.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, exec.Shutdown(context.Background()))
	}()

	var tenantAPI server.Tenants
	if strategy != nil {
		tsync := &multitenant.Sync{Strategy: strategy, Interval: cfg.TenantSync, Log: log.Named("tenant-sync")}
		if tenants != nil {
			tsync.Source = tenants
			tenantAPI = registeredTenants{set: tenants, Strategy: strategy}
		} else {
			tsync.Source = multitenant.StaticTenants(cfg.Tenants)
			tenantAPI = strategy
		}
		g.Go(func() error { tsync.Run(gctx); return nil })
	}
	if wake != nil {
		g.Go(func() error { wake.Listen(gctx, exec.Wake); return nil })
	}

	// ---- Management API ----
	svc := management.New(cmds, wcfg.FailurePolicy(), exec, log)
	if wake != nil {
		svc.WithNotifier(wake)
	}
	api := &server.Server{
		Jobs:    svc,
		Tenants: tenantAPI,
		Metrics: m,
		Ready:   mainDB.PingContext,
		Log:     log.Named("api"),
	}
	g.Go(func() error { return api.Serve(gctx, cfg.HTTPAddr) })

	// ---- gRPC health ----
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	g.Go(func() error {
		log.Info("grpc health listening", zap.String("addr", cfg.GRPCAddr))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		hs.Shutdown()
		gs.GracefulStop()
		return nil
	})

	log.Info("executor running",
		zap.String("strategy", string(cfg.Strategy)),
		zap.Strings("handlers", reg.Types()),
		zap.Bool("redis", rdb != nil))
	return g.Wait()
}

// registeredTenants keeps the shared Redis registry in step with the local
// strategy so that other nodes pick the change up on their next sync.
type registeredTenants struct {
	set *redisx.TenantSet
	multitenant.Strategy
}

func (r registeredTenants) AddTenant(ctx context.Context, id string) error {
	if id == tenant.None {
		return multitenant.ErrTenantRequired
	}
	if err := r.set.Add(ctx, id); err != nil {
		return err
	}
	return r.Strategy.AddTenant(ctx, id)
}

func (r registeredTenants) RemoveTenant(ctx context.Context, id string) error {
	if err := r.set.Remove(ctx, id); err != nil {
		return err
	}
	return r.Strategy.RemoveTenant(ctx, id)
}
