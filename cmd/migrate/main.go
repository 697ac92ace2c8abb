package main

import (
	"context"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/db"
)

type options struct {
	PostgresDSN string            `env:"POSTGRES_DSN,notEmpty"`
	TenantDSNs  map[string]string `env:"TENANT_DSNS" envKeyValSeparator:"|"`
	Timeout     time.Duration     `env:"MIGRATE_TIMEOUT" envDefault:"1m"`
}

func main() {
	log, _ := zap.NewProduction()
	defer func() { _ = log.Sync() }()

	var opts options
	if err := env.Parse(&opts); err != nil {
		log.Fatal("config", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	targets := map[string]string{"default": opts.PostgresDSN}
	for id, dsn := range opts.TenantDSNs {
		targets["tenant "+id] = dsn
	}
	failed := false
	for name, dsn := range targets {
		l := log.With(zap.String("database", name))
		if err := migrate(ctx, dsn, l); err != nil {
			l.Error("migrate", zap.Error(err))
			failed = true
			continue
		}
		l.Info("migrations: done")
	}
	if failed {
		os.Exit(1)
	}
}

func migrate(ctx context.Context, dsn string, log *zap.Logger) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	return db.Migrate(ctx, conn, log)
}
