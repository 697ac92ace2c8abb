package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/command"
	"github.com/rishansujesh/jobexecutor/internal/config"
	"github.com/rishansujesh/jobexecutor/internal/jobs"
	"github.com/rishansujesh/jobexecutor/internal/management"
	"github.com/rishansujesh/jobexecutor/internal/tenant"
)

type CmdFunc func(ctx context.Context, svc *management.Service, args []string) error

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	handlers := map[string]CmdFunc{
		"counts":          cmdCounts,
		"list":            cmdList,
		"move-deadletter": cmdMoveDeadLetter,
		"deadletter":      cmdDeadLetter,
		"suspend-scope":   cmdScope(true),
		"activate-scope":  cmdScope(false),
		"reset-expired":   cmdResetExpired,
		"unlock-owner":    cmdUnlockOwner,
		"help": func(context.Context, *management.Service, []string) error {
			usage()
			return nil
		},
	}
	fn, ok := handlers[cmd]
	if !ok {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	svc, closeAll, err := connect(ctx, cfg)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer closeAll()

	if err := fn(ctx, svc, args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func connect(ctx context.Context, cfg config.Config) (*management.Service, func(), error) {
	var dbs []*sql.DB
	closeAll := func() {
		for _, d := range dbs {
			_ = d.Close()
		}
	}
	open := func(dsn string) (jobs.Repository, error) {
		d, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		dbs = append(dbs, d)
		if err := d.PingContext(ctx); err != nil {
			return nil, err
		}
		s := jobs.NewStore(d)
		s.DefaultTO = cfg.SQLTimeout
		return s, nil
	}
	def, err := open(cfg.PostgresDSN)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	repos := tenant.NewMap(def)
	for id, dsn := range cfg.TenantDSNs {
		r, err := open(dsn)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("tenant %s: %w", id, err)
		}
		repos.Set(id, r)
	}
	cmds := command.Default(command.TenantRepositories{Map: repos}, cfg.CommandPolicy(), nil, nil, zap.NewNop())
	return management.New(cmds, cfg.ToWorker().FailurePolicy(), nil, zap.NewNop()), closeAll, nil
}

func usage() {
	fmt.Print(`admin cli

Usage:
  admin <command> [flags]

Commands:
  counts          [--tenant T]                     Jobs per kind
  list            --kind K [--scope S] [--owner O] [--exceptions] [--limit 50] [--offset 0] [--tenant T]
                                                   Print matching jobs as JSON lines
  move-deadletter [--retries N] [--tenant T] ID    Give a dead-letter job new retries and make it due now
  deadletter      --kind K [--tenant T] ID         Move an executable, timer or external-worker job to dead-letter
  suspend-scope   [--tenant T] SCOPE_ID            Suspend every job of a scope
  activate-scope  [--tenant T] SCOPE_ID            Return the suspended jobs of a scope
  reset-expired   [--tenant T]                     Clear every expired lock now
  unlock-owner    [--tenant T] OWNER               Release every lock held by OWNER

Environment:
  POSTGRES_DSN    (required)
  TENANT_DSNS     (tenant|dsn pairs, comma separated)
`)
}

/* -------------------- commands -------------------- */

// tenantFlag registers --tenant; the returned func binds ctx and returns the filter.
func tenantFlag(fs *flag.FlagSet) func(ctx context.Context) (context.Context, *string) {
	id := fs.String("tenant", "", "tenant id")
	return func(ctx context.Context) (context.Context, *string) {
		set := false
		fs.Visit(func(f *flag.Flag) { set = set || f.Name == "tenant" })
		if !set {
			return ctx, nil
		}
		return tenant.WithTenant(ctx, *id), id
	}
}

func cmdCounts(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("counts", flag.ContinueOnError)
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, tenantID := scoped(ctx)
	counts, err := svc.Counts(ctx, tenantID)
	if err != nil {
		return err
	}
	for _, k := range jobs.Kinds {
		fmt.Printf("%-16s %d\n", k, counts[k])
	}
	return nil
}

func cmdList(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	kind := fs.String("kind", string(jobs.KindDeadLetter), "job kind")
	scope := fs.String("scope", "", "scope id")
	owner := fs.String("owner", "", "lock owner")
	withExc := fs.Bool("exceptions", false, "only jobs with an exception")
	limit := fs.Int("limit", 50, "max jobs")
	offset := fs.Int("offset", 0, "skip jobs")
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	k, err := jobs.ParseKind(*kind)
	if err != nil {
		return err
	}
	ctx, tenantID := scoped(ctx)
	list, err := svc.List(ctx, jobs.Query{
		Kind: k, ScopeID: *scope, LockOwner: *owner, WithException: *withExc,
		Tenant: tenantID, Limit: *limit, Offset: *offset,
	})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	for _, j := range list {
		if err := enc.Encode(j); err != nil {
			return err
		}
	}
	return nil
}

func cmdMoveDeadLetter(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("move-deadletter", flag.ContinueOnError)
	retries := fs.Int("retries", 0, "retries to restore (0 = default)")
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("move-deadletter needs one job id")
	}
	ctx, _ = scoped(ctx)
	j, err := svc.MoveDeadLetterToExecutable(ctx, fs.Arg(0), *retries)
	if err != nil {
		return err
	}
	fmt.Printf("moved %s to %s with %d retries\n", j.ID, j.Kind, j.Retries)
	return nil
}

func cmdDeadLetter(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("deadletter", flag.ContinueOnError)
	kind := fs.String("kind", string(jobs.KindExecutable), "current job kind")
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("deadletter needs one job id")
	}
	k, err := jobs.ParseKind(*kind)
	if err != nil {
		return err
	}
	ctx, _ = scoped(ctx)
	j, err := svc.MoveToDeadLetter(ctx, k, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("moved %s to %s\n", j.ID, j.Kind)
	return nil
}

func cmdScope(suspend bool) CmdFunc {
	return func(ctx context.Context, svc *management.Service, args []string) error {
		name, move := "activate-scope", svc.ActivateScope
		if suspend {
			name, move = "suspend-scope", svc.SuspendScope
		}
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		scoped := tenantFlag(fs)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if fs.NArg() != 1 {
			return fmt.Errorf("%s needs one scope id", name)
		}
		ctx, tenantID := scoped(ctx)
		n, err := move(ctx, fs.Arg(0), tenantID)
		if err != nil {
			return err
		}
		fmt.Printf("%s: moved %d jobs\n", name, n)
		return nil
	}
}

func cmdResetExpired(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("reset-expired", flag.ContinueOnError)
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, tenantID := scoped(ctx)
	n, err := svc.ResetExpired(ctx, tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("reset %d expired locks\n", n)
	return nil
}

func cmdUnlockOwner(ctx context.Context, svc *management.Service, args []string) error {
	fs := flag.NewFlagSet("unlock-owner", flag.ContinueOnError)
	scoped := tenantFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("unlock-owner needs one owner")
	}
	ctx, tenantID := scoped(ctx)
	n, err := svc.UnlockOwner(ctx, fs.Arg(0), tenantID)
	if err != nil {
		return err
	}
	fmt.Printf("unlocked %d jobs held by %s\n", n, fs.Arg(0))
	return nil
}
