// Package db owns the PostgreSQL schema of the job tables and the
// database-backed leader gate.
package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migration is one schema file.
type Migration struct {
	Name     string
	SQL      string
	Checksum string
}

// Migrations returns the embedded migrations in apply order.
func Migrations() ([]Migration, error) {
	return load(embedded, "migrations")
}

func load(fsys fs.FS, dir string) ([]Migration, error) {
	names, err := fs.Glob(fsys, dir+"/*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]Migration, 0, len(names))
	for _, n := range names {
		b, err := fs.ReadFile(fsys, n)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", n, err)
		}
		sum := sha256.Sum256(b)
		out = append(out, Migration{Name: n[len(dir)+1:], SQL: string(b), Checksum: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

// Migrate applies the migrations not yet recorded in schema_migrations, each
// in its own transaction. A recorded migration whose checksum changed is an error.
func Migrate(ctx context.Context, conn *pgx.Conn, log *zap.Logger) error {
	ms, err := Migrations()
	if err != nil {
		return err
	}
	return apply(ctx, conn, ms, log)
}

func apply(ctx context.Context, conn *pgx.Conn, ms []Migration, log *zap.Logger) error {
	_, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  filename text PRIMARY KEY,
  checksum text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]string{}
	rows, err := conn.Query(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var fn, sum string
		if err := rows.Scan(&fn, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[fn] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}

	for _, m := range ms {
		if prev, ok := applied[m.Name]; ok {
			if prev != m.Checksum {
				return fmt.Errorf("migration %s already applied with different checksum (got %s, have %s)", m.Name, m.Checksum, prev)
			}
			log.Debug("migration already applied", zap.String("file", m.Name))
			continue
		}
		start := time.Now()
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return fmt.Errorf("exec %s: %w", m.Name, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename, checksum) VALUES ($1, $2)`, m.Name, m.Checksum); err != nil {
				return fmt.Errorf("record %s: %w", m.Name, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("migration applied", zap.String("file", m.Name), zap.Duration("took", time.Since(start).Round(time.Millisecond)))
	}
	return nil
}
