package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/binary"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// AdvisoryGate elects a leader with a session-level PostgreSQL advisory
// lock. The lock lives as long as the dedicated connection holding it.
type AdvisoryGate struct {
	db       *sql.DB
	key      int64
	interval time.Duration
	log      *zap.Logger

	leader atomic.Bool
	conn   *sql.Conn
}

func NewAdvisoryGate(db *sql.DB, name string, interval time.Duration, log *zap.Logger) *AdvisoryGate {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AdvisoryGate{db: db, key: lockKey(name), interval: interval, log: log.Named("advisory-gate")}
}

func (g *AdvisoryGate) IsLeader() bool { return g.leader.Load() }

// Run campaigns for the lock until ctx is done, then releases it.
func (g *AdvisoryGate) Run(ctx context.Context) {
	t := time.NewTicker(g.interval)
	defer t.Stop()
	for {
		g.tick(ctx)
		select {
		case <-ctx.Done():
			g.release()
			return
		case <-t.C:
		}
	}
}

func (g *AdvisoryGate) tick(ctx context.Context) {
	if g.conn != nil {
		if err := g.conn.PingContext(ctx); err == nil {
			return
		}
		g.log.Warn("lost leader connection")
		g.drop()
	}
	conn, err := g.db.Conn(ctx)
	if err != nil {
		g.log.Debug("leader campaign", zap.Error(err))
		return
	}
	var ok bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, g.key).Scan(&ok); err != nil || !ok {
		_ = conn.Close()
		return
	}
	g.conn = conn
	g.leader.Store(true)
	g.log.Info("acquired leadership")
}

func (g *AdvisoryGate) drop() {
	g.leader.Store(false)
	_ = g.conn.Close()
	g.conn = nil
}

func (g *AdvisoryGate) release() {
	if g.conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _ = g.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, g.key)
	g.drop()
}

// lockKey hashes a name into the signed 64-bit advisory lock key space.
func lockKey(s string) int64 {
	h := sha1.Sum([]byte(s))
	return int64(binary.BigEndian.Uint64(h[0:8]))
}
