// Package redisx holds the optional Redis integrations of the executor:
// the tenant registry, leader election and cross-node wake notifications.
package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/config"
	"github.com/rishansujesh/jobexecutor/internal/retry"
)

// connectPolicy keeps trying for roughly half a minute before giving up.
var connectPolicy = retry.Policy{MaxAttempts: 10, BaseWait: 200 * time.Millisecond, Multiplier: 2, MaxWait: 5 * time.Second}

// NewClientWithBackoff connects and pings until Redis answers, ctx ends or the attempts run out.
func NewClientWithBackoff(ctx context.Context, cfg config.Redis, log *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	err := retry.Do(ctx, connectPolicy, nil, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}, func(err error, attempt int, wait time.Duration) {
		log.Warn("redis not ready", zap.String("addr", cfg.Addr), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}
