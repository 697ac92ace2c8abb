package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, vars map[string]string) (Config, error) {
	t.Helper()
	return parse(env.Options{Environment: vars})
}

func TestDefaults(t *testing.T) {
	c, err := load(t, map[string]string{"POSTGRES_DSN": "postgres://localhost/jobs"})
	require.NoError(t, err)
	require.Equal(t, StrategySingle, c.Strategy)
	require.Equal(t, ":8080", c.HTTPAddr)
	require.Empty(t, c.Redis.Addr)
	require.Equal(t, "jobexecutor:tenants", c.Redis.TenantKey)

	w := c.ToWorker()
	require.Equal(t, 8, w.PoolSize)
	require.Equal(t, 2048, w.QueueCapacity)
	require.Equal(t, time.Second, w.QueueFullWait, "a full queue makes acquisition wait before rejecting")
	require.Equal(t, 5*time.Minute, w.AsyncLockTime)
	require.Equal(t, time.Minute, w.ResetInterval)
	require.Equal(t, 3, w.ResetBatchSize)
	require.Equal(t, 3, w.DefaultRetries)
	require.NotEmpty(t, w.LockOwner, "a lock owner is generated when unset")
	require.Equal(t, 500*time.Millisecond, w.JobRetry.BaseWait)
	require.Equal(t, 3, c.CommandPolicy().MaxAttempts)
}

func TestOverrides(t *testing.T) {
	c, err := load(t, map[string]string{
		"POSTGRES_DSN":               "postgres://localhost/jobs",
		"TENANT_STRATEGY":            "per-tenant",
		"TENANTS":                    "acme,globex",
		"TENANT_DSNS":                "acme|postgres://db-acme/jobs?sslmode=disable",
		"EXECUTOR_POOL_SIZE":         "32",
		"EXECUTOR_LOCK_OWNER":        "node-7",
		"EXECUTOR_ASYNC_INTERVAL":    "250ms",
		"JOB_RETRY_BASE_WAIT":        "2s",
		"COMMAND_RETRY_MAX_ATTEMPTS": "5",
		"REDIS_ADDR":                 "redis:6379",
	})
	require.NoError(t, err)
	require.Equal(t, StrategyPerTenant, c.Strategy)
	require.Equal(t, []string{"acme", "globex"}, c.Tenants)
	require.Equal(t, "postgres://db-acme/jobs?sslmode=disable", c.TenantDSNs["acme"])

	w := c.ToWorker()
	require.Equal(t, 32, w.PoolSize)
	require.Equal(t, "node-7", w.LockOwner)
	require.Equal(t, 250*time.Millisecond, w.AsyncInterval)
	require.Equal(t, 2*time.Second, w.JobRetry.BaseWait)
	require.Equal(t, 2.0, w.JobRetry.Multiplier)
	require.Equal(t, 5, c.CommandPolicy().MaxAttempts)
}

func TestValidation(t *testing.T) {
	_, err := load(t, map[string]string{})
	require.Error(t, err, "POSTGRES_DSN is required")

	_, err = load(t, map[string]string{
		"POSTGRES_DSN":            "postgres://localhost/jobs",
		"TENANT_STRATEGY":         "sharded",
		"EXECUTOR_POOL_SIZE":      "0",
		"EXECUTOR_QUEUE_CAPACITY": "-1",
	})
	require.ErrorContains(t, err, "unknown strategy")
	require.ErrorContains(t, err, "EXECUTOR_POOL_SIZE")
	require.ErrorContains(t, err, "EXECUTOR_QUEUE_CAPACITY")

	_, err = load(t, map[string]string{
		"POSTGRES_DSN": "postgres://localhost/jobs",
		"TENANT_DSNS":  "acme|postgres://db-acme/jobs",
	})
	require.ErrorContains(t, err, "multi-tenant strategy")
}
