package redisx

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rishansujesh/jobexecutor/internal/config"
)

func client(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if os.Getenv("E2E") == "" || addr == "" {
		t.Skip("set E2E=1 and REDIS_ADDR to run redis tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rdb, err := NewClientWithBackoff(ctx, config.Redis{Addr: addr}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func key(t *testing.T) string {
	t.Helper()
	return "jobexecutor:test:" + t.Name() + ":" + uuid.NewString()
}

func TestTenantSet(t *testing.T) {
	rdb := client(t)
	ctx := context.Background()
	s := NewTenantSet(rdb, key(t))

	require.NoError(t, s.Add(ctx, "globex", "acme", "acme"))
	ids, err := s.Tenants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"acme", "globex"}, ids)

	require.NoError(t, s.Remove(ctx, "acme"))
	ids, err = s.Tenants(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"globex"}, ids)
}

func TestLeaderElectorSingleLeader(t *testing.T) {
	rdb := client(t)
	k := key(t)
	a := NewLeaderElector(rdb, k, 3*time.Second, "a", zap.NewNop())
	b := NewLeaderElector(rdb, k, 3*time.Second, "b", zap.NewNop())

	ctx := context.Background()
	a.campaign(ctx)
	b.campaign(ctx)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	a.campaign(ctx)
	require.True(t, a.IsLeader(), "renewal keeps leadership")

	a.resign()
	b.campaign(ctx)
	require.True(t, b.IsLeader())
	b.resign()
}

func TestWakeStreamDeliversToListeners(t *testing.T) {
	rdb := client(t)
	w := NewWakeStream(rdb, key(t), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Listen(ctx, func(id string) {
			mu.Lock()
			got = append(got, id)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		w.Notify(context.Background(), "acme")
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 5*time.Second, 100*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "acme", got[0])
}
