package redisx

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// renew extends the key only while this instance still owns it.
var renew = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// resign deletes the key only while this instance still owns it.
var resign = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaderElector holds a TTL key in Redis. Only the holder runs cluster-wide
// duties such as resetting expired job locks.
type LeaderElector struct {
	rdb      redis.Cmdable
	key      string
	ttl      time.Duration
	instance string
	isLeader atomic.Bool
	log      *zap.Logger
}

func NewLeaderElector(rdb redis.Cmdable, key string, ttl time.Duration, instanceID string, log *zap.Logger) *LeaderElector {
	if instanceID == "" {
		instanceID = hostname()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderElector{
		rdb:      rdb,
		key:      key,
		ttl:      ttl,
		instance: instanceID,
		log:      log.Named("leader").With(zap.String("instance", instanceID)),
	}
}

// Run campaigns every third of the TTL until ctx is done, then resigns.
func (l *LeaderElector) Run(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		l.campaign(ctx)
		select {
		case <-ctx.Done():
			l.resign()
			return
		case <-ticker.C:
		}
	}
}

func (l *LeaderElector) campaign(ctx context.Context) {
	if l.isLeader.Load() {
		n, err := renew.Run(ctx, l.rdb, []string{l.key}, l.instance, l.ttl.Milliseconds()).Int()
		if err != nil || n == 0 {
			l.isLeader.Store(false)
			l.log.Warn("lost leadership", zap.Error(err))
		}
		return
	}
	ok, err := l.rdb.SetNX(ctx, l.key, l.instance, l.ttl).Result()
	if err != nil {
		l.log.Debug("campaign", zap.Error(err))
		return
	}
	if ok {
		l.isLeader.Store(true)
		l.log.Info("acquired leadership")
	}
}

func (l *LeaderElector) resign() {
	if !l.isLeader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := resign.Run(ctx, l.rdb, []string{l.key}, l.instance).Err(); err != nil {
		l.log.Warn("resign", zap.Error(err))
	}
}

func (l *LeaderElector) IsLeader() bool { return l.isLeader.Load() }

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "instance"
}
