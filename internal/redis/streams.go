package redisx

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// WakeStream tells every executor node that a tenant has new due work, so
// acquisition does not wait for its next poll. Each node reads the whole
// stream; there is no consumer group.
type WakeStream struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
	log    *zap.Logger
}

func NewWakeStream(rdb redis.Cmdable, stream string, log *zap.Logger) *WakeStream {
	return &WakeStream{rdb: rdb, stream: stream, maxLen: 1000, log: log.Named("wake-stream")}
}

// Notify appends a wake entry for tenantID.
func (w *WakeStream) Notify(ctx context.Context, tenantID string) {
	err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: w.stream,
		MaxLen: w.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{"tenant": tenantID},
	}).Err()
	if err != nil {
		w.log.Debug("notify", zap.String("tenant", tenantID), zap.Error(err))
	}
}

// Listen calls wake for every entry added after it started, until ctx is done.
func (w *WakeStream) Listen(ctx context.Context, wake func(tenantID string)) {
	last := "$"
	for ctx.Err() == nil {
		res, err := w.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{w.stream, last},
			Count:   100,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			w.log.Warn("read wake stream", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, s := range res {
			for _, m := range s.Messages {
				last = m.ID
				id, _ := m.Values["tenant"].(string)
				wake(id)
			}
		}
	}
}
