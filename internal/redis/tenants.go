package redisx

import (
	"context"
	"sort"

	"github.com/redis/go-redis/v9"
)

// TenantSet is the registry of served tenants, kept as a Redis set so every
// executor node reconciles against the same list.
type TenantSet struct {
	rdb redis.Cmdable
	key string
}

func NewTenantSet(rdb redis.Cmdable, key string) *TenantSet {
	return &TenantSet{rdb: rdb, key: key}
}

// Tenants returns the members in sorted order.
func (s *TenantSet) Tenants(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *TenantSet) Add(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.SAdd(ctx, s.key, toAny(ids)...).Err()
}

func (s *TenantSet) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.SRem(ctx, s.key, toAny(ids)...).Err()
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
