package kv

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hookgate/receiver/internal/core"
)

// GetEndpoint returns the cached endpoint info for a slug, or nil on a
// cache miss (including Redis errors — reads fail open).
func (s *Store) GetEndpoint(ctx context.Context, slug string) *core.EndpointInfo {
	data, err := s.rdb.Get(ctx, endpointPrefix+slug).Result()
	if err != nil {
		if err != redis.Nil {
			slog.Warn("endpoint cache read failed", "slug", slug, "error", err)
		}
		return nil
	}

	var info core.EndpointInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		slog.Warn("endpoint cache entry corrupt, ignoring", "slug", slug, "error", err)
		return nil
	}
	return &info
}

// SetEndpoint caches endpoint info under the configured TTL.
func (s *Store) SetEndpoint(ctx context.Context, slug string, info *core.EndpointInfo) {
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, endpointPrefix+slug, data, s.EndpointTTL).Err(); err != nil {
		slog.Warn("endpoint cache write failed", "slug", slug, "error", err)
	}
}

// EvictEndpoint drops the cached endpoint info for a slug.
func (s *Store) EvictEndpoint(ctx context.Context, slug string) {
	if err := s.rdb.Del(ctx, endpointPrefix+slug).Err(); err != nil {
		slog.Warn("endpoint cache evict failed", "slug", slug, "error", err)
	}
}

// EndpointTTLRemaining returns the seconds left on the cached entry, or
// false if the key does not exist.
func (s *Store) EndpointTTLRemaining(ctx context.Context, slug string) (int64, bool) {
	ttl, err := s.rdb.TTL(ctx, endpointPrefix+slug).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return int64(ttl.Seconds()), true
}
