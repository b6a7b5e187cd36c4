package kv

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// QuotaResult is the outcome of an atomic quota check.
type QuotaResult int

const (
	// QuotaAllowed means the request fits within quota (counter decremented).
	QuotaAllowed QuotaResult = iota
	// QuotaExceeded means the counter is exhausted.
	QuotaExceeded
	// QuotaNotFound means no cached quota exists; the caller should
	// block-fetch from the control plane and re-check.
	QuotaNotFound
)

// Atomic check + decrement. Returns 1 allowed, 0 exceeded, -1 not found.
var quotaCheckScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if exists == 0 then return -1 end

local isUnlimited = redis.call('HGET', KEYS[1], 'isUnlimited')
if isUnlimited == '1' then return 1 end

local remaining = tonumber(redis.call('HGET', KEYS[1], 'remaining'))
if remaining == nil then return -1 end
if remaining <= 0 then return 0 end

redis.call('HINCRBY', KEYS[1], 'remaining', -1)
return 1
`)

// Set all quota fields only when the key is absent. The first writer wins,
// so a concurrent warmer can never clobber a decremented counter.
var setQuotaIfAbsentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'remaining', ARGV[1], 'limit', ARGV[2],
           'periodEnd', ARGV[3], 'isUnlimited', ARGV[4], 'userId', ARGV[5])
redis.call('EXPIRE', KEYS[1], tonumber(ARGV[6]))
return 1
`)

func quotaKey(slug, userID string) string {
	if userID != "" {
		return quotaUserPrefix + userID
	}
	return quotaSlugPrefix + slug
}

// CheckQuota atomically checks and decrements the quota counter. A
// non-empty userID selects the shared per-user pool; ephemeral endpoints
// fall back to the per-slug key. Redis errors map to QuotaNotFound so the
// caller block-fetches fresh state.
func (s *Store) CheckQuota(ctx context.Context, slug, userID string) QuotaResult {
	n, err := quotaCheckScript.Run(ctx, s.rdb, []string{quotaKey(slug, userID)}).Int64()
	if err != nil {
		slog.Warn("quota check script failed", "slug", slug, "error", err)
		return QuotaNotFound
	}
	switch n {
	case 1:
		return QuotaAllowed
	case 0:
		return QuotaExceeded
	default:
		return QuotaNotFound
	}
}

// SetQuota stores quota data fetched from the control plane.
//
// With a userID the counter lives under quota:user:{id} (shared across all
// of the user's slugs) and a slug-level back-pointer records the mapping
// for the warmer and evictor. Without one, the counter is slug-keyed.
func (s *Store) SetQuota(ctx context.Context, slug string, remaining, limit, periodEnd int64, isUnlimited bool, userID string) {
	unlimited := "0"
	if isUnlimited {
		unlimited = "1"
	}
	ttlSecs := int64(s.QuotaTTL.Seconds())

	if userID != "" {
		err := setQuotaIfAbsentScript.Run(ctx, s.rdb,
			[]string{quotaUserPrefix + userID},
			remaining, limit, periodEnd, unlimited, userID, ttlSecs,
		).Err()
		if err != nil {
			slog.Warn("user quota write failed", "slug", slug, "user_id", userID, "error", err)
		}

		// slug -> userId mapping so quota TTL lookups can resolve the user key
		slugKey := quotaSlugPrefix + slug
		_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, slugKey, "userId", userID)
			pipe.Expire(ctx, slugKey, s.QuotaTTL)
			return nil
		})
		if err != nil {
			slog.Warn("quota slug mapping write failed", "slug", slug, "error", err)
		}
		return
	}

	err := setQuotaIfAbsentScript.Run(ctx, s.rdb,
		[]string{quotaSlugPrefix + slug},
		remaining, limit, periodEnd, unlimited, "", ttlSecs,
	).Err()
	if err != nil {
		slog.Warn("slug quota write failed", "slug", slug, "error", err)
	}
}

// QuotaTTLRemaining returns the seconds left on the quota entry for a
// slug, resolving the user-level key through the slug back-pointer when
// one exists. Returns false when no quota key is present.
func (s *Store) QuotaTTLRemaining(ctx context.Context, slug string) (int64, bool) {
	slugKey := quotaSlugPrefix + slug
	userID, err := s.rdb.HGet(ctx, slugKey, "userId").Result()
	if err != nil && err != redis.Nil {
		return 0, false
	}

	key := slugKey
	if userID != "" {
		key = quotaUserPrefix + userID
	}

	ttl, err := s.rdb.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		return 0, false
	}
	return int64(ttl.Seconds()), true
}

// EvictQuota removes the quota entry for a slug and, when the slug maps
// to a user, the user-level entry as well.
func (s *Store) EvictQuota(ctx context.Context, slug string) {
	slugKey := quotaSlugPrefix + slug
	userID, err := s.rdb.HGet(ctx, slugKey, "userId").Result()
	if err != nil && err != redis.Nil {
		slog.Warn("quota evict lookup failed", "slug", slug, "error", err)
	}

	if err := s.rdb.Del(ctx, slugKey).Err(); err != nil {
		slog.Warn("quota evict failed", "slug", slug, "error", err)
	}
	if userID != "" {
		if err := s.rdb.Del(ctx, quotaUserPrefix+userID).Err(); err != nil {
			slog.Warn("user quota evict failed", "user_id", userID, "error", err)
		}
	}
}

// QuotaRemaining reads the raw remaining counter, mainly for tests and
// debugging. Returns false when the key is absent.
func (s *Store) QuotaRemaining(ctx context.Context, slug, userID string) (int64, bool) {
	val, err := s.rdb.HGet(ctx, quotaKey(slug, userID), "remaining").Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
