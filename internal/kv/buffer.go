package kv

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/hookgate/receiver/internal/core"
)

// Take up to ARGV[1] items from the tail of the list (FIFO: the capture
// path left-pushes, so the oldest requests sit at the tail).
var batchTakeScript = redis.NewScript(`
local count = tonumber(ARGV[1])
local len = redis.call('LLEN', KEYS[1])
if len == 0 then return {} end
local take = math.min(count, len)
local items = redis.call('LRANGE', KEYS[1], -take, -1)
if take >= len then
    redis.call('DEL', KEYS[1])
else
    redis.call('LTRIM', KEYS[1], 0, len - take - 1)
end
return items
`)

// PushRequest buffers a captured request and marks the slug active, in
// one pipeline. Concurrent pushes for the same slug race freely; each
// LPUSH is atomic on its own.
func (s *Store) PushRequest(ctx context.Context, slug string, req *core.BufferedRequest) {
	data, err := json.Marshal(req)
	if err != nil {
		slog.Warn("buffered request serialize failed", "slug", slug, "error", err)
		return
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, bufferPrefix+slug, data)
		pipe.SAdd(ctx, activeSetKey, slug)
		return nil
	})
	if err != nil {
		slog.Warn("buffer push failed", "slug", slug, "error", err)
	}
}

// ActiveSlugs returns every slug with pending buffered work. Iterates
// with SSCAN so a large active set never materializes in one reply.
func (s *Store) ActiveSlugs(ctx context.Context) []string {
	var slugs []string
	var cursor uint64

	for {
		batch, next, err := s.rdb.SScan(ctx, activeSetKey, cursor, "", 500).Result()
		if err != nil {
			slog.Warn("active slug scan failed", "error", err)
			break
		}
		slugs = append(slugs, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return slugs
}

// TakeBatch atomically removes up to max requests from a slug's buffer
// and returns them oldest-first. Entries that fail to decode are skipped.
func (s *Store) TakeBatch(ctx context.Context, slug string, max int) []core.BufferedRequest {
	items, err := batchTakeScript.Run(ctx, s.rdb, []string{bufferPrefix + slug}, max).StringSlice()
	if err != nil {
		slog.Warn("batch take failed", "slug", slug, "error", err)
		return nil
	}

	batch := make([]core.BufferedRequest, 0, len(items))
	for _, item := range items {
		var req core.BufferedRequest
		if err := json.Unmarshal([]byte(item), &req); err != nil {
			slog.Warn("buffered request decode failed, dropping", "slug", slug, "error", err)
			continue
		}
		batch = append(batch, req)
	}
	return batch
}

// RemoveActive clears a slug from the active set once its buffer drains.
func (s *Store) RemoveActive(ctx context.Context, slug string) {
	if err := s.rdb.SRem(ctx, activeSetKey, slug).Err(); err != nil {
		slog.Warn("active slug remove failed", "slug", slug, "error", err)
	}
}

// Requeue pushes a failed batch back onto the tail of the buffer so any
// newer requests pushed during the in-flight attempt still drain first.
func (s *Store) Requeue(ctx context.Context, slug string, batch []core.BufferedRequest) {
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := range batch {
			data, err := json.Marshal(&batch[i])
			if err != nil {
				continue
			}
			pipe.RPush(ctx, bufferPrefix+slug, data)
		}
		pipe.SAdd(ctx, activeSetKey, slug)
		return nil
	})
	if err != nil {
		slog.Warn("batch requeue failed", "slug", slug, "count", len(batch), "error", err)
	}
}

// BufferLen returns the number of pending requests for a slug.
func (s *Store) BufferLen(ctx context.Context, slug string) int64 {
	n, err := s.rdb.LLen(ctx, bufferPrefix+slug).Result()
	if err != nil {
		return 0
	}
	return n
}
