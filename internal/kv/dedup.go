package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Requests with an identical fingerprint inside this window collapse to
// one buffered record. Long enough to absorb edge-retry duplicates that
// arrive sub-millisecond apart, short enough not to swallow legitimate
// identical requests.
const dedupTTL = 2 * time.Second

// Only the first 512 body bytes feed the fingerprint, trading hash cost
// against false-match risk on near-identical large payloads.
const dedupBodyPrefix = 512

// DedupFingerprint computes the SHA-256 hex fingerprint for a request.
func DedupFingerprint(slug, method, path string, body []byte, clientIP string) string {
	h := sha256.New()
	h.Write([]byte(slug))
	h.Write([]byte{'|'})
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	if len(body) > dedupBodyPrefix {
		body = body[:dedupBodyPrefix]
	}
	h.Write(body)
	h.Write([]byte{'|'})
	h.Write([]byte(clientIP))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckDedup reports whether this request is first-seen (true) or a
// duplicate within the window (false). Uses SET NX EX for an atomic
// check-and-set; Redis errors fail open.
func (s *Store) CheckDedup(ctx context.Context, slug, method, path string, body []byte, clientIP string) bool {
	key := dedupPrefix + slug + ":" + DedupFingerprint(slug, method, path, body, clientIP)

	set, err := s.rdb.SetNX(ctx, key, "", dedupTTL).Result()
	if err != nil {
		slog.Warn("dedup check failed, allowing request", "slug", slug, "error", err)
		return true
	}
	return set
}
