package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/kv"
)

const (
	warmInterval = 5 * time.Second

	// Seconds of TTL remaining below which an entry is refreshed.
	endpointRefreshThreshold = 10
	quotaRefreshThreshold    = 5

	maxConcurrentWarms = 8
)

// CacheWarmer proactively refreshes endpoint and quota cache entries for
// active slugs before they expire, keeping the capture hot path off the
// blocking fetch branch.
type CacheWarmer struct {
	store *kv.Store
	cp    *controlplane.Client
}

func NewCacheWarmer(store *kv.Store, cp *controlplane.Client) *CacheWarmer {
	return &CacheWarmer{store: store, cp: cp}
}

func (cw *CacheWarmer) Start(shutdown <-chan struct{}, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("cache warmer started")

		for {
			select {
			case <-shutdown:
				slog.Info("cache warmer shutting down")
				return
			default:
			}

			cw.warmPass(context.Background())
			sleepInterruptible(shutdown, warmInterval)
		}
	}()
}

// warmPass refreshes entries nearing expiry. Absent entries are left
// alone: a key with no TTL has either never been fetched or already
// lapsed, and cold slugs should not generate control plane load.
func (cw *CacheWarmer) warmPass(ctx context.Context) {
	if cw.cp.Breaker().IsDegraded(ctx) {
		return
	}

	slugs := cw.store.ActiveSlugs(ctx)

	sem := make(chan struct{}, maxConcurrentWarms)
	var wg sync.WaitGroup

	for _, slug := range slugs {
		needsEndpoint := false
		if ttl, ok := cw.store.EndpointTTLRemaining(ctx, slug); ok {
			needsEndpoint = ttl < endpointRefreshThreshold
		}
		needsQuota := false
		if ttl, ok := cw.store.QuotaTTLRemaining(ctx, slug); ok {
			needsQuota = ttl < quotaRefreshThreshold
		}

		if !needsEndpoint && !needsQuota {
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(slug string, needsEndpoint, needsQuota bool) {
			defer wg.Done()
			defer func() { <-sem }()

			if needsEndpoint {
				slog.Debug("proactively refreshing endpoint cache", "slug", slug)
				if _, err := cw.cp.FetchEndpoint(ctx, slug); err != nil {
					slog.Warn("cache warmer endpoint fetch failed", "slug", slug, "error", err)
				}
			}
			if needsQuota {
				slog.Debug("proactively refreshing quota cache", "slug", slug)
				if err := cw.cp.FetchQuota(ctx, slug); err != nil {
					slog.Warn("cache warmer quota fetch failed", "slug", slug, "error", err)
				}
			}
		}(slug, needsEndpoint, needsQuota)
	}

	wg.Wait()
}
