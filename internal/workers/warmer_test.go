package workers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookgate/receiver/internal/controlplane"
	"github.com/hookgate/receiver/internal/core"
	"github.com/hookgate/receiver/internal/kv"
)

type fetchCounter struct {
	mu        sync.Mutex
	endpoints int
	quotas    int
}

func (c *fetchCounter) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints, c.quotas
}

func newWarmerHarness(t *testing.T) (*CacheWarmer, *kv.Store, *miniredis.Miniredis, *fetchCounter) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := kv.NewWithClient(rdb, 300*time.Second, 300*time.Second)

	counter := &fetchCounter{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter.mu.Lock()
		switch r.URL.Path {
		case "/endpoint-info":
			counter.endpoints++
		case "/quota":
			counter.quotas++
		}
		counter.mu.Unlock()

		switch r.URL.Path {
		case "/endpoint-info":
			json.NewEncoder(w).Encode(core.EndpointInfo{EndpointID: "ep_1", UserID: "user_1"})
		case "/quota":
			json.NewEncoder(w).Encode(core.QuotaResponse{UserID: "user_1", Remaining: 10, Limit: 100})
		}
	}))
	t.Cleanup(srv.Close)

	cp := controlplane.NewClient(srv.URL, "test-secret", store)
	return NewCacheWarmer(store, cp), store, mr, counter
}

func markActive(t *testing.T, store *kv.Store, slug string) {
	t.Helper()
	store.PushRequest(context.Background(), slug, &core.BufferedRequest{Method: "POST", Path: "/"})
}

func TestWarmPass_RefreshesExpiringEndpoint(t *testing.T) {
	warmer, store, mr, counter := newWarmerHarness(t)
	ctx := context.Background()

	markActive(t, store, "hooks-a")
	store.SetEndpoint(ctx, "hooks-a", &core.EndpointInfo{EndpointID: "ep_1", UserID: "user_1"})
	store.SetQuota(ctx, "hooks-a", 10, 100, 0, false, "user_1")

	// Endpoint TTL drops under its threshold, quota stays comfortably
	// above its own.
	mr.FastForward(292 * time.Second)

	warmer.warmPass(ctx)
	endpoints, quotas := counter.counts()
	assert.Equal(t, 1, endpoints)
	assert.Equal(t, 0, quotas)

	ttl, ok := store.EndpointTTLRemaining(ctx, "hooks-a")
	require.True(t, ok)
	assert.Greater(t, ttl, int64(100), "refresh resets the endpoint TTL")
}

func TestWarmPass_RefreshesExpiringQuota(t *testing.T) {
	warmer, store, mr, counter := newWarmerHarness(t)
	ctx := context.Background()

	markActive(t, store, "hooks-b")
	store.SetQuota(ctx, "hooks-b", 10, 100, 0, false, "user_1")
	store.SetEndpoint(ctx, "hooks-b", &core.EndpointInfo{EndpointID: "ep_1", UserID: "user_1"})

	mr.FastForward(297 * time.Second)

	warmer.warmPass(ctx)
	endpoints, quotas := counter.counts()
	assert.Equal(t, 1, endpoints, "endpoint is under threshold too at 3s left")
	assert.Equal(t, 1, quotas)
}

func TestWarmPass_LeavesFreshEntriesAlone(t *testing.T) {
	warmer, store, _, counter := newWarmerHarness(t)
	ctx := context.Background()

	markActive(t, store, "hooks-c")
	store.SetEndpoint(ctx, "hooks-c", &core.EndpointInfo{EndpointID: "ep_1", UserID: "user_1"})
	store.SetQuota(ctx, "hooks-c", 10, 100, 0, false, "user_1")

	warmer.warmPass(ctx)
	endpoints, quotas := counter.counts()
	assert.Zero(t, endpoints)
	assert.Zero(t, quotas)
}

func TestWarmPass_IgnoresAbsentEntries(t *testing.T) {
	warmer, store, _, counter := newWarmerHarness(t)

	// Active slug with nothing cached: cold slugs generate no fetches.
	markActive(t, store, "hooks-d")

	warmer.warmPass(context.Background())
	endpoints, quotas := counter.counts()
	assert.Zero(t, endpoints)
	assert.Zero(t, quotas)
}

func TestWarmPass_SkipsWhenDegraded(t *testing.T) {
	warmer, store, mr, counter := newWarmerHarness(t)
	ctx := context.Background()

	markActive(t, store, "hooks-e")
	store.SetEndpoint(ctx, "hooks-e", &core.EndpointInfo{EndpointID: "ep_1", UserID: "user_1"})
	mr.FastForward(295 * time.Second)
	require.NoError(t, mr.Set("cb:state", "open"))

	warmer.warmPass(ctx)
	endpoints, quotas := counter.counts()
	assert.Zero(t, endpoints)
	assert.Zero(t, quotas)
}
