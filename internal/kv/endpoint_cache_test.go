package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookgate/receiver/internal/core"
)

func TestEndpointCache_RoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	assert.Nil(t, store.GetEndpoint(ctx, "hooks-a"))

	expires := core.NowMs() + 60_000
	store.SetEndpoint(ctx, "hooks-a", &core.EndpointInfo{
		EndpointID:  "ep_123",
		UserID:      "user_1",
		IsEphemeral: true,
		ExpiresAt:   &expires,
	})

	got := store.GetEndpoint(ctx, "hooks-a")
	require.NotNil(t, got)
	assert.Equal(t, "ep_123", got.EndpointID)
	assert.Equal(t, "user_1", got.UserID)
	assert.True(t, got.IsEphemeral)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, expires, *got.ExpiresAt)
}

func TestEndpointCache_Evict(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetEndpoint(ctx, "hooks-b", &core.EndpointInfo{EndpointID: "ep_1", UserID: "u"})
	require.NotNil(t, store.GetEndpoint(ctx, "hooks-b"))

	store.EvictEndpoint(ctx, "hooks-b")
	assert.Nil(t, store.GetEndpoint(ctx, "hooks-b"))
}

func TestEndpointCache_TTLRemaining(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	_, ok := store.EndpointTTLRemaining(ctx, "hooks-c")
	assert.False(t, ok)

	store.SetEndpoint(ctx, "hooks-c", &core.EndpointInfo{EndpointID: "ep_2", UserID: "u"})

	ttl, ok := store.EndpointTTLRemaining(ctx, "hooks-c")
	require.True(t, ok)
	assert.Equal(t, int64(300), ttl)

	mr.FastForward(295 * time.Second)
	ttl, ok = store.EndpointTTLRemaining(ctx, "hooks-c")
	require.True(t, ok)
	assert.LessOrEqual(t, ttl, int64(5))

	mr.FastForward(10 * time.Second)
	_, ok = store.EndpointTTLRemaining(ctx, "hooks-c")
	assert.False(t, ok)
}

func TestEndpointCache_CorruptEntryIsMiss(t *testing.T) {
	store, mr := newTestStore(t)

	require.NoError(t, mr.Set("ep:hooks-d", "{broken"))
	assert.Nil(t, store.GetEndpoint(context.Background(), "hooks-d"))
}
