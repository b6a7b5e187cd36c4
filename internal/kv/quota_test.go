package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckQuota_DecrementsUntilExhausted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "hooks-a", 3, 100, 0, false, "user_1")

	for i := 0; i < 3; i++ {
		assert.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "hooks-a", "user_1"))
	}
	assert.Equal(t, QuotaExceeded, store.CheckQuota(ctx, "hooks-a", "user_1"))

	remaining, ok := store.QuotaRemaining(ctx, "hooks-a", "user_1")
	require.True(t, ok)
	assert.Equal(t, int64(0), remaining)
}

func TestCheckQuota_MissingKeyIsNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	assert.Equal(t, QuotaNotFound, store.CheckQuota(context.Background(), "never-seen", "user_x"))
}

func TestCheckQuota_UnlimitedNeverDecrements(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "hooks-b", -1, 0, 0, true, "user_2")

	for i := 0; i < 10; i++ {
		assert.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "hooks-b", "user_2"))
	}
	remaining, ok := store.QuotaRemaining(ctx, "hooks-b", "user_2")
	require.True(t, ok)
	assert.Equal(t, int64(-1), remaining)
}

func TestSetQuota_FirstWriterWins(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "hooks-c", 10, 100, 0, false, "user_3")
	require.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "hooks-c", "user_3"))

	// A warmer refresh racing the decrement must not restore the counter.
	store.SetQuota(ctx, "hooks-c", 10, 100, 0, false, "user_3")

	remaining, ok := store.QuotaRemaining(ctx, "hooks-c", "user_3")
	require.True(t, ok)
	assert.Equal(t, int64(9), remaining)
}

func TestSetQuota_UserPoolSharedAcrossSlugs(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "slug-one", 2, 100, 0, false, "user_4")
	store.SetQuota(ctx, "slug-two", 2, 100, 0, false, "user_4")

	assert.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "slug-one", "user_4"))
	assert.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "slug-two", "user_4"))
	assert.Equal(t, QuotaExceeded, store.CheckQuota(ctx, "slug-one", "user_4"))
}

func TestSetQuota_EphemeralUsesSlugKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "ephemeral-x", 1, 1, 0, false, "")

	assert.Equal(t, QuotaAllowed, store.CheckQuota(ctx, "ephemeral-x", ""))
	assert.Equal(t, QuotaExceeded, store.CheckQuota(ctx, "ephemeral-x", ""))
}

func TestQuotaTTLRemaining_ResolvesUserKeyThroughSlugMapping(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, ok := store.QuotaTTLRemaining(ctx, "hooks-d")
	assert.False(t, ok)

	store.SetQuota(ctx, "hooks-d", 5, 100, 0, false, "user_5")

	ttl, ok := store.QuotaTTLRemaining(ctx, "hooks-d")
	require.True(t, ok)
	assert.Greater(t, ttl, int64(0))
}

func TestEvictQuota_RemovesBothKeys(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.SetQuota(ctx, "hooks-e", 5, 100, 0, false, "user_6")
	require.True(t, mr.Exists("quota:hooks-e"))
	require.True(t, mr.Exists("quota:user:user_6"))

	store.EvictQuota(ctx, "hooks-e")
	assert.False(t, mr.Exists("quota:hooks-e"))
	assert.False(t, mr.Exists("quota:user:user_6"))
}
