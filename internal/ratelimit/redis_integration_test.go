package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torii-data/torii/internal/ratelimit"
	"github.com/torii-data/torii/internal/testutil"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis integration test")
	}
	rc := testutil.MustStartRedis()
	t.Cleanup(rc.Terminate)
	client := redis.NewClient(&redis.Options{Addr: rc.Addr})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	// A long window keeps the whole test inside one bucket.
	limiter := ratelimit.NewRedisLimiter(client, 3, time.Hour, "test:rl")
	defer limiter.Close()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "org:a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within limit", i+1)
	}
	ok, err := limiter.Allow(ctx, "org:a")
	require.NoError(t, err)
	assert.False(t, ok, "fourth request exceeds the limit")

	// Other keys have independent windows.
	ok, err = limiter.Allow(ctx, "org:b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisQuotaAcquireRelease(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	quota := ratelimit.NewRedisQuota(client, 2)
	orgID := uuid.New()

	require.NoError(t, quota.Acquire(ctx, orgID))
	require.NoError(t, quota.Acquire(ctx, orgID))
	assert.ErrorIs(t, quota.Acquire(ctx, orgID), ratelimit.ErrQuotaExhausted)

	quota.Release(ctx, orgID)
	assert.NoError(t, quota.Acquire(ctx, orgID), "released slot is reusable")

	// A failed acquire must not leak a slot.
	otherOrg := uuid.New()
	one := ratelimit.NewRedisQuota(client, 1)
	require.NoError(t, one.Acquire(ctx, otherOrg))
	require.ErrorIs(t, one.Acquire(ctx, otherOrg), ratelimit.ErrQuotaExhausted)
	one.Release(ctx, otherOrg)
	assert.NoError(t, one.Acquire(ctx, otherOrg))
}
