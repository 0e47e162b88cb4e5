package listcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type query struct {
	Limit  int    `json:"limit"`
	Cursor string `json:"cursor,omitempty"`
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	cache := New(NewMemoryBackend(), 0, nil)
	orgID := uuid.New()

	_, ok := cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	assert.False(t, ok, "cold cache must miss")

	cache.SetList(ctx, "contact", orgID, query{Limit: 50}, []byte(`{"rows":[]}`))

	payload, ok := cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	require.True(t, ok)
	assert.Equal(t, []byte(`{"rows":[]}`), payload)

	// A different query shape is a different key.
	_, ok = cache.GetList(ctx, "contact", orgID, query{Limit: 100})
	assert.False(t, ok)

	// A different tenant never sees the entry.
	_, ok = cache.GetList(ctx, "contact", uuid.New(), query{Limit: 50})
	assert.False(t, ok)
}

func TestInvalidateBumpsVersion(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	cache := New(backend, 0, nil)
	orgID := uuid.New()

	cache.SetList(ctx, "contact", orgID, query{Limit: 50}, []byte("v1"))
	_, ok := cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	require.True(t, ok)

	cache.Invalidate(ctx, "contact", orgID)

	_, ok = cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	assert.False(t, ok, "entries written under the old version must be unreachable")

	// Another entity type's entries are untouched.
	cache.SetList(ctx, "invoice", orgID, query{Limit: 50}, []byte("inv"))
	cache.Invalidate(ctx, "contact", orgID)
	_, ok = cache.GetList(ctx, "invoice", orgID, query{Limit: 50})
	assert.True(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Now()
	backend.now = func() time.Time { return now }
	cache := New(backend, 30*time.Second, nil)
	orgID := uuid.New()

	cache.SetList(ctx, "contact", orgID, query{Limit: 50}, []byte("x"))
	_, ok := cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	require.True(t, ok)

	now = now.Add(31 * time.Second)
	_, ok = cache.GetList(ctx, "contact", orgID, query{Limit: 50})
	assert.False(t, ok)
}

func TestTTLClamping(t *testing.T) {
	assert.Equal(t, DefaultTTL, New(nil, 0, nil).ttl)
	assert.Equal(t, minTTL, New(nil, time.Second, nil).ttl)
	assert.Equal(t, maxTTL, New(nil, time.Hour, nil).ttl)
}

// failingBackend simulates an unreachable store.
type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}
func (failingBackend) Current(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	var nilCache *Cache
	_, ok := nilCache.GetList(ctx, "contact", orgID, query{})
	assert.False(t, ok)
	nilCache.SetList(ctx, "contact", orgID, query{}, []byte("x"))
	nilCache.Invalidate(ctx, "contact", orgID)

	cache := New(failingBackend{}, 0, nil)
	_, ok = cache.GetList(ctx, "contact", orgID, query{})
	assert.False(t, ok)
	cache.SetList(ctx, "contact", orgID, query{}, []byte("x"))
	cache.Invalidate(ctx, "contact", orgID)
}
