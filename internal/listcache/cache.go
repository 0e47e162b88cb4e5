// Package listcache is a versioned, TTL-bound read-through cache for list
// queries.
//
// Invalidation never deletes keys: each (entity type, tenant) pair owns a
// monotonically incrementing version counter that is folded into every cache
// key. A write bumps the counter, so later reads compute a different key and
// prior entries age out by TTL. The counter itself expires after 24h of
// inactivity to bound storage. The cache is strictly optional — any backend
// failure or a nil backend degrades to "always miss".
package listcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is the entry lifetime when no override is configured.
	DefaultTTL = 60 * time.Second
	minTTL     = 30 * time.Second
	maxTTL     = 120 * time.Second

	// counterIdleTTL bounds storage for abandoned (type, tenant) counters.
	counterIdleTTL = 24 * time.Hour
)

// Backend is the minimal store contract. Implementations must make Incr
// atomic so concurrent writers never lose an invalidation signal.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments key and refreshes its idle expiry.
	Incr(ctx context.Context, key string, idle time.Duration) (int64, error)
	// Current reads a counter; missing counters are 0.
	Current(ctx context.Context, key string) (int64, error)
}

// Cache is the read-through list cache. A nil *Cache is valid and always misses.
type Cache struct {
	backend Backend
	ttl     time.Duration
	logger  *slog.Logger
}

// New builds a cache over backend. ttl is clamped to [30s, 120s]; zero means
// DefaultTTL. A nil backend yields a cache that always misses.
func New(backend Backend, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case ttl == 0:
		ttl = DefaultTTL
	case ttl < minTTL:
		ttl = minTTL
	case ttl > maxTTL:
		ttl = maxTTL
	}
	return &Cache{backend: backend, ttl: ttl, logger: logger}
}

// GetList returns the cached payload for a query shape, or (nil, false) on
// miss or any backend trouble.
func (c *Cache) GetList(ctx context.Context, entityType string, orgID uuid.UUID, queryShape any) ([]byte, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}
	key, err := c.entryKey(ctx, entityType, orgID, queryShape)
	if err != nil {
		c.logger.Debug("listcache: key derivation failed, treating as miss", "error", err)
		return nil, false
	}
	payload, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Debug("listcache: get failed, treating as miss", "error", err)
		return nil, false
	}
	return payload, ok
}

// SetList stores a list payload. Best-effort: failures are logged, not returned.
func (c *Cache) SetList(ctx context.Context, entityType string, orgID uuid.UUID, queryShape any, payload []byte) {
	if c == nil || c.backend == nil {
		return
	}
	key, err := c.entryKey(ctx, entityType, orgID, queryShape)
	if err != nil {
		c.logger.Debug("listcache: key derivation failed, skipping set", "error", err)
		return
	}
	if err := c.backend.Set(ctx, key, payload, c.ttl); err != nil {
		c.logger.Debug("listcache: set failed", "error", err)
	}
}

// Invalidate bumps the (entity type, tenant) version counter, making every
// existing entry for the pair unreachable.
func (c *Cache) Invalidate(ctx context.Context, entityType string, orgID uuid.UUID) {
	if c == nil || c.backend == nil {
		return
	}
	if _, err := c.backend.Incr(ctx, counterKey(entityType, orgID), counterIdleTTL); err != nil {
		c.logger.Warn("listcache: version bump failed, entries stay stale until TTL",
			"entity_type", entityType, "org_id", orgID, "error", err)
	}
}

func (c *Cache) entryKey(ctx context.Context, entityType string, orgID uuid.UUID, queryShape any) (string, error) {
	version, err := c.backend.Current(ctx, counterKey(entityType, orgID))
	if err != nil {
		return "", err
	}
	shape, err := json.Marshal(queryShape)
	if err != nil {
		return "", fmt.Errorf("listcache: encode query shape: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", entityType, orgID, version)
	h.Write(shape)
	return "torii:list:" + hex.EncodeToString(h.Sum(nil)), nil
}

func counterKey(entityType string, orgID uuid.UUID) string {
	return fmt.Sprintf("torii:listver:%s:%s", orgID, entityType)
}
