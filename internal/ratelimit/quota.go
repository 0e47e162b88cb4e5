package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrQuotaExhausted is returned when a tenant is already running its maximum
// number of concurrent migration jobs.
var ErrQuotaExhausted = errors.New("ratelimit: job quota exhausted")

// JobQuota bounds concurrent migration jobs per tenant.
type JobQuota interface {
	// Acquire reserves a job slot. It returns ErrQuotaExhausted when the
	// tenant is at its limit.
	Acquire(ctx context.Context, orgID uuid.UUID) error
	// Release frees a previously acquired slot.
	Release(ctx context.Context, orgID uuid.UUID)
}

// NoopQuota never limits. Used when quotas are disabled.
type NoopQuota struct{}

func (NoopQuota) Acquire(context.Context, uuid.UUID) error { return nil }
func (NoopQuota) Release(context.Context, uuid.UUID)       {}

// MemoryQuota is an in-process JobQuota.
type MemoryQuota struct {
	max int64

	mu    sync.Mutex
	slots map[uuid.UUID]int64
}

// NewMemoryQuota allows up to max concurrent jobs per tenant.
func NewMemoryQuota(max int) *MemoryQuota {
	return &MemoryQuota{max: int64(max), slots: make(map[uuid.UUID]int64)}
}

func (q *MemoryQuota) Acquire(_ context.Context, orgID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.slots[orgID] >= q.max {
		return ErrQuotaExhausted
	}
	q.slots[orgID]++
	return nil
}

func (q *MemoryQuota) Release(_ context.Context, orgID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.slots[orgID] > 0 {
		q.slots[orgID]--
	}
}

// RedisQuota coordinates job slots across instances with an atomic counter
// per tenant.
type RedisQuota struct {
	client *redis.Client
	max    int64
}

// NewRedisQuota allows up to max concurrent jobs per tenant across instances.
func NewRedisQuota(client *redis.Client, max int) *RedisQuota {
	return &RedisQuota{client: client, max: int64(max)}
}

func quotaKey(orgID uuid.UUID) string {
	return fmt.Sprintf("torii:jobslots:%s", orgID)
}

func (q *RedisQuota) Acquire(ctx context.Context, orgID uuid.UUID) error {
	n, err := q.client.Incr(ctx, quotaKey(orgID)).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: acquire job slot: %w", err)
	}
	if n > q.max {
		// Undo the reservation; the slot was never usable.
		q.client.Decr(ctx, quotaKey(orgID))
		return ErrQuotaExhausted
	}
	return nil
}

func (q *RedisQuota) Release(ctx context.Context, orgID uuid.UUID) {
	q.client.Decr(ctx, quotaKey(orgID))
}
