package torii

import (
	"context"

	"github.com/google/uuid"
)

// RateLimiter decides whether a keyed request should proceed. When provided
// via WithRateLimiter, it replaces the built-in limiter. A limiter error is
// treated as fail-open; returning false rejects the call with
// CodeRateLimited.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string) (bool, error)
}

// JobQuota bounds concurrent migration jobs per tenant. When provided via
// WithJobQuota, it replaces the built-in quota.
type JobQuota interface {
	// AcquireJobSlot reserves a slot, or returns an error when the tenant is
	// at its limit.
	AcquireJobSlot(ctx context.Context, orgID uuid.UUID) error
	// ReleaseJob frees a previously acquired slot.
	ReleaseJob(ctx context.Context, orgID uuid.UUID)
}

// DocNumberAllocator issues per-tenant sequential document numbers. The
// built-in allocator is storage-backed and runs inside the commit
// transaction; the interface documents the contract for callers that read
// receipts.
type DocNumberAllocator interface {
	AllocateDocNumber(ctx context.Context, orgID uuid.UUID, entityType string) (string, error)
}

// WebhookVerifier authenticates inbound payloads before their records are fed
// into a migration job. When provided via WithWebhookVerifier, it replaces
// the built-in HMAC-SHA256 verifier.
type WebhookVerifier interface {
	VerifyWebhookSignature(signature string, body []byte) bool
}

// CustomFieldSync validates tenant-defined custom data before commit and
// projects it into queryable storage after commit. When provided via
// WithCustomFieldSync, it replaces the built-in storage-backed service.
type CustomFieldSync interface {
	ValidateCustomData(ctx context.Context, orgID uuid.UUID, entityType string, custom map[string]any) error
	SyncCustomFieldValues(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, custom map[string]any) error
	PurgeCustomFieldValues(ctx context.Context, orgID, entityID uuid.UUID) error
}

// Meter records per-tenant usage. When provided via WithMeter, it replaces
// the built-in OTEL meter. Methods run during the delivery phase; failures
// must be swallowed, never returned.
type Meter interface {
	MeterAPIRequest(ctx context.Context, orgID uuid.UUID, operation string)
	MeterJobRun(ctx context.Context, orgID uuid.UUID)
	MeterStorageBytes(ctx context.Context, orgID uuid.UUID, bytes int64)
	MeterDBTimeout(ctx context.Context, orgID uuid.UUID)
}

// Hooks observe committed mutations and delivery failures. Install with
// SetObservabilityHooks. Methods are called synchronously on the mutation
// path and must be cheap and non-blocking.
type Hooks interface {
	OnMutation(mctx Context, receipt Receipt)
	// OnDeliveryFailure reports a post-commit side effect that failed. The
	// mutation itself succeeded; the hook exists for out-of-band retry.
	OnDeliveryFailure(mctx Context, receipt Receipt, stage string, err error)
}
