package torii

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures a Kernel.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	databaseURL     string
	redisURL        string
	listCacheTTL    time.Duration
	rateLimiter     RateLimiter
	jobQuota        JobQuota
	meter           Meter
	webhookVerifier WebhookVerifier
	customFields    CustomFieldSync
	clock           func() time.Time
	entityTypes     []EntityType
	extraMigrations []fs.FS
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL
// env var). Redis backs the list cache, the distributed rate limiter, and the
// distributed job quota; without it, in-process fallbacks are used.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithListCacheTTL overrides the list cache entry lifetime. Clamped to the
// supported 30s to 120s range.
func WithListCacheTTL(ttl time.Duration) Option {
	return func(o *resolvedOptions) { o.listCacheTTL = ttl }
}

// WithRateLimiter replaces the built-in mutation rate limiter.
func WithRateLimiter(rl RateLimiter) Option {
	return func(o *resolvedOptions) { o.rateLimiter = rl }
}

// WithJobQuota replaces the built-in per-tenant concurrent-job quota.
func WithJobQuota(q JobQuota) Option {
	return func(o *resolvedOptions) { o.jobQuota = q }
}

// WithMeter replaces the built-in OTEL usage meter.
func WithMeter(m Meter) Option {
	return func(o *resolvedOptions) { o.meter = m }
}

// WithWebhookVerifier replaces the built-in HMAC-SHA256 payload verifier.
func WithWebhookVerifier(v WebhookVerifier) Option {
	return func(o *resolvedOptions) { o.webhookVerifier = v }
}

// WithCustomFieldSync replaces the built-in storage-backed custom-field
// service.
func WithCustomFieldSync(s CustomFieldSync) Option {
	return func(o *resolvedOptions) { o.customFields = s }
}

// WithClock overrides the time source. Used by tests that need deterministic
// receipt timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}

// WithEntityType registers a writable entity type. Registration is validated
// during New: system columns and custom-data-key collisions in the allowlist
// are construction errors. May be repeated.
func WithEntityType(t EntityType) Option {
	return func(o *resolvedOptions) { o.entityTypes = append(o.entityTypes, t) }
}

// WithExtraMigrations adds an additional SQL migration filesystem applied
// after the embedded migrations. May be repeated; applied in registration
// order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
