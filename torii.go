// Package torii is the public API for embedding the Torii entity mutation
// kernel and its migration subsystem.
//
// Callers construct a Kernel, register their entity types, and drive it:
//
//	k, err := torii.New(
//	    torii.WithLogger(logger),
//	    torii.WithEntityType(torii.EntityType{Name: "contact", Writable: []string{"email", "name"}}),
//	)
//	if err != nil { ... }
//	defer k.Close(ctx)
//
//	mctx := k.BuildSystemContext(orgID, actorID)
//	receipt, err := k.Mutate(ctx, mctx, torii.MutationSpec{ ... })
//
// The public surface is deliberately narrow: mutation, read, list, the two
// context builders, the observability-hook setter, and the migration entry
// points on Migrator. Everything else lives under internal/ and is not
// reachable; the closure is asserted by a static scan in surface_test.go.
//
// The import graph enforces a strict no-cycle rule: torii (root) imports
// internal/*, but internal/* never imports torii (root). Public types are
// standalone structs with no internal imports; conversion helpers live here
// because this is the only file that sees both sides of the boundary.
package torii

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/torii-data/torii/internal/auth"
	"github.com/torii-data/torii/internal/config"
	"github.com/torii-data/torii/internal/customfield"
	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/kernel"
	"github.com/torii-data/torii/internal/listcache"
	"github.com/torii-data/torii/internal/ratelimit"
	"github.com/torii-data/torii/internal/storage"
	"github.com/torii-data/torii/internal/telemetry"
	"github.com/torii-data/torii/internal/webhook"
	"github.com/torii-data/torii/migrations"
)

// Kernel is the configured mutation/read executor. Construct with New; it is
// safe for concurrent use.
type Kernel struct {
	cfg          config.Config
	db           *storage.DB
	inner        *kernel.Kernel
	registry     *entity.Registry
	tokens       *auth.TokenManager
	redis        *redis.Client
	limiter      ratelimit.Limiter
	quota        ratelimit.JobQuota
	meter        Meter
	verifier     WebhookVerifier
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New connects to the database, runs migrations, validates entity type
// registrations, and wires all collaborators. It starts no goroutines.
func New(opts ...Option) (*Kernel, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.redisURL != "" {
		cfg.RedisURL = o.redisURL
	}
	if o.listCacheTTL != 0 {
		cfg.ListCacheTTL = o.listCacheTTL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("torii starting", "version", version)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, false)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for i, extraFS := range o.extraMigrations {
		if err := db.RunMigrations(context.Background(), extraFS); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
		}
	}

	registry := entity.NewRegistry()
	for _, t := range o.entityTypes {
		if err := registry.Register(entity.TypeSpec{
			Name:          t.Name,
			Writable:      t.Writable,
			CustomDataKey: t.CustomDataKey,
			HardDelete:    t.HardDelete,
			DocNumbered:   t.DocNumbered,
		}); err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("entity types: %w", err)
		}
	}

	tokens, err := auth.NewTokenManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close()
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Redis backs the list cache and the distributed limiter/quota; without
	// it the cache degrades to always-miss and in-process fallbacks apply.
	var redisClient *redis.Client
	var cacheBackend listcache.Backend
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("redis: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		cacheBackend = listcache.NewRedisBackend(redisClient)
		logger.Info("list cache: redis", "ttl", cfg.ListCacheTTL)
	} else {
		logger.Info("list cache: disabled (no REDIS_URL), every list read hits the database")
	}

	var limiter ratelimit.Limiter
	switch {
	case o.rateLimiter != nil:
		limiter = &rateLimiterAdapter{rl: o.rateLimiter}
	case redisClient != nil:
		limiter = ratelimit.NewRedisLimiter(redisClient, cfg.MutateRatePerMin, time.Minute, "torii:rl")
	default:
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.MutateRatePerMin)/60, cfg.MutateRatePerMin)
	}

	var quota ratelimit.JobQuota
	switch {
	case o.jobQuota != nil:
		quota = &quotaAdapter{q: o.jobQuota}
	case redisClient != nil:
		quota = ratelimit.NewRedisQuota(redisClient, cfg.MaxConcurrentJobs)
	default:
		quota = ratelimit.NewMemoryQuota(cfg.MaxConcurrentJobs)
	}

	meter := o.meter
	if meter == nil {
		meter = telemetry.NewUsageMeter(logger)
	}

	fields := o.customFields
	if fields == nil {
		fields = customfield.NewService(db)
	}

	verifier := o.webhookVerifier
	if verifier == nil && cfg.WebhookSecret != "" {
		hv, err := webhook.NewVerifier(cfg.WebhookSecret)
		if err != nil {
			db.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("webhook: %w", err)
		}
		verifier = &hmacVerifier{v: hv}
	}

	inner := kernel.New(kernel.Config{
		DB:       db,
		Registry: registry,
		Cache:    listcache.New(cacheBackend, cfg.ListCacheTTL, logger),
		Limiter:  limiter,
		Meter:    meter,
		Fields:   fields,
		Logger:   logger,
		Now:      o.clock,
	})

	return &Kernel{
		cfg:          cfg,
		db:           db,
		inner:        inner,
		registry:     registry,
		tokens:       tokens,
		redis:        redisClient,
		limiter:      limiter,
		quota:        quota,
		meter:        meter,
		verifier:     verifier,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Mutate executes one mutation through the validate, commit, deliver phases
// and returns its receipt. Errors carry an ErrorCode; no partial write
// survives a failure.
func (k *Kernel) Mutate(ctx context.Context, mctx Context, spec MutationSpec) (Receipt, error) {
	receipt, err := k.inner.Mutate(ctx, toInternalContext(mctx), kernel.MutationSpec{
		EntityType:      spec.EntityType,
		Op:              kernel.Op(spec.Op),
		EntityID:        spec.EntityID,
		Payload:         spec.Payload,
		ExpectedVersion: spec.ExpectedVersion,
	})
	if err != nil {
		return Receipt{}, mapKernelError(err)
	}
	return toPublicReceipt(receipt), nil
}

// ReadEntity fetches one live entity. Soft-deleted rows read as not found.
func (k *Kernel) ReadEntity(ctx context.Context, mctx Context, entityType string, id uuid.UUID) (EntityRecord, error) {
	row, err := k.inner.ReadEntity(ctx, toInternalContext(mctx), entityType, id)
	if err != nil {
		return EntityRecord{}, mapKernelError(err)
	}
	return toPublicRecord(row), nil
}

// ListEntities returns one page ordered by creation time descending, id
// descending. A cursor minted for another tenant or order is rejected.
func (k *Kernel) ListEntities(ctx context.Context, mctx Context, q ListQuery) (ListResult, error) {
	res, err := k.inner.ListEntities(ctx, toInternalContext(mctx), kernel.ListQuery{
		EntityType: q.EntityType,
		Limit:      q.Limit,
		Cursor:     q.Cursor,
	})
	if err != nil {
		return ListResult{}, mapKernelError(err)
	}
	out := ListResult{NextCursor: res.NextCursor, Rows: make([]EntityRecord, len(res.Rows))}
	for i, row := range res.Rows {
		out.Rows[i] = toPublicRecord(row)
	}
	return out, nil
}

// BuildSystemContext returns a trusted in-process context holding every
// scope. Use for service-to-service calls and migration jobs.
func (k *Kernel) BuildSystemContext(orgID, actorID uuid.UUID) Context {
	return Context{OrgID: orgID, ActorID: actorID, System: true}
}

// BuildUserContext validates a bearer token and returns the caller context it
// carries. The token binds tenant, actor, and permission scopes.
func (k *Kernel) BuildUserContext(token string) (Context, error) {
	claims, err := k.tokens.Validate(token)
	if err != nil {
		return Context{}, &Error{Code: CodeValidation, Err: err}
	}
	actorID, err := uuid.Parse(claims.ActorID)
	if err != nil {
		return Context{}, &Error{Code: CodeValidation, Err: fmt.Errorf("token actor id is not a uuid")}
	}
	return Context{OrgID: claims.OrgID, ActorID: actorID, Scopes: claims.Scopes}, nil
}

// SetObservabilityHooks installs hooks for committed mutations and delivery
// failures. Passing nil removes previously installed hooks.
func (k *Kernel) SetObservabilityHooks(h Hooks) {
	if h == nil {
		k.inner.SetHooks(nil)
		return
	}
	k.inner.SetHooks(&hooksAdapter{h: h})
}

// Close releases the database pool, the Redis client, the limiter, and the
// telemetry exporters.
func (k *Kernel) Close(ctx context.Context) error {
	var firstErr error
	if err := k.limiter.Close(); err != nil {
		firstErr = err
	}
	if k.redis != nil {
		if err := k.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := k.otelShutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	k.db.Close()
	k.logger.Info("torii stopped")
	return firstErr
}

// ── Adapters (defined here because this file imports both sides) ──────────────

// rateLimiterAdapter wraps a public RateLimiter to satisfy ratelimit.Limiter.
type rateLimiterAdapter struct {
	rl RateLimiter
}

func (a *rateLimiterAdapter) Allow(ctx context.Context, key string) (bool, error) {
	return a.rl.CheckRateLimit(ctx, key)
}

func (a *rateLimiterAdapter) Close() error { return nil }

// quotaAdapter wraps a public JobQuota to satisfy ratelimit.JobQuota.
type quotaAdapter struct {
	q JobQuota
}

func (a *quotaAdapter) Acquire(ctx context.Context, orgID uuid.UUID) error {
	return a.q.AcquireJobSlot(ctx, orgID)
}

func (a *quotaAdapter) Release(ctx context.Context, orgID uuid.UUID) {
	a.q.ReleaseJob(ctx, orgID)
}

// hmacVerifier wraps the built-in HMAC verifier to satisfy WebhookVerifier.
type hmacVerifier struct {
	v *webhook.Verifier
}

func (h *hmacVerifier) VerifyWebhookSignature(signature string, body []byte) bool {
	return h.v.Verify(signature, body)
}

// hooksAdapter wraps public Hooks to satisfy kernel.Hooks, converting
// internal types to public types at the boundary.
type hooksAdapter struct {
	h Hooks
}

func (a *hooksAdapter) OnMutation(mctx kernel.Context, receipt kernel.Receipt) {
	a.h.OnMutation(toPublicContext(mctx), toPublicReceipt(receipt))
}

func (a *hooksAdapter) OnDeliveryFailure(mctx kernel.Context, receipt kernel.Receipt, stage string, err error) {
	a.h.OnDeliveryFailure(toPublicContext(mctx), toPublicReceipt(receipt), stage, err)
}

// ── Type converters ────────────────────────────────────────────────────────────

func toInternalContext(c Context) kernel.Context {
	return kernel.Context{OrgID: c.OrgID, ActorID: c.ActorID, Scopes: c.Scopes, System: c.System}
}

func toPublicContext(c kernel.Context) Context {
	return Context{OrgID: c.OrgID, ActorID: c.ActorID, Scopes: c.Scopes, System: c.System}
}

func toPublicReceipt(r kernel.Receipt) Receipt {
	return Receipt{
		EntityID:    r.EntityID,
		Version:     r.Version,
		Op:          Op(r.Op),
		DocNumber:   r.DocNumber,
		CommittedAt: r.CommittedAt,
	}
}

func toPublicRecord(row *storage.EntityRow) EntityRecord {
	return EntityRecord{
		ID:         row.ID,
		OrgID:      row.OrgID,
		EntityType: row.EntityType,
		Core:       row.Core,
		Custom:     row.Custom,
		DocNumber:  row.DocNumber,
		Version:    row.Version,
		CreatedBy:  row.CreatedBy,
		UpdatedBy:  row.UpdatedBy,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

// mapKernelError converts internal kernel errors to the public Error type.
func mapKernelError(err error) error {
	var kerr *kernel.Error
	if errors.As(err, &kerr) {
		return &Error{Code: ErrorCode(kerr.Code), Err: kerr.Err}
	}
	return &Error{Code: CodeValidation, Err: err}
}
