// Package kernel executes typed entity mutations with strict phase isolation.
//
// Every mutation moves through Validate, Commit, Deliver. Validate may call
// external services and performs no durable writes. Commit runs exactly one
// database transaction and nothing else. Deliver runs best-effort side
// effects whose failures never surface as mutation failures. The phase split
// guarantees a rolled-back transaction never leaves an orphaned external side
// effect.
package kernel

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/listcache"
	"github.com/torii-data/torii/internal/ratelimit"
	"github.com/torii-data/torii/internal/storage"
)

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Context carries the caller's identity for one call. Immutable, never
// persisted.
type Context struct {
	OrgID   uuid.UUID
	ActorID uuid.UUID
	Scopes  []string
	// System marks trusted in-process callers that bypass scope checks.
	System bool
}

// HasScope reports whether the context carries the named permission scope.
// System contexts hold every scope.
func (c Context) HasScope(scope string) bool {
	if c.System {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// Permission scopes checked during Validate.
const (
	ScopeEntityRead  = "entity:read"
	ScopeEntityWrite = "entity:write"
)

// MutationSpec describes one requested mutation.
type MutationSpec struct {
	EntityType string
	Op         Op
	// EntityID targets an existing row for update and delete.
	EntityID uuid.UUID
	// Payload is the raw record; the write adapter shapes it.
	Payload map[string]any
	// ExpectedVersion, when non-nil, is the optimistic concurrency token for
	// update and delete. Omitting it writes last-writer-wins.
	ExpectedVersion *int64
}

// Receipt is the immutable outcome of one mutation.
type Receipt struct {
	EntityID    uuid.UUID
	Version     int64
	Op          Op
	DocNumber   string
	CommittedAt time.Time
}

// Meter records usage events. Implementations must be non-blocking enough for
// the Deliver phase; failures are swallowed by contract.
type Meter interface {
	MeterAPIRequest(ctx context.Context, orgID uuid.UUID, operation string)
	MeterJobRun(ctx context.Context, orgID uuid.UUID)
	MeterStorageBytes(ctx context.Context, orgID uuid.UUID, bytes int64)
	MeterDBTimeout(ctx context.Context, orgID uuid.UUID)
}

// CustomFieldService validates tenant-defined custom data during Validate and
// projects it into queryable storage during Deliver.
type CustomFieldService interface {
	ValidateCustomData(ctx context.Context, orgID uuid.UUID, entityType string, custom map[string]any) error
	SyncCustomFieldValues(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, custom map[string]any) error
	// PurgeCustomFieldValues drops an entity's projected values after a hard
	// delete.
	PurgeCustomFieldValues(ctx context.Context, orgID, entityID uuid.UUID) error
}

// Hooks observe mutation outcomes and delivery failures. Hook panics are not
// recovered; hooks must be cheap and non-blocking.
type Hooks interface {
	OnMutation(mctx Context, receipt Receipt)
	OnDeliveryFailure(mctx Context, receipt Receipt, stage string, err error)
}

// NopHooks ignores everything.
type NopHooks struct{}

func (NopHooks) OnMutation(Context, Receipt)                       {}
func (NopHooks) OnDeliveryFailure(Context, Receipt, string, error) {}

// Kernel is the mutation/read executor. Construct with New; the zero value is
// not usable.
type Kernel struct {
	db       *storage.DB
	registry *entity.Registry
	cache    *listcache.Cache
	limiter  ratelimit.Limiter
	meter    Meter
	fields   CustomFieldService
	hooks    Hooks
	logger   *slog.Logger
	now      func() time.Time
}

// Config wires the kernel's collaborators. DB and Registry are required;
// everything else has a degraded-but-correct default.
type Config struct {
	DB       *storage.DB
	Registry *entity.Registry
	Cache    *listcache.Cache
	Limiter  ratelimit.Limiter
	Meter    Meter
	Fields   CustomFieldService
	Logger   *slog.Logger
	Now      func() time.Time
}

// New builds a kernel from cfg.
func New(cfg Config) *Kernel {
	k := &Kernel{
		db:       cfg.DB,
		registry: cfg.Registry,
		cache:    cfg.Cache,
		limiter:  cfg.Limiter,
		meter:    cfg.Meter,
		fields:   cfg.Fields,
		hooks:    NopHooks{},
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if k.limiter == nil {
		k.limiter = ratelimit.NoopLimiter{}
	}
	if k.logger == nil {
		k.logger = slog.Default()
	}
	if k.now == nil {
		k.now = time.Now
	}
	return k
}

// SetHooks installs observability hooks. Passing nil restores the no-op hooks.
func (k *Kernel) SetHooks(h Hooks) {
	if h == nil {
		h = NopHooks{}
	}
	k.hooks = h
}

// Registry exposes the entity type registry for report building.
func (k *Kernel) Registry() *entity.Registry { return k.registry }

// Mutate runs one mutation through Validate, Commit, Deliver and returns its
// receipt. On failure the returned error carries an ErrorCode; no partial
// write survives.
func (k *Kernel) Mutate(ctx context.Context, mctx Context, spec MutationSpec) (Receipt, error) {
	plan, err := k.validate(ctx, mctx, spec)
	if err != nil {
		k.noteDBTimeout(ctx, mctx, err)
		return Receipt{}, err
	}

	receipt, err := k.commit(ctx, mctx, plan)
	if err != nil {
		k.noteDBTimeout(ctx, mctx, err)
		return Receipt{}, err
	}

	k.deliver(ctx, mctx, plan, receipt)
	k.hooks.OnMutation(mctx, receipt)
	return receipt, nil
}

// noteDBTimeout meters database deadline expiries per tenant so statement
// budget pressure shows up in usage metrics before it becomes an outage.
func (k *Kernel) noteDBTimeout(ctx context.Context, mctx Context, err error) {
	if k.meter != nil && errors.Is(err, context.DeadlineExceeded) {
		k.meter.MeterDBTimeout(ctx, mctx.OrgID)
	}
}
