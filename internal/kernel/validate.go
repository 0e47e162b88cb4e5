package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/storage"
)

// plan is the validated, shaped input handed to the commit phase. Building it
// here keeps commit free of registry lookups and collaborator calls.
type plan struct {
	spec     MutationSpec
	typeSpec entity.TypeSpec
	shape    entity.WriteShape
	// current is the pre-image row for update and delete.
	current *storage.EntityRow
}

// validate runs schema, permission and business-rule checks. It performs no
// durable writes; it may call external collaborators (rate limiter, custom
// field validation) and read the database.
func (k *Kernel) validate(ctx context.Context, mctx Context, spec MutationSpec) (*plan, error) {
	if mctx.OrgID == uuid.Nil {
		return nil, newError(CodeValidation, "missing tenant id")
	}
	if mctx.ActorID == uuid.Nil {
		return nil, newError(CodeValidation, "missing actor id")
	}
	if !mctx.HasScope(ScopeEntityWrite) {
		return nil, newError(CodeValidation, "missing scope %q", ScopeEntityWrite)
	}

	// System callers (migration jobs) are bounded by the job quota; the
	// limiter guards the tenant-facing surface only. Throttling a running job
	// here would quarantine healthy records.
	if !mctx.System {
		allowed, err := k.limiter.Allow(ctx, fmt.Sprintf("org:%s:mutate", mctx.OrgID))
		if err != nil {
			// Fail open: a broken limiter must not take write traffic down.
			k.logger.Warn("kernel: rate limiter unavailable, failing open", "error", err)
		} else if !allowed {
			return nil, newError(CodeRateLimited, "tenant %s over mutation rate limit", mctx.OrgID)
		}
	}

	typeSpec, err := k.registry.Lookup(spec.EntityType)
	if err != nil {
		return nil, wrapError(CodeUnknownEntityType, err)
	}

	p := &plan{spec: spec, typeSpec: typeSpec}

	switch spec.Op {
	case OpCreate:
		if spec.EntityID != uuid.Nil {
			return nil, newError(CodeValidation, "create must not carry an entity id")
		}
	case OpUpdate, OpDelete:
		if spec.EntityID == uuid.Nil {
			return nil, newError(CodeValidation, "%s requires an entity id", spec.Op)
		}
		current, err := k.db.GetEntity(ctx, k.db.Pool(), mctx.OrgID, spec.EntityType, spec.EntityID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, wrapError(CodeNotFound, err)
			}
			return nil, wrapError(CodeValidation, err)
		}
		if current.IsDeleted {
			return nil, newError(CodeNotFound, "entity %s is deleted", spec.EntityID)
		}
		p.current = current
	default:
		return nil, newError(CodeValidation, "unknown operation %q", spec.Op)
	}

	if spec.Op != OpDelete {
		if len(spec.Payload) == 0 {
			return nil, newError(CodeValidation, "empty payload")
		}
		shape, err := typeSpec.ToWriteShape(spec.Payload)
		if err != nil {
			if errors.Is(err, entity.ErrNoWritableFields) {
				return nil, wrapError(CodeNoWritableFields, err)
			}
			return nil, wrapError(CodeValidation, err)
		}
		if len(shape.Core) == 0 {
			return nil, newError(CodeValidation, "payload contains no writable fields for %q", spec.EntityType)
		}
		if k.fields != nil && len(shape.Custom) > 0 {
			if err := k.fields.ValidateCustomData(ctx, mctx.OrgID, spec.EntityType, shape.Custom); err != nil {
				return nil, wrapError(CodeValidation, err)
			}
		}
		p.shape = shape
	}

	return p, nil
}
