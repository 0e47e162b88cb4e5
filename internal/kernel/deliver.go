package kernel

import (
	"context"
	"encoding/json"
)

// deliver runs post-commit side effects: cache invalidation, custom-field
// projection, metering. Every step is best-effort; a failure is logged and
// surfaced to the delivery-failure hook, never returned to the caller,
// because the durable state is already correct.
func (k *Kernel) deliver(ctx context.Context, mctx Context, p *plan, receipt Receipt) {
	// Cache version bump is a lost-signal risk only; entries also age out by TTL.
	k.cache.Invalidate(ctx, p.spec.EntityType, mctx.OrgID)

	if k.fields != nil {
		switch p.spec.Op {
		case OpCreate, OpUpdate:
			if len(p.shape.Custom) > 0 {
				if err := k.fields.SyncCustomFieldValues(ctx, mctx.OrgID, p.spec.EntityType, receipt.EntityID, p.shape.Custom); err != nil {
					k.deliveryFailure(mctx, receipt, "custom_field_sync", err)
				}
			}
		case OpDelete:
			// Soft-deleted entities keep projected values for restore.
			if p.typeSpec.HardDelete {
				if err := k.fields.PurgeCustomFieldValues(ctx, mctx.OrgID, receipt.EntityID); err != nil {
					k.deliveryFailure(mctx, receipt, "custom_field_purge", err)
				}
			}
		}
	}

	if k.meter != nil {
		k.meter.MeterAPIRequest(ctx, mctx.OrgID, string(p.spec.Op))
		if p.spec.Op != OpDelete {
			if payload, err := json.Marshal(p.shape.Core); err == nil {
				k.meter.MeterStorageBytes(ctx, mctx.OrgID, int64(len(payload)))
			}
		}
	}
}

func (k *Kernel) deliveryFailure(mctx Context, receipt Receipt, stage string, err error) {
	k.logger.Error("kernel: delivery side effect failed",
		"stage", stage,
		"entity_id", receipt.EntityID,
		"org_id", mctx.OrgID,
		"error", err)
	k.hooks.OnDeliveryFailure(mctx, receipt, stage, err)
}
