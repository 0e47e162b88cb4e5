package kernel

// The commit phase runs exactly one database transaction. Nothing in this
// file, or reachable from it, may touch the network (beyond the database
// driver), the filesystem, or any queue or cache client. A static scan in
// imports_test.go holds this file and the storage package to that contract.

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/torii-data/torii/internal/storage"
)

// commit executes the durable write for a validated plan. The entity change
// and its audit row land in the same transaction, so a rollback leaves no
// trace of either.
func (k *Kernel) commit(ctx context.Context, mctx Context, p *plan) (Receipt, error) {
	var receipt Receipt

	err := k.db.WithTx(ctx, func(tx pgx.Tx) error {
		switch p.spec.Op {
		case OpCreate:
			return k.commitCreate(ctx, tx, mctx, p, &receipt)
		case OpUpdate:
			return k.commitUpdate(ctx, tx, mctx, p, &receipt)
		case OpDelete:
			return k.commitDelete(ctx, tx, mctx, p, &receipt)
		default:
			return newError(CodeValidation, "unknown operation %q", p.spec.Op)
		}
	})
	if err != nil {
		var kerr *Error
		if errors.As(err, &kerr) {
			return Receipt{}, kerr
		}
		if errors.Is(err, storage.ErrVersionConflict) {
			return Receipt{}, wrapError(CodeVersionConflict, err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return Receipt{}, wrapError(CodeNotFound, err)
		}
		return Receipt{}, wrapError(CodeValidation, fmt.Errorf("commit failed: %w", err))
	}
	return receipt, nil
}

func (k *Kernel) commitCreate(ctx context.Context, tx pgx.Tx, mctx Context, p *plan, receipt *Receipt) error {
	row := &storage.EntityRow{
		OrgID:      mctx.OrgID,
		EntityType: p.spec.EntityType,
		Core:       p.shape.Core,
		Custom:     p.shape.Custom,
		CreatedBy:  mctx.ActorID,
		UpdatedBy:  mctx.ActorID,
	}

	if p.typeSpec.DocNumbered {
		num, err := k.db.AllocateDocNumber(ctx, tx, mctx.OrgID, p.spec.EntityType, docPrefix(p.spec.EntityType))
		if err != nil {
			return err
		}
		row.DocNumber = &num
	}

	inserted, err := k.db.InsertEntity(ctx, tx, row)
	if err != nil {
		return err
	}

	if err := k.auditRow(ctx, tx, mctx, p, nil, inserted); err != nil {
		return err
	}

	*receipt = Receipt{
		EntityID:    inserted.ID,
		Version:     inserted.Version,
		Op:          OpCreate,
		CommittedAt: inserted.CreatedAt,
	}
	if inserted.DocNumber != nil {
		receipt.DocNumber = *inserted.DocNumber
	}
	return nil
}

func (k *Kernel) commitUpdate(ctx context.Context, tx pgx.Tx, mctx Context, p *plan, receipt *Receipt) error {
	next := &storage.EntityRow{
		ID:         p.spec.EntityID,
		OrgID:      mctx.OrgID,
		EntityType: p.spec.EntityType,
		Core:       mergedFields(p.current.Core, p.shape.Core),
		Custom:     mergedFields(p.current.Custom, p.shape.Custom),
		UpdatedBy:  mctx.ActorID,
	}

	updated, err := k.db.UpdateEntity(ctx, tx, next, p.spec.ExpectedVersion)
	if err != nil {
		return err
	}

	if err := k.auditRow(ctx, tx, mctx, p, p.current, updated); err != nil {
		return err
	}

	*receipt = Receipt{
		EntityID:    updated.ID,
		Version:     updated.Version,
		Op:          OpUpdate,
		CommittedAt: updated.UpdatedAt,
	}
	return nil
}

func (k *Kernel) commitDelete(ctx context.Context, tx pgx.Tx, mctx Context, p *plan, receipt *Receipt) error {
	if p.typeSpec.HardDelete {
		if err := k.db.HardDeleteEntity(ctx, tx, mctx.OrgID, p.spec.EntityType, p.spec.EntityID, p.spec.ExpectedVersion); err != nil {
			return err
		}
	} else {
		if err := k.db.SoftDeleteEntity(ctx, tx, mctx.OrgID, p.spec.EntityType, p.spec.EntityID, mctx.ActorID, p.spec.ExpectedVersion); err != nil {
			return err
		}
	}

	if err := k.auditRow(ctx, tx, mctx, p, p.current, nil); err != nil {
		return err
	}

	// An unguarded delete succeeded against whatever version the pre-image
	// read saw; a guarded one succeeded against the guard itself.
	version := p.current.Version + 1
	if p.spec.ExpectedVersion != nil {
		version = *p.spec.ExpectedVersion + 1
	}
	*receipt = Receipt{
		EntityID:    p.spec.EntityID,
		Version:     version,
		Op:          OpDelete,
		CommittedAt: k.now().UTC(),
	}
	return nil
}

func (k *Kernel) auditRow(ctx context.Context, tx pgx.Tx, mctx Context, p *plan, before, after *storage.EntityRow) error {
	entry := storage.MutationAuditEntry{
		OrgID:      mctx.OrgID,
		ActorID:    mctx.ActorID,
		Operation:  string(p.spec.Op),
		EntityType: p.spec.EntityType,
	}
	switch {
	case after != nil:
		entry.EntityID = after.ID
	case before != nil:
		entry.EntityID = before.ID
	default:
		entry.EntityID = p.spec.EntityID
	}
	if before != nil {
		entry.BeforeData = map[string]any{"core": before.Core, "custom": before.Custom, "version": before.Version}
	}
	if after != nil {
		entry.AfterData = map[string]any{"core": after.Core, "custom": after.Custom, "version": after.Version}
	}
	return k.db.InsertMutationAudit(ctx, tx, entry)
}

// mergedFields overlays incoming on top of existing without mutating either.
// Updates are partial: fields absent from the payload keep their stored value.
func mergedFields(existing, incoming map[string]any) map[string]any {
	out := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// docPrefix derives the document-number prefix from the type name, e.g.
// "invoice" becomes "INV".
func docPrefix(entityType string) string {
	upper := make([]rune, 0, 3)
	for _, r := range entityType {
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		if r >= 'A' && r <= 'Z' {
			upper = append(upper, r)
		}
		if len(upper) == 3 {
			break
		}
	}
	if len(upper) == 0 {
		return "DOC"
	}
	return string(upper)
}
