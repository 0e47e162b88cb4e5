package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AllocateDocNumber returns the next document number for a tenant and entity
// type, formatted with the registered prefix. Allocation upserts a per-type
// counter row inside the caller's transaction, so a rolled-back commit never
// burns a visible gap larger than one.
func (db *DB) AllocateDocNumber(ctx context.Context, q querier, orgID uuid.UUID, entityType, prefix string) (string, error) {
	var next int64
	err := q.QueryRow(ctx, `
		INSERT INTO doc_counters (org_id, entity_type, next_value)
		VALUES ($1, $2, 2)
		ON CONFLICT (org_id, entity_type)
		DO UPDATE SET next_value = doc_counters.next_value + 1
		RETURNING next_value - 1`,
		orgID, entityType).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("storage: allocate doc number: %w", err)
	}
	return fmt.Sprintf("%s-%06d", prefix, next), nil
}
