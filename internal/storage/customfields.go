package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CustomFieldDef describes one tenant-defined field for an entity type.
type CustomFieldDef struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	EntityType string
	Key        string
	Kind       string
	Required   bool
}

// ListCustomFieldDefs returns the definitions for a tenant and entity type,
// ordered by key for stable validation output.
func (db *DB) ListCustomFieldDefs(ctx context.Context, orgID uuid.UUID, entityType string) ([]CustomFieldDef, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, org_id, entity_type, key, kind, required
		FROM custom_field_defs
		WHERE org_id = $1 AND entity_type = $2
		ORDER BY key`,
		orgID, entityType)
	if err != nil {
		return nil, fmt.Errorf("storage: list custom field defs: %w", err)
	}
	defer rows.Close()

	var defs []CustomFieldDef
	for rows.Next() {
		var d CustomFieldDef
		if err := rows.Scan(&d.ID, &d.OrgID, &d.EntityType, &d.Key, &d.Kind, &d.Required); err != nil {
			return nil, fmt.Errorf("storage: scan custom field def: %w", err)
		}
		defs = append(defs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list custom field defs: %w", err)
	}
	return defs, nil
}

// UpsertCustomFieldValue projects one key of an entity's custom bag into the
// queryable side table. Runs outside the commit transaction; the jsonb bag on
// the entity row stays the source of truth.
func (db *DB) UpsertCustomFieldValue(ctx context.Context, orgID uuid.UUID, entityType string, entityID uuid.UUID, key string, value any) error {
	valJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal custom field value: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO custom_field_values (org_id, entity_type, entity_id, key, value)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (org_id, entity_id, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		orgID, entityType, entityID, key, valJSON)
	if err != nil {
		return fmt.Errorf("storage: upsert custom field value: %w", err)
	}
	return nil
}

// DeleteCustomFieldValues removes the projected values for an entity, used
// when a tombstoned entity leaves the queryable surface.
func (db *DB) DeleteCustomFieldValues(ctx context.Context, orgID, entityID uuid.UUID) error {
	_, err := db.pool.Exec(ctx, `
		DELETE FROM custom_field_values
		WHERE org_id = $1 AND entity_id = $2`,
		orgID, entityID)
	if err != nil {
		return fmt.Errorf("storage: delete custom field values: %w", err)
	}
	return nil
}
