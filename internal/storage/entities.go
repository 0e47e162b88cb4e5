package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EntityRow is a stored entity record. Core fields and the custom-field bag
// are kept in separate jsonb columns so allowlist enforcement and custom-field
// sync can address them independently.
type EntityRow struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	EntityType string
	Core       map[string]any
	Custom     map[string]any
	DocNumber  *string
	Version    int64
	IsDeleted  bool
	DeletedAt  *time.Time
	DeletedBy  *uuid.UUID
	CreatedBy  uuid.UUID
	UpdatedBy  uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Fields returns the merged view of core and custom fields, the shape the
// merge engine and match-key lookups operate on. Custom keys never collide
// with core keys because the write adapter rejects registrations that would
// allow it.
func (r *EntityRow) Fields() map[string]any {
	out := make(map[string]any, len(r.Core)+len(r.Custom))
	for k, v := range r.Core {
		out[k] = v
	}
	for k, v := range r.Custom {
		out[k] = v
	}
	return out
}

const entityColumns = `id, org_id, entity_type, core, custom, doc_number, version,
	is_deleted, deleted_at, deleted_by, created_by, updated_by, created_at, updated_at`

func scanEntity(row pgx.Row) (*EntityRow, error) {
	var (
		e           EntityRow
		coreB, cusB []byte
	)
	err := row.Scan(&e.ID, &e.OrgID, &e.EntityType, &coreB, &cusB, &e.DocNumber, &e.Version,
		&e.IsDeleted, &e.DeletedAt, &e.DeletedBy, &e.CreatedBy, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: scan entity: %w", err)
	}
	if err := json.Unmarshal(coreB, &e.Core); err != nil {
		return nil, fmt.Errorf("storage: decode core fields: %w", err)
	}
	if len(cusB) > 0 {
		if err := json.Unmarshal(cusB, &e.Custom); err != nil {
			return nil, fmt.Errorf("storage: decode custom fields: %w", err)
		}
	}
	if e.Custom == nil {
		e.Custom = map[string]any{}
	}
	return &e, nil
}

// InsertEntity creates a new entity row and returns it with server-assigned
// id, version and timestamps. q may be the pool or an open transaction.
func (db *DB) InsertEntity(ctx context.Context, q querier, e *EntityRow) (*EntityRow, error) {
	coreB, err := json.Marshal(e.Core)
	if err != nil {
		return nil, fmt.Errorf("storage: encode core fields: %w", err)
	}
	cusB, err := json.Marshal(e.Custom)
	if err != nil {
		return nil, fmt.Errorf("storage: encode custom fields: %w", err)
	}
	row := q.QueryRow(ctx, `
		INSERT INTO entities (org_id, entity_type, core, custom, doc_number, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+entityColumns,
		e.OrgID, e.EntityType, coreB, cusB, e.DocNumber, e.CreatedBy)
	out, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("storage: insert entity: %w", err)
	}
	return out, nil
}

// GetEntity fetches one entity by tenant, type and id. Soft-deleted rows are
// returned; callers decide whether a tombstone is visible.
func (db *DB) GetEntity(ctx context.Context, q querier, orgID uuid.UUID, entityType string, id uuid.UUID) (*EntityRow, error) {
	row := q.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND id = $3`,
		orgID, entityType, id)
	return scanEntity(row)
}

// UpdateEntity applies new core/custom field values to an existing row. A
// non-nil expectedVersion guards the write: on mismatch it returns
// ErrVersionConflict without touching the row. A nil expectedVersion writes
// last-writer-wins. A missing row returns ErrNotFound either way.
func (db *DB) UpdateEntity(ctx context.Context, q querier, e *EntityRow, expectedVersion *int64) (*EntityRow, error) {
	coreB, err := json.Marshal(e.Core)
	if err != nil {
		return nil, fmt.Errorf("storage: encode core fields: %w", err)
	}
	cusB, err := json.Marshal(e.Custom)
	if err != nil {
		return nil, fmt.Errorf("storage: encode custom fields: %w", err)
	}
	query := `
		UPDATE entities
		SET core = $1, custom = $2, updated_by = $3, version = version + 1, updated_at = now()
		WHERE org_id = $4 AND entity_type = $5 AND id = $6 AND NOT is_deleted`
	args := []any{coreB, cusB, e.UpdatedBy, e.OrgID, e.EntityType, e.ID}
	if expectedVersion != nil {
		query += ` AND version = $7`
		args = append(args, *expectedVersion)
	}
	query += ` RETURNING ` + entityColumns

	row := q.QueryRow(ctx, query, args...)
	out, err := scanEntity(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a stale version or tombstone from a genuinely absent row.
		cur, getErr := db.GetEntity(ctx, q, e.OrgID, e.EntityType, e.ID)
		if getErr != nil {
			return nil, getErr
		}
		if cur.IsDeleted || (expectedVersion != nil && cur.Version != *expectedVersion) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("storage: update entity: row matched but update returned nothing")
	}
	if err != nil {
		return nil, fmt.Errorf("storage: update entity: %w", err)
	}
	return out, nil
}

// SoftDeleteEntity marks a row as deleted without removing it. The same
// optional version guard as UpdateEntity applies.
func (db *DB) SoftDeleteEntity(ctx context.Context, q querier, orgID uuid.UUID, entityType string, id uuid.UUID, actorID uuid.UUID, expectedVersion *int64) error {
	query := `
		UPDATE entities
		SET is_deleted = TRUE, deleted_at = now(), deleted_by = $1,
		    updated_by = $1, version = version + 1, updated_at = now()
		WHERE org_id = $2 AND entity_type = $3 AND id = $4 AND NOT is_deleted`
	args := []any{actorID, orgID, entityType, id}
	if expectedVersion != nil {
		query += ` AND version = $5`
		args = append(args, *expectedVersion)
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: soft delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		cur, getErr := db.GetEntity(ctx, q, orgID, entityType, id)
		if getErr != nil {
			return getErr
		}
		if cur.IsDeleted || (expectedVersion != nil && cur.Version != *expectedVersion) {
			return ErrVersionConflict
		}
		return fmt.Errorf("storage: soft delete entity: row matched but update returned nothing")
	}
	return nil
}

// HardDeleteEntity removes a row permanently. Only entity types registered
// with hard deletion enabled reach this path. The same optional version guard
// as UpdateEntity applies.
func (db *DB) HardDeleteEntity(ctx context.Context, q querier, orgID uuid.UUID, entityType string, id uuid.UUID, expectedVersion *int64) error {
	query := `
		DELETE FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND id = $3`
	args := []any{orgID, entityType, id}
	if expectedVersion != nil {
		query += ` AND version = $4`
		args = append(args, *expectedVersion)
	}
	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("storage: hard delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_, getErr := db.GetEntity(ctx, q, orgID, entityType, id)
		if getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return nil
}

// ListPage is one keyset page of entities ordered by (created_at DESC, id DESC).
type ListPage struct {
	Rows []*EntityRow
	// HasMore is true when a further page exists past the last row.
	HasMore bool
}

// ListEntities returns up to limit live rows for a tenant and type, newest
// first. When afterCreatedAt/afterID are set, rows at or before that keyset
// position are skipped, which keeps pagination stable under concurrent
// inserts.
func (db *DB) ListEntities(ctx context.Context, orgID uuid.UUID, entityType string, limit int, afterCreatedAt *time.Time, afterID *uuid.UUID) (*ListPage, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{orgID, entityType}
	query := `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND NOT is_deleted`
	if afterCreatedAt != nil && afterID != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, *afterCreatedAt, *afterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()

	page := &ListPage{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		page.HasMore = true
	}
	return page, nil
}

// FindByMatchKeys looks up the live row whose merged field view contains all
// of the probe values. Uses jsonb containment on (core || custom) so the GIN
// index on core still assists the common case. Returns ErrNotFound when no
// row matches; when several match, the oldest wins so repeated runs of the
// same job converge on one target.
func (db *DB) FindByMatchKeys(ctx context.Context, orgID uuid.UUID, entityType string, probe map[string]any) (*EntityRow, error) {
	if len(probe) == 0 {
		return nil, ErrNotFound
	}
	probeB, err := json.Marshal(probe)
	if err != nil {
		return nil, fmt.Errorf("storage: encode match probe: %w", err)
	}
	row := db.pool.QueryRow(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE org_id = $1 AND entity_type = $2 AND NOT is_deleted
		  AND (core || custom) @> $3
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		orgID, entityType, probeB)
	return scanEntity(row)
}
