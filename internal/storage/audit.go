package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MutationAuditEntry is an append-only audit event for a committed mutation.
type MutationAuditEntry struct {
	RequestID  string
	OrgID      uuid.UUID
	ActorID    uuid.UUID
	Operation  string
	EntityType string
	EntityID   uuid.UUID
	BeforeData any
	AfterData  any
	Metadata   map[string]any
}

// InsertMutationAudit appends a mutation audit event inside the commit
// transaction, so the audit row and the entity change land atomically. The
// target table is immutable.
func (db *DB) InsertMutationAudit(ctx context.Context, q querier, e MutationAuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}

	var (
		beforeJSON []byte
		afterJSON  []byte
		err        error
	)
	if e.BeforeData != nil {
		beforeJSON, err = json.Marshal(e.BeforeData)
		if err != nil {
			return fmt.Errorf("storage: marshal mutation audit before_data: %w", err)
		}
	}
	if e.AfterData != nil {
		afterJSON, err = json.Marshal(e.AfterData)
		if err != nil {
			return fmt.Errorf("storage: marshal mutation audit after_data: %w", err)
		}
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal mutation audit metadata: %w", err)
	}

	_, err = q.Exec(ctx,
		`INSERT INTO mutation_audit_log (
		     request_id, org_id, actor_id, operation, entity_type, entity_id,
		     before_data, after_data, metadata
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb)`,
		e.RequestID, e.OrgID, e.ActorID, e.Operation, e.EntityType, e.EntityID,
		beforeJSON, afterJSON, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert mutation audit: %w", err)
	}
	return nil
}
