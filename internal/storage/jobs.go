package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/torii-data/torii/internal/merge"
)

// JobRecord is the persisted state of one migration job run.
type JobRecord struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	Name       string
	EntityType string
	Status     string
	Definition []byte
	Result     []byte
	CreatedAt  time.Time
	FinishedAt *time.Time
}

// Job status values.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// InsertMigrationJob records the start of a job run with its full definition.
func (db *DB) InsertMigrationJob(ctx context.Context, id, orgID uuid.UUID, name, entityType string, definition any) error {
	defJSON, err := json.Marshal(definition)
	if err != nil {
		return fmt.Errorf("storage: marshal job definition: %w", err)
	}
	_, err = db.pool.Exec(ctx, `
		INSERT INTO migration_jobs (id, org_id, name, entity_type, status, definition)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		id, orgID, name, entityType, JobStatusRunning, defJSON)
	if err != nil {
		return fmt.Errorf("storage: insert migration job: %w", err)
	}
	return nil
}

// FinishMigrationJob stores the final status and result counters for a run.
func (db *DB) FinishMigrationJob(ctx context.Context, id uuid.UUID, status string, result any) error {
	resJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal job result: %w", err)
	}
	tag, err := db.pool.Exec(ctx, `
		UPDATE migration_jobs
		SET status = $1, result = $2::jsonb, finished_at = now()
		WHERE id = $3`,
		status, resJSON, id)
	if err != nil {
		return fmt.Errorf("storage: finish migration job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMigrationJob fetches one job run by id.
func (db *DB) GetMigrationJob(ctx context.Context, orgID, id uuid.UUID) (*JobRecord, error) {
	var j JobRecord
	err := db.pool.QueryRow(ctx, `
		SELECT id, org_id, name, entity_type, status, definition, result, created_at, finished_at
		FROM migration_jobs
		WHERE org_id = $1 AND id = $2`,
		orgID, id).Scan(&j.ID, &j.OrgID, &j.Name, &j.EntityType, &j.Status, &j.Definition, &j.Result, &j.CreatedAt, &j.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: get migration job: %w", err)
	}
	return &j, nil
}

// InsertMergeEvidence persists the per-field decisions of one committed merge
// and returns the evidence row id.
func (db *DB) InsertMergeEvidence(ctx context.Context, jobID, orgID, entityID uuid.UUID, decisions []merge.FieldDecision) (uuid.UUID, error) {
	decJSON, err := json.Marshal(decisions)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal merge decisions: %w", err)
	}
	var id uuid.UUID
	err = db.pool.QueryRow(ctx, `
		INSERT INTO merge_evidence (job_id, org_id, entity_id, decisions)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id`,
		jobID, orgID, entityID, decJSON).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert merge evidence: %w", err)
	}
	return id, nil
}

// InsertReviewItem queues a conflicting record for manual review and returns
// the queue row id.
func (db *DB) InsertReviewItem(ctx context.Context, jobID, orgID uuid.UUID, entityType string, record map[string]any, reason string) (uuid.UUID, error) {
	recJSON, err := json.Marshal(record)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: marshal review record: %w", err)
	}
	var id uuid.UUID
	err = db.pool.QueryRow(ctx, `
		INSERT INTO review_queue (job_id, org_id, entity_type, record, reason, status)
		VALUES ($1, $2, $3, $4::jsonb, $5, 'open')
		RETURNING id`,
		jobID, orgID, entityType, recJSON, reason).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: insert review item: %w", err)
	}
	return id, nil
}

// InsertSignedReport stores a report body with its fingerprint. Reports are
// immutable; re-inserting the same job's report is a conflict.
func (db *DB) InsertSignedReport(ctx context.Context, jobID, orgID uuid.UUID, body []byte, hash string) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO signed_reports (job_id, org_id, body, hash)
		VALUES ($1, $2, $3::jsonb, $4)`,
		jobID, orgID, body, hash)
	if err != nil {
		return fmt.Errorf("storage: insert signed report: %w", err)
	}
	return nil
}

// GetSignedReport returns the stored report body and hash for a job.
func (db *DB) GetSignedReport(ctx context.Context, orgID, jobID uuid.UUID) (body []byte, hash string, err error) {
	err = db.pool.QueryRow(ctx, `
		SELECT body, hash FROM signed_reports
		WHERE org_id = $1 AND job_id = $2`,
		orgID, jobID).Scan(&body, &hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("storage: get signed report: %w", err)
	}
	return body, hash, nil
}
