package torii

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/importer"
	"github.com/torii-data/torii/internal/kernel"
	"github.com/torii-data/torii/internal/merge"
	"github.com/torii-data/torii/internal/ratelimit"
	"github.com/torii-data/torii/internal/report"
	"github.com/torii-data/torii/internal/storage"
)

// Migrator runs bulk migration jobs against a Kernel. Every record write goes
// through the kernel's full mutation path, so migration data obeys the same
// allowlists, version guards, and audit logging as interactive writes.
type Migrator struct {
	k *Kernel
}

// NewMigrator returns a migrator bound to k.
func NewMigrator(k *Kernel) *Migrator {
	return &Migrator{k: k}
}

// RunJob executes one migration job over records and returns its outcome with
// the signed report. A failing record is quarantined and never aborts the
// batch. Concurrent runs per tenant are bounded by the job quota; an
// exhausted quota returns CodeRateLimited.
func (m *Migrator) RunJob(ctx context.Context, mctx Context, job MigrationJob, records []map[string]any) (*MigrationOutcome, error) {
	if mctx.OrgID == uuid.Nil {
		return nil, &Error{Code: CodeValidation, Err: fmt.Errorf("missing tenant")}
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}

	ijob := toInternalJob(job, mctx.OrgID)
	if err := ijob.Validate(); err != nil {
		return nil, &Error{Code: CodeValidation, Err: err}
	}

	if err := m.k.quota.Acquire(ctx, mctx.OrgID); err != nil {
		if errors.Is(err, ratelimit.ErrQuotaExhausted) {
			return nil, &Error{Code: CodeRateLimited, Err: err}
		}
		return nil, fmt.Errorf("acquire job slot: %w", err)
	}
	defer m.k.quota.Release(ctx, mctx.OrgID)

	if err := m.k.db.InsertMigrationJob(ctx, ijob.ID, mctx.OrgID, ijob.Name, ijob.EntityType, ijob); err != nil {
		return nil, err
	}

	runner := importer.NewRunner(
		&migrationWriter{k: m.k, mctx: mctx},
		&migrationFinder{db: m.k.db},
		m.k.db,
		m.k.logger,
	)
	runner.Concurrency = m.k.cfg.ImportConcurrency

	result, evidence, runErr := runner.Run(ctx, ijob, records)
	if runErr != nil {
		// Aborted mid-batch (context cancellation). Partial counters are still
		// the truth of what committed; record them with the failure.
		_ = m.k.db.FinishMigrationJob(ctx, ijob.ID, storage.JobStatusFailed, toPublicResult(result))
		return nil, fmt.Errorf("migration job %q: %w", ijob.Name, runErr)
	}

	rep, err := report.Build(ijob, result, evidence, report.Inputs{
		SourceSchemaFingerprint: job.SourceSchemaFingerprint,
		EntityTypes:             m.k.registry.Snapshot(),
	})
	if err != nil {
		_ = m.k.db.FinishMigrationJob(ctx, ijob.ID, storage.JobStatusFailed, toPublicResult(result))
		return nil, fmt.Errorf("build report: %w", err)
	}

	bodyJSON, err := json.Marshal(rep.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal report body: %w", err)
	}
	if err := m.k.db.InsertSignedReport(ctx, ijob.ID, mctx.OrgID, bodyJSON, rep.Hash); err != nil {
		return nil, err
	}

	pubResult := toPublicResult(result)
	if err := m.k.db.FinishMigrationJob(ctx, ijob.ID, storage.JobStatusCompleted, pubResult); err != nil {
		return nil, err
	}
	m.k.meter.MeterJobRun(ctx, mctx.OrgID)

	m.k.logger.Info("migration job completed",
		"job", ijob.Name, "job_id", ijob.ID,
		"processed", pubResult.Processed, "loaded", pubResult.Loaded, "quarantined", pubResult.Quarantined)

	return &MigrationOutcome{
		JobID:  ijob.ID,
		Result: pubResult,
		Report: SignedReport{Body: bodyJSON, Hash: rep.Hash},
	}, nil
}

// VerifyReport re-derives the aggregate hash of a stored report body and
// compares it to the stored hash. The body is canonicalized structurally, so
// database round-tripping of the JSON never breaks verification.
func (m *Migrator) VerifyReport(ctx context.Context, mctx Context, jobID uuid.UUID) (bool, error) {
	body, hash, err := m.k.db.GetSignedReport(ctx, mctx.OrgID, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, &Error{Code: CodeNotFound, Err: fmt.Errorf("no report for job %s", jobID)}
		}
		return false, err
	}
	var b report.Body
	if err := json.Unmarshal(body, &b); err != nil {
		return false, fmt.Errorf("decode report body: %w", err)
	}
	return report.Verify(report.Report{Body: b, Hash: hash})
}

// VerifyPayload authenticates an inbound source payload against its
// signature. With no verifier configured, every payload is rejected.
func (m *Migrator) VerifyPayload(signature string, body []byte) bool {
	if m.k.verifier == nil {
		return false
	}
	return m.k.verifier.VerifyWebhookSignature(signature, body)
}

// toInternalJob converts the public job configuration, stamping the tenant
// from the caller context rather than trusting the job document.
func toInternalJob(job MigrationJob, orgID uuid.UUID) importer.Job {
	mappings := make([]importer.FieldMapping, len(job.Mappings))
	for i, fm := range job.Mappings {
		trs := make([]importer.Transform, len(fm.Transforms))
		for j, t := range fm.Transforms {
			trs[j] = importer.Transform(t)
		}
		mappings[i] = importer.FieldMapping{Source: fm.Source, Target: fm.Target, Transforms: trs}
	}
	fields := make(map[string]merge.Rule, len(job.Policy.Fields))
	for f, r := range job.Policy.Fields {
		fields[f] = merge.Rule(r)
	}
	return importer.Job{
		ID:         job.ID,
		Name:       job.Name,
		OrgID:      orgID,
		EntityType: job.EntityType,
		Source:     job.Source,
		Mappings:   mappings,
		MatchKeys:  job.MatchKeys,
		Policy:     merge.PolicySet{Default: merge.Strategy(job.Policy.Default), Fields: fields},
	}
}

func toPublicResult(r importer.Result) MigrationResult {
	return MigrationResult{
		Processed:    r.Processed,
		Created:      r.Created,
		Updated:      r.Updated,
		Merged:       r.Merged,
		Skipped:      r.Skipped,
		Failed:       r.Failed,
		ManualReview: r.ManualReview,
		Loaded:       r.Loaded(),
		Quarantined:  r.Quarantined(),
	}
}

// migrationWriter drives the kernel mutation path for the import runner.
// Mapped records are flat; fields outside the allowlist are nested under the
// type's custom-data key so tenant-defined targets survive the write adapter.
type migrationWriter struct {
	k    *Kernel
	mctx Context
}

func (w *migrationWriter) Create(ctx context.Context, orgID uuid.UUID, entityType string, record map[string]any) (uuid.UUID, int64, error) {
	payload, err := w.nestCustomFields(entityType, record)
	if err != nil {
		return uuid.Nil, 0, err
	}
	receipt, err := w.k.inner.Mutate(ctx, toInternalContext(w.mctx), kernel.MutationSpec{
		EntityType: entityType,
		Op:         kernel.OpCreate,
		Payload:    payload,
	})
	if err != nil {
		return uuid.Nil, 0, err
	}
	return receipt.EntityID, receipt.Version, nil
}

func (w *migrationWriter) Update(ctx context.Context, orgID uuid.UUID, entityType string, id uuid.UUID, record map[string]any, expectedVersion int64) (int64, error) {
	payload, err := w.nestCustomFields(entityType, record)
	if err != nil {
		return 0, err
	}
	receipt, err := w.k.inner.Mutate(ctx, toInternalContext(w.mctx), kernel.MutationSpec{
		EntityType:      entityType,
		Op:              kernel.OpUpdate,
		EntityID:        id,
		Payload:         payload,
		ExpectedVersion: &expectedVersion,
	})
	if err != nil {
		return 0, err
	}
	return receipt.Version, nil
}

func (w *migrationWriter) nestCustomFields(entityType string, record map[string]any) (map[string]any, error) {
	spec, err := w.k.registry.Lookup(entityType)
	if err != nil {
		return nil, err
	}
	allow := make(map[string]bool, len(spec.Writable))
	for _, f := range spec.Writable {
		allow[f] = true
	}
	key := spec.CustomDataKey
	if key == "" {
		key = entity.DefaultCustomDataKey
	}

	payload := make(map[string]any, len(record))
	custom := make(map[string]any)
	for k, v := range record {
		switch {
		case allow[k]:
			payload[k] = v
		case entity.IsSystemColumn(k):
			// mapped targets never write system columns
		default:
			custom[k] = v
		}
	}
	if len(custom) > 0 {
		payload[key] = custom
	}
	return payload, nil
}

// migrationFinder locates canonical match candidates via the containment
// index. The oldest matching entity wins.
type migrationFinder struct {
	db *storage.DB
}

func (f *migrationFinder) FindByMatchKeys(ctx context.Context, orgID uuid.UUID, entityType string, keys map[string]any) (*importer.MatchedEntity, error) {
	row, err := f.db.FindByMatchKeys(ctx, orgID, entityType, keys)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &importer.MatchedEntity{ID: row.ID, Version: row.Version, Fields: row.Fields()}, nil
}
