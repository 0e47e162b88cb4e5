package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/torii-data/torii/internal/merge"
)

// MatchedEntity is a canonical entity candidate found by match keys, with its
// core and custom fields flattened into one comparison map.
type MatchedEntity struct {
	ID      uuid.UUID
	Version int64
	Fields  map[string]any
}

// EntityWriter is the slice of the mutation kernel the runner drives.
type EntityWriter interface {
	// Create writes a new entity and returns its id and version.
	Create(ctx context.Context, orgID uuid.UUID, entityType string, record map[string]any) (uuid.UUID, int64, error)
	// Update writes record over an existing entity, guarded by expectedVersion.
	Update(ctx context.Context, orgID uuid.UUID, entityType string, id uuid.UUID, record map[string]any, expectedVersion int64) (int64, error)
}

// EntityFinder locates a canonical match for an incoming record.
type EntityFinder interface {
	// FindByMatchKeys returns the matched entity or nil when there is none.
	FindByMatchKeys(ctx context.Context, orgID uuid.UUID, entityType string, keys map[string]any) (*MatchedEntity, error)
}

// EvidenceStore persists job-scoped merge evidence and manual-review records.
type EvidenceStore interface {
	InsertMergeEvidence(ctx context.Context, jobID, orgID, entityID uuid.UUID, decisions []merge.FieldDecision) (uuid.UUID, error)
	InsertReviewItem(ctx context.Context, jobID, orgID uuid.UUID, entityType string, record map[string]any, reason string) (uuid.UUID, error)
}

// Runner executes migration jobs.
type Runner struct {
	writer   EntityWriter
	finder   EntityFinder
	evidence EvidenceStore
	logger   *slog.Logger

	// Concurrency bounds parallel record processing. Records are independent
	// small transactions, so parallelism never widens a failure domain.
	Concurrency int
}

// NewRunner wires a runner. Concurrency defaults to 4.
func NewRunner(writer EntityWriter, finder EntityFinder, evidence EvidenceStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		writer:      writer,
		finder:      finder,
		evidence:    evidence,
		logger:      logger,
		Concurrency: 4,
	}
}

// counters accumulate outcomes across worker goroutines.
type counters struct {
	processed, created, updated, merged, skipped, failed, manual atomic.Int64
}

func (c *counters) result() Result {
	return Result{
		Processed:    c.processed.Load(),
		Created:      c.created.Load(),
		Updated:      c.updated.Load(),
		Merged:       c.merged.Load(),
		Skipped:      c.skipped.Load(),
		Failed:       c.failed.Load(),
		ManualReview: c.manual.Load(),
	}
}

// Run processes every source record through mapping, conflict detection, and
// the kernel write path. A failing record is quarantined (counted as failed)
// and never aborts the batch; only context cancellation stops the run early.
func (r *Runner) Run(ctx context.Context, job Job, records []map[string]any) (Result, Evidence, error) {
	if err := job.Validate(); err != nil {
		return Result{}, Evidence{}, err
	}

	var (
		cnt counters
		mu  sync.Mutex
		ev  Evidence
	)

	g, gctx := errgroup.WithContext(ctx)
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, record := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cnt.processed.Add(1)

			out := r.processRecord(gctx, job, record)
			switch out.kind {
			case outcomeCreated:
				cnt.created.Add(1)
			case outcomeUpdated:
				cnt.updated.Add(1)
				if out.evidenceID != uuid.Nil {
					mu.Lock()
					ev.MergeEvidenceIDs = append(ev.MergeEvidenceIDs, out.evidenceID)
					mu.Unlock()
				}
			case outcomeMerged:
				cnt.merged.Add(1)
				if out.evidenceID != uuid.Nil {
					mu.Lock()
					ev.MergeEvidenceIDs = append(ev.MergeEvidenceIDs, out.evidenceID)
					mu.Unlock()
				}
			case outcomeSkipped:
				cnt.skipped.Add(1)
			case outcomeManual:
				cnt.manual.Add(1)
				mu.Lock()
				ev.ReviewIDs = append(ev.ReviewIDs, out.reviewID)
				mu.Unlock()
			case outcomeFailed:
				cnt.failed.Add(1)
				r.logger.Warn("importer: record quarantined",
					"job", job.Name, "record_index", i, "error", out.err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return cnt.result(), ev, fmt.Errorf("importer: job %q aborted: %w", job.Name, err)
	}
	return cnt.result(), ev, nil
}

type outcomeKind int

const (
	outcomeCreated outcomeKind = iota
	outcomeUpdated
	outcomeMerged
	outcomeSkipped
	outcomeManual
	outcomeFailed
)

// outcome is the tagged per-record result. Failures ride in the err field
// instead of propagating, so one bad record never aborts the batch.
type outcome struct {
	kind       outcomeKind
	evidenceID uuid.UUID
	reviewID   uuid.UUID
	err        error
}

func failedOutcome(err error) outcome { return outcome{kind: outcomeFailed, err: err} }

func (r *Runner) processRecord(ctx context.Context, job Job, record map[string]any) outcome {
	mapped, err := applyMappings(job.Mappings, record)
	if err != nil {
		return failedOutcome(err)
	}

	matched, err := r.findMatch(ctx, job, mapped)
	if err != nil {
		return failedOutcome(err)
	}

	var existingFields map[string]any
	if matched != nil {
		existingFields = matched.Fields
	}
	det := merge.Classify(mapped, existingFields)

	switch det.Class {
	case merge.ClassNew:
		if _, _, err := r.writer.Create(ctx, job.OrgID, job.EntityType, mapped); err != nil {
			return failedOutcome(err)
		}
		return outcome{kind: outcomeCreated}

	case merge.ClassDuplicate:
		return outcome{kind: outcomeSkipped}

	case merge.ClassConflicting:
		return r.resolveConflict(ctx, job, det, mapped, matched)

	default:
		return failedOutcome(fmt.Errorf("importer: unexpected classification %v", det.Class))
	}
}

func (r *Runner) resolveConflict(ctx context.Context, job Job, det merge.Detection, mapped map[string]any, matched *MatchedEntity) outcome {
	res := merge.Resolve(job.Policy, det, mapped, matched.Fields)
	switch res.Action {
	case merge.ActionSkip:
		return outcome{kind: outcomeSkipped}

	case merge.ActionManual:
		reviewID, err := r.evidence.InsertReviewItem(ctx, job.ID, job.OrgID, job.EntityType, mapped, res.ManualReason)
		if err != nil {
			return failedOutcome(err)
		}
		return outcome{kind: outcomeManual, reviewID: reviewID}

	case merge.ActionWrite:
		if _, err := r.writer.Update(ctx, job.OrgID, job.EntityType, matched.ID, res.Merged, matched.Version); err != nil {
			return failedOutcome(err)
		}
		evidenceID, err := r.evidence.InsertMergeEvidence(ctx, job.ID, job.OrgID, matched.ID, res.Decisions)
		if err != nil {
			// The merge itself is committed; a missing evidence row is an
			// observability gap, not a data defect.
			r.logger.Error("importer: merge evidence insert failed",
				"job", job.Name, "entity_id", matched.ID, "error", err)
		}
		// Straight overwrites count as updated; field-wise resolutions as merged.
		kind := outcomeMerged
		if res.Overwritten {
			kind = outcomeUpdated
		}
		return outcome{kind: kind, evidenceID: evidenceID}

	default:
		return failedOutcome(fmt.Errorf("importer: unexpected resolution action %d", res.Action))
	}
}

// findMatch builds the match-key probe from the mapped record. A record
// missing any match key value cannot match and is treated as new.
func (r *Runner) findMatch(ctx context.Context, job Job, mapped map[string]any) (*MatchedEntity, error) {
	if len(job.MatchKeys) == 0 {
		return nil, nil
	}
	probe := make(map[string]any, len(job.MatchKeys))
	for _, k := range job.MatchKeys {
		v, ok := mapped[k]
		if !ok || v == nil || v == "" {
			return nil, nil
		}
		probe[k] = v
	}
	return r.finder.FindByMatchKeys(ctx, job.OrgID, job.EntityType, probe)
}
