// Package importer runs bulk migration jobs: it maps and transforms source
// records, classifies them against canonical entities, resolves conflicts per
// policy, and drives the mutation kernel's write path with per-record failure
// isolation.
package importer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/merge"
)

// FieldMapping maps one source field to a canonical field through an ordered
// transform chain.
type FieldMapping struct {
	Source     string      `json:"source" yaml:"source"`
	Target     string      `json:"target" yaml:"target"`
	Transforms []Transform `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

// Job is the configuration for one migration run.
type Job struct {
	ID         uuid.UUID       `json:"id" yaml:"id"`
	Name       string          `json:"name" yaml:"name"`
	OrgID      uuid.UUID       `json:"org_id" yaml:"org_id"`
	EntityType string          `json:"entity_type" yaml:"entity_type"`
	Source     map[string]any  `json:"source,omitempty" yaml:"source,omitempty"`
	Mappings   []FieldMapping  `json:"mappings" yaml:"mappings"`
	MatchKeys  []string        `json:"match_keys,omitempty" yaml:"match_keys,omitempty"`
	Policy     merge.PolicySet `json:"policy" yaml:"policy"`
}

// Validate checks the job configuration before any record is touched.
func (j Job) Validate() error {
	if j.OrgID == uuid.Nil {
		return fmt.Errorf("importer: job %q: missing org id", j.Name)
	}
	if j.EntityType == "" {
		return fmt.Errorf("importer: job %q: missing entity type", j.Name)
	}
	if len(j.Mappings) == 0 {
		return fmt.Errorf("importer: job %q: no field mappings", j.Name)
	}
	targets := make(map[string]bool, len(j.Mappings))
	for _, m := range j.Mappings {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("importer: job %q: mapping with empty source or target", j.Name)
		}
		if targets[m.Target] {
			return fmt.Errorf("importer: job %q: duplicate mapping target %q", j.Name, m.Target)
		}
		targets[m.Target] = true
		for _, tr := range m.Transforms {
			if !ValidTransform(tr) {
				return fmt.Errorf("importer: job %q: unknown transform %q", j.Name, tr)
			}
		}
	}
	for _, k := range j.MatchKeys {
		if !targets[k] {
			return fmt.Errorf("importer: job %q: match key %q is not a mapping target", j.Name, k)
		}
	}
	if err := j.Policy.Validate(); err != nil {
		return fmt.Errorf("importer: job %q: %w", j.Name, err)
	}
	return nil
}

// Result holds the per-job outcome counters. Updated counts conflicting
// records resolved by straight overwrite; Merged counts field-wise
// resolutions. Loaded and Quarantined are derived, which keeps the count
// invariant true by construction.
type Result struct {
	Processed    int64 `json:"records_processed"`
	Created      int64 `json:"records_created"`
	Updated      int64 `json:"records_updated"`
	Merged       int64 `json:"records_merged"`
	Skipped      int64 `json:"records_skipped"`
	Failed       int64 `json:"records_failed"`
	ManualReview int64 `json:"records_manual_review"`
}

// Loaded is the number of records that reached canonical data.
func (r Result) Loaded() int64 { return r.Created + r.Updated + r.Merged }

// Quarantined is the number of records excluded from canonical data by failure.
func (r Result) Quarantined() int64 { return r.Failed }

// Evidence carries the job-scoped ids of persisted merge evidence and
// manual-review records, referenced by the signed report.
type Evidence struct {
	MergeEvidenceIDs []uuid.UUID `json:"merge_evidence_ids"`
	ReviewIDs        []uuid.UUID `json:"review_ids"`
}
