package report

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/torii-data/torii/internal/entity"
	"github.com/torii-data/torii/internal/importer"
	"github.com/torii-data/torii/internal/merge"
)

// Report is the immutable audit artifact for one job run. A re-run produces a
// new report, never an edit.
type Report struct {
	Body Body `json:"body"`
	// Hash is the aggregate digest over Body — the value auditors compare
	// across runs.
	Hash string `json:"report_hash"`
}

// Body is everything covered by the aggregate hash. Field order is part of
// the canonical encoding; append new fields, never reorder.
type Body struct {
	JobID      uuid.UUID      `json:"job_id"`
	JobName    string         `json:"job_name"`
	OrgID      uuid.UUID      `json:"org_id"`
	EntityType string         `json:"entity_type"`
	Source     map[string]any `json:"source_config"`

	// The four independent configuration fingerprints.
	SourceSchemaFingerprint string `json:"source_schema_fingerprint"`
	MappingFingerprint      string `json:"mapping_fingerprint"`
	TransformFingerprint    string `json:"transform_fingerprint"`
	StrategyFingerprint     string `json:"strategy_fingerprint"`

	// Registry snapshot: entity type allowlists plus the closed rule and
	// transform registries the run resolved against.
	EntityTypes []entity.TypeVersion `json:"entity_types"`
	MergeRules  []string             `json:"merge_rules"`
	Transforms  []string             `json:"transforms"`

	Result importer.Result `json:"result"`

	// Job-scoped pointers to persisted evidence, sorted for determinism.
	MergeEvidenceIDs []uuid.UUID `json:"merge_evidence_ids"`
	ReviewIDs        []uuid.UUID `json:"review_ids"`
}

// Inputs are the caller-supplied pieces the builder cannot derive itself.
type Inputs struct {
	// SourceSchemaFingerprint is computed from the source system by the
	// caller; the builder only embeds it.
	SourceSchemaFingerprint string
	// EntityTypes is the registry snapshot at run time.
	EntityTypes []entity.TypeVersion
}

// mappingDigest is the canonical description of one field mapping.
type mappingDigest struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Transforms []string `json:"transforms"`
}

// strategyDigest is the canonical description of the conflict configuration.
type strategyDigest struct {
	Default string            `json:"default"`
	Fields  map[string]string `json:"fields"`
	// Registry pins the full closed rule set, so adding a rule anywhere in
	// the engine changes the fingerprint even for jobs that don't use it.
	Registry []string `json:"registry"`
}

// Build assembles the signed report. Pure: no clock reads, no randomness.
func Build(job importer.Job, result importer.Result, evidence importer.Evidence, in Inputs) (Report, error) {
	mappings := canonicalMappings(job.Mappings)

	mappingFP, err := Fingerprint(mappings)
	if err != nil {
		return Report{}, err
	}

	chains := make([][]string, len(mappings))
	for i, m := range mappings {
		chains[i] = m.Transforms
	}
	transformFP, err := Fingerprint(chains)
	if err != nil {
		return Report{}, err
	}

	fields := make(map[string]string, len(job.Policy.Fields))
	for f, r := range job.Policy.Fields {
		fields[f] = string(r)
	}
	strategyFP, err := Fingerprint(strategyDigest{
		Default:  string(job.Policy.Default),
		Fields:   fields,
		Registry: merge.RuleNames(),
	})
	if err != nil {
		return Report{}, err
	}

	body := Body{
		JobID:                   job.ID,
		JobName:                 job.Name,
		OrgID:                   job.OrgID,
		EntityType:              job.EntityType,
		Source:                  job.Source,
		SourceSchemaFingerprint: in.SourceSchemaFingerprint,
		MappingFingerprint:      mappingFP,
		TransformFingerprint:    transformFP,
		StrategyFingerprint:     strategyFP,
		EntityTypes:             in.EntityTypes,
		MergeRules:              merge.RuleNames(),
		Transforms:              importer.TransformNames(),
		Result:                  result,
		MergeEvidenceIDs:        sortedIDs(evidence.MergeEvidenceIDs),
		ReviewIDs:               sortedIDs(evidence.ReviewIDs),
	}

	hash, err := Fingerprint(body)
	if err != nil {
		return Report{}, fmt.Errorf("report: hash body: %w", err)
	}
	return Report{Body: body, Hash: hash}, nil
}

// Verify recomputes the aggregate hash of r.Body and compares it to r.Hash.
func Verify(r Report) (bool, error) {
	hash, err := Fingerprint(r.Body)
	if err != nil {
		return false, err
	}
	return hash == r.Hash, nil
}

// canonicalMappings sorts by target so that configuration file ordering never
// changes a fingerprint. Chain order within a mapping is preserved: it is
// semantically meaningful.
func canonicalMappings(in []importer.FieldMapping) []mappingDigest {
	out := make([]mappingDigest, len(in))
	for i, m := range in {
		trs := make([]string, len(m.Transforms))
		for j, t := range m.Transforms {
			trs[j] = string(t)
		}
		out[i] = mappingDigest{Source: m.Source, Target: m.Target, Transforms: trs}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func sortedIDs(in []uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if out == nil {
		out = []uuid.UUID{}
	}
	return out
}
