package torii

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Context carries the caller's identity and permissions for one call.
// Build with BuildSystemContext or BuildUserContext; immutable, never
// persisted.
type Context struct {
	OrgID   uuid.UUID
	ActorID uuid.UUID
	Scopes  []string
	// System marks trusted in-process callers that hold every scope.
	System bool
}

// MutationSpec describes one requested mutation.
type MutationSpec struct {
	EntityType string
	Op         Op
	// EntityID targets an existing row for update and delete.
	EntityID uuid.UUID
	// Payload is the raw record; non-allowlisted fields are dropped and the
	// custom-data key carries tenant-defined fields.
	Payload map[string]any
	// ExpectedVersion is the optional optimistic concurrency token for update
	// and delete. When set, a mismatch fails with CodeVersionConflict; when
	// nil the write is last-writer-wins.
	ExpectedVersion *int64
}

// Receipt is the immutable outcome of one committed mutation.
type Receipt struct {
	EntityID    uuid.UUID
	Version     int64
	Op          Op
	DocNumber   string
	CommittedAt time.Time
}

// EntityRecord is the public view of a stored entity.
type EntityRecord struct {
	ID         uuid.UUID
	OrgID      uuid.UUID
	EntityType string
	Core       map[string]any
	Custom     map[string]any
	DocNumber  *string
	Version    int64
	CreatedBy  uuid.UUID
	UpdatedBy  uuid.UUID
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ListQuery selects one page of entities.
type ListQuery struct {
	EntityType string
	// Limit caps the page size; zero means the default.
	Limit int
	// Cursor resumes a prior listing. Cursors are bound to the tenant and
	// sort order they were minted for.
	Cursor string
}

// ListResult is one page plus the cursor for the next, empty when exhausted.
type ListResult struct {
	Rows       []EntityRecord
	NextCursor string
}

// EntityType registers one writable entity type with the kernel.
type EntityType struct {
	Name string
	// Writable is the allowlist of caller-writable core fields. System
	// columns can never be allowlisted.
	Writable []string
	// CustomDataKey is the payload key holding the tenant overflow bag.
	// Defaults to "custom_data".
	CustomDataKey string
	// HardDelete permits physical deletion instead of a tombstone.
	HardDelete bool
	// DocNumbered allocates a per-tenant sequential document number on create.
	DocNumbered bool
}

// FieldMapping maps one source field to a canonical field through an ordered
// transform chain.
type FieldMapping struct {
	Source     string   `json:"source" yaml:"source"`
	Target     string   `json:"target" yaml:"target"`
	Transforms []string `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

// MergePolicy configures conflict resolution for a migration job: a default
// strategy (skip, overwrite, merge, manual) plus per-field named rules.
type MergePolicy struct {
	Default string            `json:"default" yaml:"default"`
	Fields  map[string]string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// MigrationJob configures one bulk import run.
type MigrationJob struct {
	ID         uuid.UUID      `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	EntityType string         `json:"entity_type" yaml:"entity_type"`
	Source     map[string]any `json:"source,omitempty" yaml:"source,omitempty"`
	Mappings   []FieldMapping `json:"mappings" yaml:"mappings"`
	MatchKeys  []string       `json:"match_keys,omitempty" yaml:"match_keys,omitempty"`
	Policy     MergePolicy    `json:"policy" yaml:"policy"`
	// SourceSchemaFingerprint is computed from the source system by the
	// caller and embedded verbatim in the signed report.
	SourceSchemaFingerprint string `json:"source_schema_fingerprint,omitempty" yaml:"source_schema_fingerprint,omitempty"`
}

// MigrationResult holds the outcome counters of one job run. Loaded and
// Quarantined are derived from the primary counters.
type MigrationResult struct {
	Processed    int64 `json:"records_processed"`
	Created      int64 `json:"records_created"`
	Updated      int64 `json:"records_updated"`
	Merged       int64 `json:"records_merged"`
	Skipped      int64 `json:"records_skipped"`
	Failed       int64 `json:"records_failed"`
	ManualReview int64 `json:"records_manual_review"`
	Loaded       int64 `json:"records_loaded"`
	Quarantined  int64 `json:"records_quarantined"`
}

// SignedReport is the immutable audit artifact of one job run: the canonical
// report body plus the aggregate hash auditors compare across runs.
type SignedReport struct {
	Body json.RawMessage `json:"body"`
	Hash string          `json:"report_hash"`
}

// MigrationOutcome bundles everything one job run produced.
type MigrationOutcome struct {
	JobID  uuid.UUID
	Result MigrationResult
	Report SignedReport
}

// ErrorCode classifies kernel failures for callers.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "validation_error"
	CodeVersionConflict   ErrorCode = "version_conflict"
	CodeNotFound          ErrorCode = "not_found"
	CodeUnknownEntityType ErrorCode = "unknown_entity_type"
	CodeNoWritableFields  ErrorCode = "no_writable_fields_defined"
	CodeCursorInvalid     ErrorCode = "cursor_invalid"
	CodeRateLimited       ErrorCode = "rate_limited"
	CodeDeliveryFailure   ErrorCode = "delivery_failure"
	CodeRecordQuarantined ErrorCode = "record_quarantined"
)

// KernelErrorCodes enumerates every error code the kernel can return, sorted.
var KernelErrorCodes = []ErrorCode{
	CodeCursorInvalid,
	CodeDeliveryFailure,
	CodeNoWritableFields,
	CodeNotFound,
	CodeRateLimited,
	CodeRecordQuarantined,
	CodeUnknownEntityType,
	CodeValidation,
	CodeVersionConflict,
}

// Error is a typed kernel failure. Use errors.As to extract the code.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("torii: %s", e.Code)
	}
	return fmt.Sprintf("torii: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
