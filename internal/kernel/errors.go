package kernel

import "fmt"

// ErrorCode classifies a mutation or read failure for callers. Callers get a
// code, never a stack trace.
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

// ErrorCodes enumerates every code, sorted, for the public surface.
func ErrorCodes() []ErrorCode {
	return []ErrorCode{
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
}

// Error is a typed kernel failure. It wraps the underlying cause so sentinel
// checks with errors.Is keep working through the code.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("kernel: %s", e.Code)
	}
	return fmt.Sprintf("kernel: %s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

func wrapError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}
