package deliverable

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds surfaced by the extraction pipeline.
var (
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrSchemaViolation    = errors.New("schema violation")
	ErrInvalidTeam        = errors.New("invalid team")
	ErrInvalidRecord      = errors.New("invalid record")
)

// Error carries a failure kind plus the record position it applies to.
// Index is -1 when the failure is not tied to a single record.
type Error struct {
	Kind  error
	Index int
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": record %d", e.Index)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Unavailable wraps a transport failure.
func Unavailable(err error, format string, args ...any) error {
	return &Error{Kind: ErrServiceUnavailable, Index: -1, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Violation wraps output that does not match the target shape.
func Violation(err error, format string, args ...any) error {
	return &Error{Kind: ErrSchemaViolation, Index: -1, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Invalid reports a record that failed validation at position idx.
func Invalid(kind error, idx int, field, format string, args ...any) error {
	return &Error{Kind: kind, Index: idx, Field: field, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the stable tag for err.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrSchemaViolation):
		return "schema_violation"
	case errors.Is(err, ErrInvalidTeam):
		return "invalid_team"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid_record"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may try the same input again.
func Retryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable)
}
