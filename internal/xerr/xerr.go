// Package xerr defines the structured error kinds shared across the
// transform chain and the encryption context (spec.md §7).
package xerr

import "fmt"

// Kind identifies a class of failure. Kinds are caller-recoverable: every
// operation that returns one leaves its receiver in a well-defined partial
// state safe to discard.
type Kind string

const (
	XMLFailed          Kind = "XML_FAILED"
	XMLSecFailed       Kind = "XMLSEC_FAILED"
	XSLTFailed         Kind = "XSLT_FAILED"
	MallocFailed       Kind = "MALLOC_FAILED"
	InvalidNode        Kind = "INVALID_NODE"
	UnexpectedNode     Kind = "UNEXPECTED_NODE"
	InvalidNodeContent Kind = "INVALID_NODE_CONTENT"
	InvalidData        Kind = "INVALID_DATA"
	InvalidType        Kind = "INVALID_TYPE"
	InvalidStatus      Kind = "INVALID_STATUS"
	KeyNotFound        Kind = "KEY_NOT_FOUND"
	InvalidURI         Kind = "INVALID_URI"
)

// Error carries a failure kind plus structured annotations identifying where
// it happened (which node or transform) and, where relevant, a quantitative
// detail (a size, a count). It replaces the source's macro-based error
// reporting; logging is left to the caller.
type Error struct {
	Kind     Kind
	Location string // node name or transform/stage name
	Detail   string
	Size     int64 // quantitative annotation; 0 if not applicable
	Cause    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("xmlenc: %s", e.Kind)
	if e.Location != "" {
		msg += fmt.Sprintf(" at %s", e.Location)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Size != 0 {
		msg += fmt.Sprintf(" (size=%d)", e.Size)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Kind wrapped in an Error,
// so callers can write errors.Is(err, xerr.New(xerr.KeyNotFound, "", "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an Error for the given kind, location, and human-readable detail.
func New(kind Kind, location, detail string) *Error {
	return &Error{Kind: kind, Location: location, Detail: detail}
}

// Wrap builds an Error around an existing error (a collaborator failure).
func Wrap(kind Kind, location string, cause error) *Error {
	return &Error{Kind: kind, Location: location, Cause: cause}
}

// WithSize attaches a quantitative annotation and returns the same Error.
func (e *Error) WithSize(n int64) *Error {
	e.Size = n
	return e
}
