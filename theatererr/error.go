// Package theatererr implements the error taxonomy of spec.md §7. Every
// error the runtime surfaces across the host/guest boundary, the management
// protocol, and the supervision tree carries one of the Kind values below so
// callers can branch on symbolic kind rather than string-matching messages.
package theatererr

import (
	"errors"
	"fmt"
)

// Kind is a symbolic error category from spec.md §7's taxonomy, not a Go
// type: every Error carries exactly one Kind, and errors.Is against an
// *Error target compares Kind only, ignoring message and cause (see
// Error.Is).
type Kind string

const (
	// ComponentLoad: component bytes invalid or incompatible.
	ComponentLoad Kind = "component_load"
	// MissingImport: component declares an import not resolvable by any handler.
	MissingImport Kind = "missing_import"
	// MissingExport: component is missing a guest export a handler requires.
	MissingExport Kind = "missing_export"
	// HandlerSetup: a handler's setup_host_functions failed.
	HandlerSetup Kind = "handler_setup"
	// PermissionDenied: operation blocked by declared permissions.
	PermissionDenied Kind = "permission_denied"
	// InvalidArgument: caller-supplied data does not meet contract.
	InvalidArgument Kind = "invalid_argument"
	// NotFound: actor/label/content unknown.
	NotFound Kind = "not_found"
	// Busy: bounded queue full.
	Busy Kind = "busy"
	// Timeout: deadline exceeded.
	Timeout Kind = "timeout"
	// Cancelled: operation aborted by shutdown or explicit cancel.
	Cancelled Kind = "cancelled"
	// GuestTrap: WASM execution trapped.
	GuestTrap Kind = "guest_trap"
	// ChainIntegrity: hash linkage mismatch.
	ChainIntegrity Kind = "chain_integrity"
	// Internal: unexpected bug; should be rare.
	Internal Kind = "internal"
)

// Error is the structured error type every host-call, management-protocol,
// and supervision-facing failure is expressed as. It preserves a cause
// chain so errors.Is/As keep working across wrapping, while still exposing
// a stable symbolic Kind for callers that only care about the category.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with the given message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
// If message is empty, the cause's message is reused.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, theatererr.New(theatererr.NotFound, "")) works regardless
// of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Of reports the Kind of err if it is (or wraps) a *Error, and ok=false
// otherwise.
func Of(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}
