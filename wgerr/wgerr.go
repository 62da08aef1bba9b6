// Package wgerr defines the typed error kinds shared across wgrouterd's
// control-plane packages. Every validation, persistence, and external-command
// failure surfaces as one of these kinds so HTTP handlers can map errors to
// status codes without string-matching.
package wgerr

import (
	"errors"
	"fmt"
)

// Kind classifies a control-plane error.
type Kind uint8

const (
	// Unknown is the zero value; never intentionally returned.
	Unknown Kind = iota
	// NotFound indicates a referenced peer, connection, or table doesn't exist.
	NotFound
	// AlreadyExists indicates a duplicate ID was supplied.
	AlreadyExists
	// Forbidden indicates an operation the caller may not perform (mutating
	// thisPeer, removing thisPeer, switching mode with peers configured).
	Forbidden
	// Invalid indicates a validator rejected a field.
	Invalid
	// Conflict indicates a reserved address or exhausted address space.
	Conflict
	// PersistenceCorrupt indicates a state file failed to parse and was
	// self-healed (deleted); the caller should treat state as reset.
	PersistenceCorrupt
	// External indicates a subprocess (ip/iptables/wg/sysctl/ping) failed.
	External
	// InterfaceMissing indicates an operation required the WireGuard
	// interface to exist and it does not yet.
	InterfaceMissing
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case Forbidden:
		return "forbidden"
	case Invalid:
		return "invalid"
	case Conflict:
		return "conflict"
	case PersistenceCorrupt:
		return "persistence_corrupt"
	case External:
		return "external"
	case InterfaceMissing:
		return "interface_missing"
	default:
		return "unknown"
	}
}

// Error is a typed control-plane error. Field is a machine-parseable
// dotted path (e.g. "added_peers.<id>.address") set by validators;
// it is empty for errors that aren't field-scoped.
type Error struct {
	Kind  Kind
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a plain Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a plain Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Field creates a field-scoped error of the given kind.
func Field(kind Kind, field, reason string) *Error {
	return &Error{Kind: kind, Field: field, Msg: reason}
}

// Wrap annotates err with a kind and message, preserving it for errors.Is/As.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it (or something it wraps) is *Error,
// and Unknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err's kind equals kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
