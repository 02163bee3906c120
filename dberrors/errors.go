// Package dberrors defines the typed error taxonomy surfaced by every
// component of go.litecore.dev/store. Errors are surface-stable: callers
// pattern-match on Kind rather than parsing message text.
package dberrors

import (
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Kind classifies an Error. Values are stable and safe to compare with ==.
type Kind int

const (
	// KindGeneric is a non-constraint engine error not otherwise classified.
	KindGeneric Kind = iota
	// KindNotNullViolation is a NOT NULL constraint failure.
	KindNotNullViolation
	// KindUniqueViolation is a UNIQUE (or PRIMARY KEY) constraint failure.
	KindUniqueViolation
	// KindGenericConstraintViolation is any other constraint failure
	// (CHECK, FOREIGN KEY, etc).
	KindGenericConstraintViolation
	// KindTransient is a busy/locked condition that the caller's retry
	// loop should retry.
	KindTransient
	// KindRetryExhausted wraps the last transient error after the
	// configured retry budget is exhausted.
	KindRetryExhausted
	// KindWriteLockTimeout is returned when the write lock could not be
	// acquired within the configured timeout.
	KindWriteLockTimeout
	// KindAlreadyInTransaction is returned by BeginTransaction when the
	// transaction depth is already non-zero.
	KindAlreadyInTransaction
	// KindBadSavepoint is returned when a savepoint name cannot be parsed.
	KindBadSavepoint
	// KindUnsupportedOperation covers operations the descriptor cannot
	// support, eg update-by-non-unique-column or delete without a PK.
	KindUnsupportedOperation
	// KindUnsupportedBinding is returned by the value codec for host
	// values with no SQLite storage-class mapping.
	KindUnsupportedBinding
	// KindNotFound is returned by Get when no row matches the primary key.
	KindNotFound
	// KindFatalCorruption covers SQLITE_CORRUPT / SQLITE_NOTADB.
	KindFatalCorruption
	// KindDisposed is returned by any operation on a closed resource.
	KindDisposed
	// KindInvalidArgument covers caller misuse detected before any engine
	// call is made.
	KindInvalidArgument
)

func (k Kind) String() string {
	switch k {
	case KindGeneric:
		return "generic-engine-error"
	case KindNotNullViolation:
		return "not-null-violation"
	case KindUniqueViolation:
		return "unique-violation"
	case KindGenericConstraintViolation:
		return "generic-constraint-violation"
	case KindTransient:
		return "transient"
	case KindRetryExhausted:
		return "retry-exhausted"
	case KindWriteLockTimeout:
		return "write-lock-timeout"
	case KindAlreadyInTransaction:
		return "already-in-transaction"
	case KindBadSavepoint:
		return "bad-savepoint"
	case KindUnsupportedOperation:
		return "unsupported-operation"
	case KindUnsupportedBinding:
		return "unsupported-binding"
	case KindNotFound:
		return "not-found"
	case KindFatalCorruption:
		return "fatal-corruption"
	case KindDisposed:
		return "disposed"
	case KindInvalidArgument:
		return "invalid-argument"
	default:
		return "unknown"
	}
}

// Error is the error type returned by every component in this module.
// It always carries a Kind and, when known, the offending SQL text.
type Error struct {
	Kind Kind
	// SQL is the offending statement text, or empty for control
	// operations (BEGIN, SAVEPOINT, ...).
	SQL string
	// PrimaryCode is the low-8-bit SQLite primary result code.
	PrimaryCode sqlite3.ErrNo
	// ExtendedCode is the full SQLite extended result code.
	ExtendedCode int
	// Column is the offending column name, populated only for
	// not-null/unique violations when it could be inferred from the
	// engine's error text.
	Column *string

	cause error
}

func (e *Error) Error() string {
	var msg = e.Kind.String()
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.cause.Error())
	}
	if e.Column != nil {
		msg = fmt.Sprintf("%s (column %q)", msg, *e.Column)
	}
	if e.SQL != "" {
		msg = fmt.Sprintf("%s [sql: %s]", msg, e.SQL)
	}
	return msg
}

// Unwrap allows errors.Is / errors.As to see through to the underlying
// engine error.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given Kind, wrapping cause (may be nil)
// with a message via github.com/pkg/errors so the resulting error
// chains the way the rest of the corpus does.
func New(kind Kind, sql string, cause error) *Error {
	var e = &Error{Kind: kind, SQL: sql}
	if cause != nil {
		e.cause = errors.WithMessage(cause, kind.String())
	}
	return e
}

// Newf is New with a formatted cause message and no underlying error.
func Newf(kind Kind, sql string, format string, args ...interface{}) *Error {
	return New(kind, sql, errors.Errorf(format, args...))
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// AsError extracts the *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	var ok = errors.As(err, &e)
	return e, ok
}
