package dberrors

import (
	"strings"

	"github.com/mattn/go-sqlite3"
)

// Classify inspects a raw error returned by mattn/go-sqlite3 and produces
// the corresponding *Error, mapping engine codes as follows:
//
//	constraint-not-null -> KindNotNullViolation
//	constraint-unique    -> KindUniqueViolation
//	any other constraint -> KindGenericConstraintViolation
//	busy / locked         -> KindTransient
//	corrupt / notadb       -> KindFatalCorruption
//	everything else        -> KindGeneric
//
// columns is the ordered list of column names of the table the statement
// targeted (possibly empty, eg for control statements); autoIncPK, if
// non-empty, is excluded from the best-effort column inference since the
// autoincrement PK is never the offending column of a NOT NULL/UNIQUE
// failure by construction.
func Classify(sql string, err error, columns []string, autoIncPK string) *Error {
	if err == nil {
		return nil
	}
	sqErr, ok := err.(sqlite3.Error)
	if !ok {
		return New(KindGeneric, sql, err)
	}

	var kind Kind
	switch {
	case sqErr.Code == sqlite3.ErrConstraint && sqErr.ExtendedCode == sqlite3.ErrConstraintNotNull:
		kind = KindNotNullViolation
	case sqErr.Code == sqlite3.ErrConstraint && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		kind = KindUniqueViolation
	case sqErr.Code == sqlite3.ErrConstraint && sqErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		kind = KindUniqueViolation
	case sqErr.Code == sqlite3.ErrConstraint:
		kind = KindGenericConstraintViolation
	case sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked:
		kind = KindTransient
	case sqErr.Code == sqlite3.ErrCorrupt || sqErr.Code == sqlite3.ErrNotADB:
		kind = KindFatalCorruption
	default:
		kind = KindGeneric
	}

	var e = New(kind, sql, err)
	e.PrimaryCode = sqErr.Code
	e.ExtendedCode = int(sqErr.ExtendedCode)

	if kind == KindNotNullViolation || kind == KindUniqueViolation {
		if col := inferColumn(err.Error(), columns, autoIncPK); col != "" {
			e.Column = &col
		}
	}
	return e
}

// IsTransient reports whether err represents a SQLITE_BUSY / SQLITE_LOCKED
// condition, including one already wrapped as a *Error; a *Error of kind
// KindWriteLockTimeout also counts as transient. Callers use this
// to decide whether a retry loop should attempt the statement again.
func IsTransient(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Kind == KindTransient || e.Kind == KindWriteLockTimeout
	}
	if sqErr, ok := err.(sqlite3.Error); ok {
		return sqErr.Code == sqlite3.ErrBusy || sqErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsUnconditionalRollbackCondition reports whether err represents one of
// the engine conditions under which a failing BEGIN/SAVEPOINT leaves the
// connection in a state that must be met with an unconditional ROLLBACK
// before the caller's error propagates: SQLITE_BUSY, SQLITE_LOCKED,
// SQLITE_FULL, SQLITE_IOERR, SQLITE_NOMEM, and SQLITE_INTERRUPT (primary
// result code, so extended IOERR/BUSY variants match too).
func IsUnconditionalRollbackCondition(err error) bool {
	if IsTransient(err) {
		return true
	}
	sqErr, ok := err.(sqlite3.Error)
	if !ok {
		return false
	}
	switch sqErr.Code {
	case sqlite3.ErrFull, sqlite3.ErrIoErr, sqlite3.ErrNomem, sqlite3.ErrInterrupt:
		return true
	default:
		return false
	}
}

// inferColumn scans the lower-cased engine error text for a column name,
// excluding autoIncPK since an autoincrement PK is never the offending
// column of a NOT NULL/UNIQUE failure by construction.
func inferColumn(msg string, columns []string, autoIncPK string) string {
	var lower = strings.ToLower(msg)
	for _, c := range columns {
		if c == "" || strings.EqualFold(c, autoIncPK) {
			continue
		}
		if strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}
	return ""
}
