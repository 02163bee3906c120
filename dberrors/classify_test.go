package dberrors

import (
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyConstraintVariants(t *testing.T) {
	var cases = []struct {
		name string
		err  sqlite3.Error
		want Kind
	}{
		{"not-null", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}, KindNotNullViolation},
		{"unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, KindUniqueViolation},
		{"primary-key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, KindUniqueViolation},
		{"check", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, KindGenericConstraintViolation},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, KindTransient},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, KindTransient},
		{"corrupt", sqlite3.Error{Code: sqlite3.ErrCorrupt}, KindFatalCorruption},
		{"notadb", sqlite3.Error{Code: sqlite3.ErrNotADB}, KindFatalCorruption},
		{"other", sqlite3.Error{Code: sqlite3.ErrIoErr}, KindGeneric},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got = Classify("insert into t", tc.err, nil, "")
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.Kind)
			assert.Equal(t, "insert into t", got.SQL)
			assert.Equal(t, tc.err.Code, got.PrimaryCode)
		})
	}
}

func TestClassifyNonSqliteError(t *testing.T) {
	var got = Classify("select 1", assertError("boom"), nil, "")
	require.NotNil(t, got)
	assert.Equal(t, KindGeneric, got.Kind)
}

func TestInferColumnExcludesAutoIncrementPK(t *testing.T) {
	var msg = "UNIQUE constraint failed: widgets.id, widgets.name"
	assert.Equal(t, "name", inferColumn(msg, []string{"id", "name"}, "id"))
	assert.Equal(t, "", inferColumn(msg, []string{"id"}, "id"))
	assert.Equal(t, "", inferColumn("no column mentioned here", []string{"id", "name"}, ""))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, IsTransient(sqlite3.Error{Code: sqlite3.ErrIoErr}))

	assert.True(t, IsTransient(New(KindTransient, "", nil)))
	assert.True(t, IsTransient(New(KindWriteLockTimeout, "", nil)))
	assert.False(t, IsTransient(New(KindGeneric, "", nil)))
}

func TestErrorUnwrapAndIs(t *testing.T) {
	var cause = assertError("engine failure")
	var e = New(KindUniqueViolation, "insert into t", cause)
	assert.True(t, Is(e, KindUniqueViolation))
	assert.False(t, Is(e, KindNotFound))

	got, ok := AsError(e)
	require.True(t, ok)
	assert.Equal(t, KindUniqueViolation, got.Kind)
}

type assertError string

func (e assertError) Error() string { return string(e) }
