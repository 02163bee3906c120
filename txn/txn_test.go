package txn

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.litecore.dev/store/dberrors"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1) // one connection: SAVEPOINT state is connection-local
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(`create table rows20 (id integer primary key)`)
	require.NoError(t, err)
	for i := 1; i <= 20; i++ {
		_, err = db.Exec(`insert into rows20(id) values (?)`, i)
		require.NoError(t, err)
	}
	return db
}

func rowCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`select count(*) from rows20`).Scan(&n))
	return n
}

// TestNestedSavepointRollbackPreservesOuterWork covers a table of 20
// rows; inside an outer savepoint delete row 1; inside a nested
// savepoint delete row 2 and fail; the inner delete rolls back while
// the outer delete survives, leaving 19 rows.
func TestNestedSavepointRollbackPreservesOuterWork(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	outer, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Depth())

	_, err = db.ExecContext(ctx, `delete from rows20 where id = 1`)
	require.NoError(t, err)

	inner, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Depth())

	_, err = db.ExecContext(ctx, `delete from rows20 where id = 2`)
	require.NoError(t, err)

	require.NoError(t, c.RollbackTo(ctx, inner, false))
	assert.Equal(t, 2, c.Depth())

	require.NoError(t, c.Release(ctx, outer, true))
	assert.Equal(t, 1, c.Depth())

	require.NoError(t, c.Commit(ctx, true))
	assert.Equal(t, 0, c.Depth())

	assert.Equal(t, 19, rowCount(t, db))
}

// TestWellBalancedSequenceReturnsDepthToZero exercises a longer mixed
// sequence of begin/savepoint/release/rollback/commit calls and checks
// depth returns to 0 whenever every open scope was matched by a close.
func TestWellBalancedSequenceReturnsDepthToZero(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	sp1, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	sp2, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, sp2, true))
	sp3, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, sp3, true))
	require.NoError(t, c.Release(ctx, sp1, true))
	require.NoError(t, c.Commit(ctx, true))

	assert.Equal(t, 0, c.Depth())
	assert.False(t, c.InTransaction())
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	var boom = errors.New("boom")
	err := c.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, `delete from rows20 where id = 3`)
		require.NoError(t, err)
		return boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, c.Depth())
	assert.Equal(t, 20, rowCount(t, db))

	require.NoError(t, c.Commit(ctx, true))
}

func TestRunInTransactionCommitsOnSuccess(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	err := c.RunInTransaction(ctx, func(ctx context.Context) error {
		_, err := db.ExecContext(ctx, `delete from rows20 where id = 3`)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, c.Commit(ctx, true))

	assert.Equal(t, 19, rowCount(t, db))
}

func TestBeginTwiceFailsWithAlreadyInTransaction(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	err := c.BeginTransaction(ctx)
	require.Error(t, err)
	assert.True(t, dberrors.Is(err, dberrors.KindAlreadyInTransaction))

	require.NoError(t, c.Commit(ctx, true))
}

func TestReleaseWithOutOfRangeDepthFails(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	sp, err := c.SaveTransactionPoint(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Release(ctx, sp, true))

	// Releasing the same savepoint twice: depth is already back at 1,
	// so the recorded depth (1) is no longer < current depth (1).
	err = c.Release(ctx, sp, true)
	require.Error(t, err)
	assert.True(t, dberrors.Is(err, dberrors.KindBadSavepoint))

	require.NoError(t, c.Commit(ctx, true))
}

// TestCommitFailureRecoversConnection reproduces the shape of a
// COMMIT that fails against a connection still holding a write lock:
// Commit(rollbackOnFailure=true) must leave the connection usable for
// a fresh BeginTransaction afterward.
func TestCommitFailureRecoversConnection(t *testing.T) {
	var ctx = context.Background()
	var db = openMemory(t)
	var c = New(db)

	require.NoError(t, c.BeginTransaction(ctx))
	_, err := db.ExecContext(ctx, `delete from rows20 where id = 4`)
	require.NoError(t, err)

	// Simulate an unrelated failed COMMIT attempt by rolling back
	// directly underneath the controller, then confirm Commit's
	// bookkeeping still allows a subsequent transaction to start.
	_, err = db.ExecContext(ctx, `ROLLBACK`)
	require.NoError(t, err)

	// The controller still thinks depth is 1; Commit will attempt a
	// COMMIT with no open transaction, which sqlite rejects, and the
	// rollback-on-failure path must not panic.
	_ = c.Commit(ctx, true)
	assert.Equal(t, 0, c.Depth())

	require.NoError(t, c.BeginTransaction(ctx))
	require.NoError(t, c.Commit(ctx, true))
}
