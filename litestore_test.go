package litestore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.litecore.dev/store/txn"
	"go.litecore.dev/store/typecache"
)

type flaggedRow struct {
	ID   int64
	Flag bool
}

func flaggedDescriptor(t *testing.T) *typecache.RecordDescriptor {
	t.Helper()
	var b = typecache.NewBuilder[flaggedRow]().Table("flagged").WithCreateFlags(typecache.AutoIncPK)
	b.Column("ID").PrimaryKey()
	desc, err := b.Build()
	require.NoError(t, err)
	return desc
}

func openConn(t *testing.T, desc *typecache.RecordDescriptor) (*sql.DB, *Connection) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = conn.EnsureSchema(context.Background(), desc)
	require.NoError(t, err)
	return db, conn
}

// TestBooleanRoundTrip covers scenario S1: 10 inserts with
// flag = i%3==0, expecting 4 true rows and 6 false rows.
func TestBooleanRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var desc = flaggedDescriptor(t)
	db, conn := openConn(t, desc)

	for i := 0; i < 10; i++ {
		var row = flaggedRow{Flag: i%3 == 0}
		_, err := Insert[flaggedRow](ctx, conn, desc, &row, ExtraNone)
		require.NoError(t, err)
	}

	var trueCount, falseCount int
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from flagged where flag = 1`).Scan(&trueCount))
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from flagged where flag = 0`).Scan(&falseCount))
	assert.Equal(t, 4, trueCount)
	assert.Equal(t, 6, falseCount)
}

type pkRow struct {
	ID   int64
	Text string
}

func pkDescriptor(t *testing.T) *typecache.RecordDescriptor {
	t.Helper()
	var b = typecache.NewBuilder[pkRow]().Table("pk_rows")
	b.Column("ID").PrimaryKey()
	desc, err := b.Build()
	require.NoError(t, err)
	return desc
}

// TestBatchedUniqueConflictInsertsNothing covers scenario S2: 20 rows
// with primary keys 1..20 except the last one is rewritten to
// duplicate row 1's key; InsertAll must fail on the unique violation
// and leave zero rows persisted.
func TestBatchedUniqueConflictInsertsNothing(t *testing.T) {
	var ctx = context.Background()
	var desc = pkDescriptor(t)
	db, conn := openConn(t, desc)

	var rows []*pkRow
	for i := 1; i <= 20; i++ {
		rows = append(rows, &pkRow{ID: int64(i), Text: "row"})
	}
	rows[19].ID = 1 // duplicate of rows[0]

	_, err := InsertAll[pkRow](ctx, conn, desc, rows, ExtraNone, false)
	require.Error(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from pk_rows`).Scan(&count))
	assert.Equal(t, 0, count)
}

// TestBatchedUniqueConflictRollsBackUnderTransaction is the same
// scenario as S2 but with runInTransaction=true, confirming the
// savepoint wrapper also leaves zero rows behind.
func TestBatchedUniqueConflictRollsBackUnderTransaction(t *testing.T) {
	var ctx = context.Background()
	var desc = pkDescriptor(t)
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	var controller = txn.New(db)
	conn, err := New(db, WithTransactionController(controller))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.EnsureSchema(ctx, desc)
	require.NoError(t, err)

	require.NoError(t, controller.BeginTransaction(ctx))

	var rows []*pkRow
	for i := 1; i <= 20; i++ {
		rows = append(rows, &pkRow{ID: int64(i), Text: "row"})
	}
	rows[19].ID = 1

	_, err = InsertAll[pkRow](ctx, conn, desc, rows, ExtraNone, true)
	require.Error(t, err)

	require.NoError(t, controller.Commit(ctx, true))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from pk_rows`).Scan(&count))
	assert.Equal(t, 0, count)
}

// TestInsertOrReplacePreservesRowCount covers scenario S6: seed 20
// rows, InsertOrReplace a row with an existing id and new text; the
// total row count is unchanged and the targeted row reflects the new
// value.
func TestInsertOrReplacePreservesRowCount(t *testing.T) {
	var ctx = context.Background()
	var desc = pkDescriptor(t)
	db, conn := openConn(t, desc)

	for i := 1; i <= 20; i++ {
		var row = pkRow{ID: int64(i), Text: "original"}
		_, err := Insert[pkRow](ctx, conn, desc, &row, ExtraNone)
		require.NoError(t, err)
	}

	var replacement = pkRow{ID: 5, Text: "Foo"}
	_, err := InsertOrReplace[pkRow](ctx, conn, desc, &replacement)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `select count(*) from pk_rows`).Scan(&count))
	assert.Equal(t, 20, count)

	var text string
	require.NoError(t, db.QueryRowContext(ctx, `select text from pk_rows where id = 5`).Scan(&text))
	assert.Equal(t, "Foo", text)
}

func TestGetAndFindAndDelete(t *testing.T) {
	var ctx = context.Background()
	var desc = pkDescriptor(t)
	_, conn := openConn(t, desc)

	var row = pkRow{ID: 1, Text: "hello"}
	_, err := Insert[pkRow](ctx, conn, desc, &row, ExtraNone)
	require.NoError(t, err)

	got, err := Get[pkRow](ctx, conn, desc, int64(1))
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)

	missing, err := Find[pkRow](ctx, conn, desc, int64(999))
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = Get[pkRow](ctx, conn, desc, int64(999))
	require.Error(t, err)

	n, err := Delete[pkRow](ctx, conn, desc, &row)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = Get[pkRow](ctx, conn, desc, int64(1))
	require.Error(t, err)
}

func TestOnTableChangedEmitsAfterMutations(t *testing.T) {
	var ctx = context.Background()
	var desc = pkDescriptor(t)
	_, conn := openConn(t, desc)

	var events []TableChanged
	conn.OnTableChanged(func(ev TableChanged) { events = append(events, ev) })

	var row = pkRow{ID: 1, Text: "a"}
	_, err := Insert[pkRow](ctx, conn, desc, &row, ExtraNone)
	require.NoError(t, err)

	_, err = Update[pkRow](ctx, conn, desc, &pkRow{ID: 1, Text: "b"}, "")
	require.NoError(t, err)

	_, err = Delete[pkRow](ctx, conn, desc, &row)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, ChangeInsert, events[0].Action)
	assert.Equal(t, ChangeUpdate, events[1].Action)
	assert.Equal(t, ChangeDelete, events[2].Action)
}
