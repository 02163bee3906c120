// Package litestore is the root package: the high-level CRUD verbs
// (Insert, InsertAll, Update, UpdateAll, Delete, DeleteAll, Get, Find)
// layered over a per-connection prepared-statement cache, a
// TableChanged event stream, and schema synthesis/verification. A
// Connection wraps one native handle — the writer or a pooled reader,
// as produced by package manager — and never owns connection lifecycle
// itself.
package litestore

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.litecore.dev/store/command"
	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/schema"
	"go.litecore.dev/store/sqlvalue"
	"go.litecore.dev/store/txn"
	"go.litecore.dev/store/typecache"
)

// DefaultCommandCacheSize sizes the per-connection prepared-statement
// cache; eviction is a safety valve, not the normal path.
const DefaultCommandCacheSize = 512

// maxBoundParameters is the batched-insert parameter ceiling. The engine
// may reconfigure SQLITE_MAX_VARIABLE_NUMBER at runtime; this facade
// keeps the literal 999 default rather than querying it (see DESIGN.md
// OQ-2).
const maxBoundParameters = 999

// ExtraClause spells an INSERT conflict-resolution clause.
type ExtraClause string

const (
	ExtraNone      ExtraClause = ""
	ExtraOrReplace ExtraClause = "OR REPLACE"
	ExtraOrIgnore  ExtraClause = "OR IGNORE"
)

func (e ExtraClause) verb() string {
	switch e {
	case ExtraOrReplace:
		return "insert or replace into"
	case ExtraOrIgnore:
		return "insert or ignore into"
	default:
		return "insert into"
	}
}

// ChangeAction identifies the mutation kind reported by a TableChanged
// event.
type ChangeAction int

const (
	ChangeInsert ChangeAction = iota
	ChangeUpdate
	ChangeDelete
)

func (a ChangeAction) String() string {
	switch a {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TableChanged is emitted after any successful insert/update/delete.
type TableChanged struct {
	Table  string
	Action ChangeAction
	Count  int64
}

// ChangeListener receives TableChanged events, registered via
// Connection.OnTableChanged.
type ChangeListener func(TableChanged)

// Execer is everything Connection needs from its native handle:
// preparing statements (command.Preparer) plus the direct exec/query
// calls schema synthesis and verification need. *sql.DB and *sql.Tx
// both satisfy it.
type Execer interface {
	command.Preparer
	schema.Execer
}

// Connection holds one native handle, a per-connection command cache,
// and the high-level CRUD verbs.
type Connection struct {
	handle   Execer
	txn      *txn.Controller
	types    *typecache.Cache
	observer command.Observer
	cache    *command.Cache

	storeAsTicks       bool
	trace              command.TraceSink
	traceTimeExceeding time.Duration
	cacheSize          int

	mu        sync.Mutex
	listeners []ChangeListener
}

// Option configures a Connection at construction.
type Option func(*Connection)

// WithTypeCache overrides the default process-wide typecache.Default.
func WithTypeCache(c *typecache.Cache) Option { return func(conn *Connection) { conn.types = c } }

// WithObserver installs the command lifecycle observer.
func WithObserver(o command.Observer) Option { return func(conn *Connection) { conn.observer = o } }

// WithStoreDateTimeAsTicks controls the sqlvalue encoding used for
// time.Time parameters.
func WithStoreDateTimeAsTicks(v bool) Option {
	return func(conn *Connection) { conn.storeAsTicks = v }
}

// WithTrace enables per-command trace lines, see command.WithTrace.
func WithTrace(sink command.TraceSink, timeExceeding time.Duration) Option {
	return func(conn *Connection) {
		conn.trace = sink
		conn.traceTimeExceeding = timeExceeding
	}
}

// WithCommandCacheSize overrides DefaultCommandCacheSize.
func WithCommandCacheSize(n int) Option { return func(conn *Connection) { conn.cacheSize = n } }

// WithTransactionController installs the savepoint controller consulted
// by InsertAll/UpdateAll when runInTransaction is requested. Only the
// writer connection normally carries one.
func WithTransactionController(t *txn.Controller) Option {
	return func(conn *Connection) { conn.txn = t }
}

// New builds a Connection over handle.
func New(handle Execer, opts ...Option) (*Connection, error) {
	var conn = &Connection{
		handle:    handle,
		types:     typecache.Default,
		observer:  command.NopObserver{},
		cacheSize: DefaultCommandCacheSize,
	}
	for _, opt := range opts {
		opt(conn)
	}
	cache, err := command.NewCache(conn.cacheSize)
	if err != nil {
		return nil, err
	}
	conn.cache = cache
	return conn, nil
}

// Close flushes the prepared-statement cache, finalizing every cached
// statement.
func (c *Connection) Close() error {
	c.cache.Purge()
	return nil
}

// OnTableChanged registers fn to be invoked after every successful
// insert/update/delete performed through c.
func (c *Connection) OnTableChanged(fn ChangeListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Connection) emit(ev TableChanged) {
	c.mu.Lock()
	var listeners = append([]ChangeListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (c *Connection) command(sqlText string) (*command.Command, error) {
	return c.cache.GetOrCreate(sqlText, func() (*command.Command, error) {
		return command.New(c.handle, sqlText,
			command.WithObserver(c.observer),
			command.WithStoreDateTimeAsTicks(c.storeAsTicks),
			command.WithTrace(c.trace, c.traceTimeExceeding),
		), nil
	})
}

func (c *Connection) lastInsertRowID(ctx context.Context) (int64, error) {
	cmd, err := c.command("select last_insert_rowid()")
	if err != nil {
		return 0, err
	}
	var id int64
	if err := cmd.ExecuteScalar(ctx, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// EnsureSchema creates or migrates the table backing desc.
func (c *Connection) EnsureSchema(ctx context.Context, desc *typecache.RecordDescriptor) (schema.Result, error) {
	return schema.Synthesize(ctx, c.handle, desc)
}

// VerifySchema checks the live table against desc.
func (c *Connection) VerifySchema(ctx context.Context, desc *typecache.RecordDescriptor) error {
	return schema.Verify(ctx, c.handle, desc)
}

// Describe resolves T's RecordDescriptor via conn's type cache, building
// it with build on a miss.
func Describe[T any](conn *Connection, build func() (*typecache.RecordDescriptor, error)) (*typecache.RecordDescriptor, error) {
	return typecache.GetFor[T](conn.types, build)
}

func generateAutoGUIDs(rv reflect.Value, cols []*typecache.ColumnDescriptor) {
	for _, col := range cols {
		if !col.IsAutoGuid {
			continue
		}
		var field = rv.FieldByIndex(col.FieldIndex)
		id, ok := field.Addr().Interface().(*uuid.UUID)
		if !ok || *id != uuid.Nil {
			continue
		}
		*id = uuid.New()
	}
}

func setAutoIncrementPK(field reflect.Value, id int64) {
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		field.SetInt(id)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		field.SetUint(uint64(id))
	}
}

func quotedNames(cols []*typecache.ColumnDescriptor) []string {
	var out = make([]string, len(cols))
	for i, col := range cols {
		out[i] = fmt.Sprintf(`"%s"`, col.Name)
	}
	return out
}

func placeholderGroup(n int) string {
	var ph = make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// bindValue converts a host field value into the driver value bound for
// col: a StoreAsText enum column is encoded through its ordinal->name
// table, everything else passes through unchanged (command.bindArgs
// applies the remaining ToParam conversion).
func bindValue(col *typecache.ColumnDescriptor, v interface{}) (interface{}, error) {
	if !col.StoreAsText {
		return v, nil
	}
	var ordinal, err = sqlvalue.EnumOrdinal(v)
	if err != nil {
		return nil, err
	}
	name, ok := col.EnumNames[ordinal]
	if !ok {
		return nil, dberrors.Newf(dberrors.KindUnsupportedBinding, "", "no enum name registered for ordinal %d in column %q", ordinal, col.Name)
	}
	return sqlvalue.EnumToParam(ordinal, name, true), nil
}

func insertColumnsFor(desc *typecache.RecordDescriptor, extra ExtraClause) []*typecache.ColumnDescriptor {
	if extra == ExtraOrReplace {
		return desc.InsertOrReplaceColumns
	}
	return desc.InsertColumns
}

// Insert binds obj's InsertColumns (or InsertOrReplaceColumns, when
// extra is ExtraOrReplace) and executes a single-row INSERT. Auto-GUID
// primary keys still at their zero value are generated before binding;
// after a successful insert, an auto-increment primary key is read back
// via last_insert_rowid() and written into obj.
func Insert[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, obj *T, extra ExtraClause) (int64, error) {
	var cols = insertColumnsFor(desc, extra)
	if len(cols) == 0 {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "insert: %s has no insertable columns", desc.TableName)
	}

	var rv = reflect.ValueOf(obj).Elem()
	generateAutoGUIDs(rv, cols)

	var args = make([]interface{}, len(cols))
	for i, col := range cols {
		bound, err := bindValue(col, rv.FieldByIndex(col.FieldIndex).Interface())
		if err != nil {
			return 0, err
		}
		args[i] = bound
	}

	var sqlText = fmt.Sprintf(`%s "%s"(%s) values %s`, extra.verb(), desc.TableName,
		strings.Join(quotedNames(cols), ", "), placeholderGroup(len(cols)))

	cmd, err := conn.command(sqlText)
	if err != nil {
		return 0, err
	}
	n, err := cmd.ExecuteNonQuery(ctx, args...)
	if err != nil {
		return 0, err
	}

	if desc.AutoIncrementPK != nil {
		id, err := conn.lastInsertRowID(ctx)
		if err != nil {
			return n, err
		}
		setAutoIncrementPK(rv.FieldByIndex(desc.AutoIncrementPK.FieldIndex), id)
	}

	conn.emit(TableChanged{Table: desc.TableName, Action: ChangeInsert, Count: n})
	return n, nil
}

// InsertOrReplace is Insert with extra fixed to ExtraOrReplace.
func InsertOrReplace[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, obj *T) (int64, error) {
	return Insert(ctx, conn, desc, obj, ExtraOrReplace)
}

// InsertAll inserts every element of objs. Rows are chunked into
// multi-row `insert into "T"(...) values (...),(...),...` statements
// sized so the bound-parameter count stays under maxBoundParameters,
// falling back to one row per statement when a single row's column
// count already exceeds it. When runInTransaction is true the whole
// call is wrapped in a savepoint via conn's transaction controller (see
// WithTransactionController); a unique-key collision anywhere in a
// batch then leaves zero rows from that batch persisted.
func InsertAll[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, objs []*T, extra ExtraClause, runInTransaction bool) (int64, error) {
	if len(objs) == 0 {
		return 0, nil
	}

	var run = func(ctx context.Context) (int64, error) {
		return insertAllChunked(ctx, conn, desc, objs, extra)
	}

	if !runInTransaction {
		return run(ctx)
	}
	if conn.txn == nil {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "insertAll: runInTransaction requires a transaction controller")
	}

	var total int64
	err := conn.txn.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err := run(ctx)
		total = n
		return err
	})
	return total, err
}

func insertAllChunked[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, objs []*T, extra ExtraClause) (int64, error) {
	var cols = insertColumnsFor(desc, extra)
	if len(cols) == 0 {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "insertAll: %s has no insertable columns", desc.TableName)
	}

	var chunkSize = maxBoundParameters / len(cols)
	if chunkSize < 1 {
		chunkSize = 1
	}

	var names = strings.Join(quotedNames(cols), ", ")
	var total int64
	for start := 0; start < len(objs); start += chunkSize {
		var end = start + chunkSize
		if end > len(objs) {
			end = len(objs)
		}
		var chunk = objs[start:end]

		var groups = make([]string, len(chunk))
		var args = make([]interface{}, 0, len(cols)*len(chunk))
		for i, obj := range chunk {
			var rv = reflect.ValueOf(obj).Elem()
			generateAutoGUIDs(rv, cols)
			groups[i] = placeholderGroup(len(cols))
			for _, col := range cols {
				bound, err := bindValue(col, rv.FieldByIndex(col.FieldIndex).Interface())
				if err != nil {
					return total, err
				}
				args = append(args, bound)
			}
		}

		var sqlText = fmt.Sprintf(`%s "%s"(%s) values %s`, extra.verb(), desc.TableName, names, strings.Join(groups, ","))
		cmd, err := conn.command(sqlText)
		if err != nil {
			return total, err
		}
		n, err := cmd.ExecuteNonQuery(ctx, args...)
		if err != nil {
			return total, err
		}
		total += n
	}

	conn.emit(TableChanged{Table: desc.TableName, Action: ChangeInsert, Count: total})
	return total, nil
}

func resolveUpdateKey(desc *typecache.RecordDescriptor, updateKey string) (*typecache.ColumnDescriptor, error) {
	if updateKey == "" {
		if desc.PrimaryKey == nil {
			return nil, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "update: %s has no primary key", desc.TableName)
		}
		return desc.PrimaryKey, nil
	}
	col, ok := desc.ColumnByMember(updateKey)
	if !ok {
		col, ok = desc.ColumnByName(updateKey)
	}
	if !ok {
		return nil, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "update: %s has no column %q", desc.TableName, updateKey)
	}
	if !col.IsUnique {
		return nil, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "update: key column %q is not unique", col.Name)
	}
	return col, nil
}

// Update sets every non-key column of desc from obj and issues `update
// "T" set c1=?,... where <key> = ?`. updateKey selects the WHERE column;
// empty means the primary key, otherwise the named column, which must
// be unique. If no non-key column exists, the update falls back to
// setting every column keyed by the primary key — a documented no-op
// preserved verbatim (see DESIGN.md OQ-3).
func Update[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, obj *T, updateKey string) (int64, error) {
	var keyCol, err = resolveUpdateKey(desc, updateKey)
	if err != nil {
		return 0, err
	}

	var setCols []*typecache.ColumnDescriptor
	for _, col := range desc.Columns {
		if col == keyCol {
			continue
		}
		setCols = append(setCols, col)
	}
	if len(setCols) == 0 {
		setCols = desc.Columns
	}

	var rv = reflect.ValueOf(obj).Elem()
	var args = make([]interface{}, 0, len(setCols)+1)
	for _, col := range setCols {
		bound, err := bindValue(col, rv.FieldByIndex(col.FieldIndex).Interface())
		if err != nil {
			return 0, err
		}
		args = append(args, bound)
	}
	keyBound, err := bindValue(keyCol, rv.FieldByIndex(keyCol.FieldIndex).Interface())
	if err != nil {
		return 0, err
	}
	args = append(args, keyBound)

	var sets = make([]string, len(setCols))
	for i, col := range setCols {
		sets[i] = fmt.Sprintf(`"%s" = ?`, col.Name)
	}
	var sqlText = fmt.Sprintf(`update "%s" set %s where "%s" = ?`, desc.TableName, strings.Join(sets, ", "), keyCol.Name)

	cmd, err := conn.command(sqlText)
	if err != nil {
		return 0, err
	}
	n, err := cmd.ExecuteNonQuery(ctx, args...)
	if err != nil {
		return 0, err
	}

	conn.emit(TableChanged{Table: desc.TableName, Action: ChangeUpdate, Count: n})
	return n, nil
}

// UpdateAll updates every element of objs by primary key, optionally
// wrapped in a savepoint.
func UpdateAll[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, objs []*T, runInTransaction bool) (int64, error) {
	var run = func(ctx context.Context) (int64, error) {
		var total int64
		for _, obj := range objs {
			n, err := Update(ctx, conn, desc, obj, "")
			if err != nil {
				return total, err
			}
			total += n
		}
		return total, nil
	}

	if !runInTransaction {
		return run(ctx)
	}
	if conn.txn == nil {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "updateAll: runInTransaction requires a transaction controller")
	}

	var total int64
	err := conn.txn.RunInTransaction(ctx, func(ctx context.Context) error {
		n, err := run(ctx)
		total = n
		return err
	})
	return total, err
}

func deleteByKey(ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, pk interface{}) (int64, error) {
	if desc.PrimaryKey == nil {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "delete: %s has no primary key", desc.TableName)
	}
	var sqlText = fmt.Sprintf(`delete from "%s" where "%s" = ?`, desc.TableName, desc.PrimaryKey.Name)
	cmd, err := conn.command(sqlText)
	if err != nil {
		return 0, err
	}
	n, err := cmd.ExecuteNonQuery(ctx, pk)
	if err != nil {
		return 0, err
	}
	conn.emit(TableChanged{Table: desc.TableName, Action: ChangeDelete, Count: n})
	return n, nil
}

// Delete extracts obj's primary key and deletes the matching row.
func Delete[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, obj *T) (int64, error) {
	if desc.PrimaryKey == nil {
		return 0, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "delete: %s has no primary key", desc.TableName)
	}
	var rv = reflect.ValueOf(obj).Elem()
	var pk = rv.FieldByIndex(desc.PrimaryKey.FieldIndex).Interface()
	return deleteByKey(ctx, conn, desc, pk)
}

// DeleteByKey deletes the row whose primary key equals pk directly,
// without a host record.
func DeleteByKey(ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, pk interface{}) (int64, error) {
	return deleteByKey(ctx, conn, desc, pk)
}

// DeleteAll issues `delete from "T"`, removing every row.
func DeleteAll(ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor) (int64, error) {
	var sqlText = fmt.Sprintf(`delete from "%s"`, desc.TableName)
	cmd, err := conn.command(sqlText)
	if err != nil {
		return 0, err
	}
	n, err := cmd.ExecuteNonQuery(ctx)
	if err != nil {
		return 0, err
	}
	conn.emit(TableChanged{Table: desc.TableName, Action: ChangeDelete, Count: n})
	return n, nil
}

// Get fetches the row with primary key pk, materialized into T, failing
// with dberrors.KindNotFound when no such row exists.
func Get[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, pk interface{}) (T, error) {
	var zero T
	if desc.PrimaryKey == nil {
		return zero, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "get: %s has no primary key", desc.TableName)
	}
	cmd, err := conn.command(desc.GetByPrimaryKeySQL)
	if err != nil {
		return zero, err
	}
	rows, err := command.ExecuteQuery[T](ctx, cmd, desc, pk)
	if err != nil {
		return zero, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return zero, err
		}
		return zero, dberrors.Newf(dberrors.KindNotFound, desc.GetByPrimaryKeySQL, "get: no row with primary key %v in %s", pk, desc.TableName)
	}
	return rows.Value(), nil
}

// Find is Get without the not-found error: it returns a nil pointer
// when no row matches.
func Find[T any](ctx context.Context, conn *Connection, desc *typecache.RecordDescriptor, pk interface{}) (*T, error) {
	if desc.PrimaryKey == nil {
		return nil, dberrors.Newf(dberrors.KindUnsupportedOperation, "", "find: %s has no primary key", desc.TableName)
	}
	cmd, err := conn.command(desc.GetByPrimaryKeySQL)
	if err != nil {
		return nil, err
	}
	rows, err := command.ExecuteQuery[T](ctx, cmd, desc, pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var v = rows.Value()
	return &v, nil
}
