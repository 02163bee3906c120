package command

import (
	"context"
	"database/sql"
	"reflect"
	"time"

	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/sqlvalue"
	"go.litecore.dev/store/typecache"
)

// Rows is the lazy, single-pass sequence of T yielded by ExecuteQuery: it
// owns the underlying *sql.Rows and must be Closed (or fully drained,
// which closes it implicitly) before another statement is issued
// against the same connection, exactly like database/sql's own Rows —
// this facade adds materialization into T on top.
type Rows[T any] struct {
	rows      *sql.Rows
	mapping   *typecache.RecordDescriptor
	columns   []string
	storeAsTicks bool
	observer  Observer
	cur       T
	err       error
}

// Next advances to the next row, materializing it into a fresh T
// reachable via Value. Returns false at end-of-rows or on error; check
// Err after a false return.
func (r *Rows[T]) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.rows.Next() {
		r.err = r.rows.Err()
		return false
	}
	var obj T
	if err := scanInto(&obj, r.rows, r.columns, r.mapping, r.storeAsTicks); err != nil {
		r.err = err
		return false
	}
	r.observer.OnInstanceCreated(obj)
	r.cur = obj
	return true
}

// Value returns the record materialized by the most recent successful
// Next call.
func (r *Rows[T]) Value() T { return r.cur }

// Err returns the first error encountered, if any.
func (r *Rows[T]) Err() error { return r.err }

// Close releases the underlying statement result set. Safe to call
// multiple times.
func (r *Rows[T]) Close() error { return r.rows.Close() }

// ExecuteQuery steps c row-by-row, yielding each row in engine order
// materialized into T via mapping Unknown result columns
// (present in the row but absent from mapping) are skipped.
func ExecuteQuery[T any](ctx context.Context, c *Command, mapping *typecache.RecordDescriptor, args ...interface{}) (*Rows[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt, err := c.prepare(ctx)
	if err != nil {
		return nil, dberrors.New(dberrors.KindGeneric, c.sqlText, err)
	}
	bound, err := c.bindArgs(args)
	if err != nil {
		return nil, err
	}

	var started = time.Now()
	c.traceStart(bound)
	rows, err := stmt.QueryContext(ctx, bound...)
	c.traceEnd(started)
	if err != nil {
		return nil, dberrors.Classify(c.sqlText, err, nil, "")
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, dberrors.New(dberrors.KindGeneric, c.sqlText, err)
	}

	return &Rows[T]{
		rows:         rows,
		mapping:      mapping,
		columns:      cols,
		storeAsTicks: c.storeAsTicks,
		observer:     c.observer,
	}, nil
}

func scanInto[T any](obj *T, rows *sql.Rows, columns []string, mapping *typecache.RecordDescriptor, storeAsTicks bool) error {
	var raw = make([]interface{}, len(columns))
	var ptrs = make([]interface{}, len(columns))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return dberrors.New(dberrors.KindGeneric, "", err)
	}

	var rv = reflect.ValueOf(obj).Elem()
	for i, name := range columns {
		col, ok := mapping.ColumnByName(name)
		if !ok {
			continue // unknown columns are skipped
		}
		var field = rv.FieldByIndex(col.FieldIndex)
		var dst = field.Addr().Interface()

		if col.StoreAsText {
			if err := scanEnum(dst, raw[i], col); err != nil {
				return err
			}
			continue
		}
		if err := sqlvalue.FromColumn(dst, raw[i], storeAsTicks, col.DefaultValue); err != nil {
			return err
		}
	}
	return nil
}

// scanEnum decodes a StoreAsText enum column, stored as its name, back
// into an integer-kinded destination field via the column's memoized
// name->ordinal table.
func scanEnum(dst interface{}, raw interface{}, col *typecache.ColumnDescriptor) error {
	var rv = reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return dberrors.Newf(dberrors.KindInvalidArgument, "", "scanEnum dst must be a non-nil pointer")
	}
	var elem = rv.Elem()
	if raw == nil {
		elem.Set(reflect.Zero(elem.Type()))
		return nil
	}
	name, ok := raw.(string)
	if !ok {
		return dberrors.Newf(dberrors.KindUnsupportedBinding, "", "enum column %q is not text", col.Name)
	}
	ordinal, err := sqlvalue.EnumFromName(name, col.EnumOrdinals)
	if err != nil {
		return err
	}
	switch elem.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		elem.SetInt(ordinal)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		elem.SetUint(uint64(ordinal))
		return nil
	default:
		return dberrors.Newf(dberrors.KindUnsupportedBinding, "", "enum destination kind %s is not integer", elem.Kind())
	}
}
