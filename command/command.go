// Package command implements the prepared-statement lifecycle:
// prepare-on-first-use, bind N parameters, step, materialize into typed
// records or a scalar, classify non-OK results into dberrors.Kind, reset
// between invocations, and finalize on dispose.
package command

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/sqlvalue"
)

// Preparer is satisfied by *sql.DB and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Observer receives command lifecycle hooks: execution start, execution
// end, and materialization of a typed record from a result row.
type Observer interface {
	OnExecutionStarted(sqlText string, args []interface{})
	OnExecutionEnded(sqlText string, elapsed time.Duration)
	OnInstanceCreated(obj interface{})
}

// NopObserver implements Observer with no-op methods.
type NopObserver struct{}

func (NopObserver) OnExecutionStarted(string, []interface{}) {}
func (NopObserver) OnExecutionEnded(string, time.Duration)   {}
func (NopObserver) OnInstanceCreated(interface{})            {}

// TraceSink receives one line per command (and, when the elapsed time
// exceeds the configured threshold, a timing line)
type TraceSink func(line string)

// Command wraps one prepared statement and its lifecycle. A compiled
// statement is not re-entrant, so concurrent Execute* calls on one
// Command are serialized internally by a mutex.
type Command struct {
	preparer Preparer
	sqlText  string
	observer Observer

	trace              bool
	traceSink          TraceSink
	traceTimeExceeding time.Duration

	storeAsTicks bool

	mu      sync.Mutex
	once    sync.Once
	prepErr error
	stmt    *sql.Stmt
}

// Option configures a Command at construction.
type Option func(*Command)

// WithObserver installs the lifecycle observer.
func WithObserver(o Observer) Option { return func(c *Command) { c.observer = o } }

// WithTrace enables trace-line emission to sink, logging lines exceeding
// timeExceeding as "Database took N ms to execute: <sql>".
func WithTrace(sink TraceSink, timeExceeding time.Duration) Option {
	return func(c *Command) {
		c.trace = sink != nil
		c.traceSink = sink
		c.traceTimeExceeding = timeExceeding
	}
}

// WithStoreDateTimeAsTicks controls the sqlvalue encoding used when
// binding time.Time parameters.
func WithStoreDateTimeAsTicks(v bool) Option {
	return func(c *Command) { c.storeAsTicks = v }
}

// New builds a Command bound to sqlText, using preparer to compile it
// lazily on first use.
func New(preparer Preparer, sqlText string, opts ...Option) *Command {
	var c = &Command{preparer: preparer, sqlText: sqlText, observer: NopObserver{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SQL returns the command's canonical SQL text.
func (c *Command) SQL() string { return c.sqlText }

func (c *Command) prepare(ctx context.Context) (*sql.Stmt, error) {
	c.once.Do(func() {
		c.stmt, c.prepErr = c.preparer.PrepareContext(ctx, c.sqlText)
	})
	return c.stmt, c.prepErr
}

// finalize releases the compiled statement. Safe to call once; called by
// the command cache on eviction/close.
func (c *Command) finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stmt == nil {
		return nil
	}
	var err = c.stmt.Close()
	c.stmt = nil
	return err
}

// Close is an alias of finalize for callers that own a Command directly
// rather than through a Cache.
func (c *Command) Close() error { return c.finalize() }

func (c *Command) bindArgs(args []interface{}) ([]interface{}, error) {
	var out = make([]interface{}, len(args))
	for i, a := range args {
		v, err := sqlvalue.ToParam(a, c.storeAsTicks)
		if err != nil {
			return nil, dberrors.New(dberrors.KindUnsupportedBinding, c.sqlText, err)
		}
		out[i] = v
	}
	return out, nil
}

func (c *Command) traceStart(args []interface{}) {
	c.observer.OnExecutionStarted(c.sqlText, args)
	if !c.trace {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "exec: %s", c.sqlText)
	for i, a := range args {
		fmt.Fprintf(&b, "\n  %d: %s", i, toTraceString(a))
	}
	c.traceSink(b.String())
}

func (c *Command) traceEnd(started time.Time) {
	var elapsed = time.Since(started)
	c.observer.OnExecutionEnded(c.sqlText, elapsed)
	if c.trace && elapsed > c.traceTimeExceeding {
		c.traceSink(fmt.Sprintf("Database took %d ms to execute: %s", elapsed.Milliseconds(), c.sqlText))
	}
}

// ExecuteNonQuery steps the statement once and returns the number of
// rows changed
func (c *Command) ExecuteNonQuery(ctx context.Context, args ...interface{}) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt, err := c.prepare(ctx)
	if err != nil {
		return 0, dberrors.New(dberrors.KindGeneric, c.sqlText, err)
	}
	bound, err := c.bindArgs(args)
	if err != nil {
		return 0, err
	}

	var started = time.Now()
	c.traceStart(bound)
	res, err := stmt.ExecContext(ctx, bound...)
	c.traceEnd(started)
	if err != nil {
		return 0, dberrors.Classify(c.sqlText, err, nil, "")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dberrors.New(dberrors.KindGeneric, c.sqlText, err)
	}
	return n, nil
}

// ExecuteScalar steps the statement once and returns the first column of
// the first row via dst (a pointer), or sets dst to its zero value on
// SQLITE_DONE (no rows)
func (c *Command) ExecuteScalar(ctx context.Context, dst interface{}, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt, err := c.prepare(ctx)
	if err != nil {
		return dberrors.New(dberrors.KindGeneric, c.sqlText, err)
	}
	bound, err := c.bindArgs(args)
	if err != nil {
		return err
	}

	var started = time.Now()
	c.traceStart(bound)
	row := stmt.QueryRowContext(ctx, bound...)
	var raw interface{}
	scanErr := row.Scan(&raw)
	c.traceEnd(started)

	if scanErr == sql.ErrNoRows {
		return sqlvalue.FromColumn(dst, nil, c.storeAsTicks, nil)
	} else if scanErr != nil {
		return dberrors.Classify(c.sqlText, scanErr, nil, "")
	}
	return sqlvalue.FromColumn(dst, raw, c.storeAsTicks, nil)
}

func toTraceString(v interface{}) string {
	if v == nil {
		return "<null>"
	}
	switch t := v.(type) {
	case []byte:
		return "<blob:" + strconv.Itoa(len(t)) + " bytes>"
	default:
		return fmt.Sprint(v)
	}
}
