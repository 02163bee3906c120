// Package txn implements the nested-savepoint transaction protocol used
// by the writer connection: BEGIN/SAVEPOINT/RELEASE/ROLLBACK with a
// depth counter and best-effort recovery when COMMIT or RELEASE fails.
package txn

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.litecore.dev/store/dberrors"
)

// Execer is the subset of *sql.DB / *sql.Conn the controller needs to
// issue control statements against the writer connection.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Controller drives the BEGIN/SAVEPOINT/RELEASE/ROLLBACK state machine
// over one writer connection. The zero value is not usable; construct
// with New. isInTransaction() == (depth() > 0) always holds.
type Controller struct {
	conn  Execer
	depth int32
}

// New returns a Controller bound to conn.
func New(conn Execer) *Controller {
	return &Controller{conn: conn}
}

// Depth returns the current nesting depth.
func (c *Controller) Depth() int { return int(atomic.LoadInt32(&c.depth)) }

// InTransaction reports whether the controller is inside a transaction.
func (c *Controller) InTransaction() bool { return c.Depth() > 0 }

func (c *Controller) exec(ctx context.Context, sqlText string) error {
	_, err := c.conn.ExecContext(ctx, sqlText)
	return err
}

// isRecoverableBeginFailure matches the engine conditions under which
// BEGIN/SAVEPOINT leaves the connection in a state that needs an
// unconditional ROLLBACK before the caller's error propagates: busy,
// locked, full, io-error, no-mem, and interrupt.
func isRecoverableBeginFailure(err error) bool {
	return dberrors.IsUnconditionalRollbackCondition(err) || err == sql.ErrTxDone
}

// BeginTransaction starts an outermost transaction. Fails with
// KindAlreadyInTransaction if depth is already non-zero.
func (c *Controller) BeginTransaction(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&c.depth, 0, 1) {
		return dberrors.New(dberrors.KindAlreadyInTransaction, "", nil)
	}
	if err := c.exec(ctx, "BEGIN TRANSACTION"); err != nil {
		if isRecoverableBeginFailure(err) {
			c.exec(ctx, "ROLLBACK") // best-effort; original error still surfaces
		}
		atomic.StoreInt32(&c.depth, 0)
		return dberrors.Classify("BEGIN TRANSACTION", err, nil, "")
	}
	return nil
}

// SaveTransactionPoint increments depth and issues SAVEPOINT <name>,
// returning the generated name for a later Release/RollbackTo.
func (c *Controller) SaveTransactionPoint(ctx context.Context) (string, error) {
	var prevDepth = atomic.AddInt32(&c.depth, 1) - 1
	var name = savepointName(prevDepth)
	if err := c.exec(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		if isRecoverableBeginFailure(err) {
			c.exec(ctx, "ROLLBACK")
		}
		atomic.StoreInt32(&c.depth, prevDepth)
		return "", dberrors.Classify(fmt.Sprintf("SAVEPOINT %s", name), err, nil, "")
	}
	return name, nil
}

func savepointName(prevDepth int32) string {
	var rand16 = strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	return fmt.Sprintf("S%sD%d", rand16, prevDepth)
}

// parseSavepointDepth extracts the depth suffix from a name produced by
// savepointName, eg "S<16 hex>D3" -> 3.
func parseSavepointDepth(name string) (int, error) {
	var i = strings.LastIndexByte(name, 'D')
	if i < 0 || i+1 >= len(name) {
		return 0, errors.Errorf("txn: malformed savepoint name %q", name)
	}
	depth, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0, errors.Wrapf(err, "txn: malformed savepoint name %q", name)
	}
	return depth, nil
}

// Release releases the named savepoint, restoring depth to the value it
// held when the savepoint was created. If the RELEASE fails and
// rollbackOnFailure is true, a best-effort ROLLBACK is issued before the
// original error is returned.
func (c *Controller) Release(ctx context.Context, name string, rollbackOnFailure bool) error {
	depth, err := parseSavepointDepth(name)
	if err != nil {
		return dberrors.New(dberrors.KindBadSavepoint, "", err)
	}
	var current = c.Depth()
	if depth < 0 || depth >= current {
		return dberrors.Newf(dberrors.KindBadSavepoint, "", "txn: savepoint depth %d out of range [0,%d)", depth, current)
	}
	atomic.StoreInt32(&c.depth, int32(depth))

	if err := c.exec(ctx, fmt.Sprintf("RELEASE %s", name)); err != nil {
		if rollbackOnFailure {
			c.exec(ctx, "ROLLBACK")
		}
		return dberrors.Classify(fmt.Sprintf("RELEASE %s", name), err, nil, "")
	}
	return nil
}

// Rollback is RollbackTo(ctx, "", noThrow).
func (c *Controller) Rollback(ctx context.Context, noThrow bool) error {
	return c.RollbackTo(ctx, "", noThrow)
}

// RollbackTo rolls back to name (the outermost transaction when name is
// empty). Errors are swallowed when noThrow is true.
func (c *Controller) RollbackTo(ctx context.Context, name string, noThrow bool) error {
	var err error
	if name == "" {
		var previous = atomic.SwapInt32(&c.depth, 0)
		if previous > 0 {
			err = c.exec(ctx, "ROLLBACK")
		}
	} else {
		depth, perr := parseSavepointDepth(name)
		if perr != nil {
			if noThrow {
				return nil
			}
			return dberrors.New(dberrors.KindBadSavepoint, "", perr)
		}
		atomic.StoreInt32(&c.depth, int32(depth))
		err = c.exec(ctx, fmt.Sprintf("ROLLBACK TO %s", name))
	}
	if err != nil && !noThrow {
		return dberrors.Classify("ROLLBACK", err, nil, "")
	}
	return nil
}

// Commit commits the outermost transaction. If COMMIT fails and
// rollbackOnFailure is true, a best-effort ROLLBACK restores the
// connection to a usable state — the engine can leave a transaction
// active after a busy COMMIT — before the original error is returned.
func (c *Controller) Commit(ctx context.Context, rollbackOnFailure bool) error {
	var previous = atomic.SwapInt32(&c.depth, 0)
	if previous == 0 {
		return nil
	}
	if err := c.exec(ctx, "COMMIT"); err != nil {
		if rollbackOnFailure {
			c.exec(ctx, "ROLLBACK")
		}
		return dberrors.Classify("COMMIT", err, nil, "")
	}
	return nil
}

// RunInTransaction saves a transaction point, runs fn, and releases on
// success or rolls back on failure, propagating fn's error.
func (c *Controller) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	name, err := c.SaveTransactionPoint(ctx)
	if err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		c.RollbackTo(ctx, name, true)
		return err
	}
	return c.Release(ctx, name, true)
}
