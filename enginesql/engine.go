// Package enginesql is the thin, stateless call-through to the native
// SQLite entry points: it never interprets SQL, it only opens
// connections, sets engine-level pragmas that have no
// `database/sql`-level equivalent, and reaches into
// github.com/mattn/go-sqlite3's driver internals for the handful of
// operations `database/sql` does not expose (backup, WAL checkpoint).
//
// mattn/go-sqlite3 always compiles SQLite with extended result codes
// enabled, so this package has no separate "enable extended result
// codes" step to perform.
package enginesql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// DriverName is the database/sql driver name registered by
// github.com/mattn/go-sqlite3's init().
const DriverName = "sqlite3"

// OpenFlags mirrors the bitset of `openFlags` configuration
// item. Only the subset meaningful to a DSN built for mattn/go-sqlite3
// is modeled; unrecognized combinations are simply not encoded.
type OpenFlags struct {
	ReadOnly     bool
	Memory       bool
	SharedCache  bool
	OpenURI      bool
}

// DSNOptions captures the engine-level connection parameters used to build a DSN.
type DSNOptions struct {
	Path                 string
	Flags                OpenFlags
	BusyTimeout          time.Duration
	StoreDateTimeAsTicks bool
	CacheSizePages        int
	PageSize             int
	ExtraPragmas         []string // eg PRAGMA key='...' for SQLCipher
}

// BuildDSN renders a DSN understood by mattn/go-sqlite3 for the given
// options (`databasePath`, `openFlags`, `busyTimeout`): a `file:` URI when
// OpenURI or Memory is set, otherwise the plain path followed by the
// query parameters.
func BuildDSN(o DSNOptions) string {
	var path = o.Path
	if o.Flags.Memory && path == "" {
		path = ":memory:"
	}

	var v = url.Values{}
	if o.Flags.SharedCache {
		v.Set("cache", "shared")
	}
	if o.Flags.ReadOnly {
		v.Set("mode", "ro")
	}
	if o.BusyTimeout > 0 {
		v.Set("_busy_timeout", fmt.Sprintf("%d", o.BusyTimeout.Milliseconds()))
	}
	v.Set("_journal_mode", "WAL")
	v.Set("_synchronous", "NORMAL")

	if len(v) == 0 {
		return path
	}
	if o.Flags.OpenURI || o.Flags.Memory {
		return "file:" + path + "?" + v.Encode()
	}
	return path + "?" + v.Encode()
}

// Open opens a *sql.DB against DriverName using the DSN built from o, and
// runs ExtraPragmas plus PageSize/CacheSizePages once. It does not run
// the full bootstrap sequence (Manager.Open does that).
func Open(ctx context.Context, o DSNOptions) (*sql.DB, error) {
	db, err := sql.Open(DriverName, BuildDSN(o))
	if err != nil {
		return nil, errors.WithMessage(err, "opening sqlite database")
	}
	// Every *sql.DB returned by Open models exactly one physical SQLite
	// connection. The writer runs BEGIN/SAVEPOINT/RELEASE and
	// last_insert_rowid() as separate statements that must land on the
	// same connection, and the reader pool hands out one *sql.DB per
	// logical reader rather than pooling within one. A second pooled
	// connection against an in-memory database is a distinct, empty
	// database.
	db.SetMaxOpenConns(1)
	if o.PageSize > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma page_size=%d", o.PageSize)); err != nil {
			db.Close()
			return nil, errors.WithMessage(err, "setting page_size")
		}
	}
	if o.CacheSizePages != 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma cache_size=%d", o.CacheSizePages)); err != nil {
			db.Close()
			return nil, errors.WithMessage(err, "setting cache_size")
		}
	}
	for _, pragma := range o.ExtraPragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, errors.WithMessagef(err, "running extra pragma %q", pragma)
		}
	}
	return db, nil
}

// WALCheckpointRestart issues `PRAGMA wal_checkpoint(RESTART)`, the
// database/sql-reachable equivalent of sqlite3_wal_checkpoint_v2.
func WALCheckpointRestart(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "pragma wal_checkpoint(RESTART)")
	return errors.WithMessage(err, "wal_checkpoint(RESTART)")
}

// DBFilename returns the file backing the "main" database, or "" for an
// in-memory database — used by manager to detect an in-memory redirect.
func DBFilename(ctx context.Context, db *sql.DB) (string, error) {
	var name string
	var seq int
	var file string
	var row = db.QueryRowContext(ctx, "pragma database_list")
	if err := row.Scan(&seq, &name, &file); err != nil {
		return "", errors.WithMessage(err, "pragma database_list")
	}
	return file, nil
}

// Backup copies every page of src into dst using SQLite's online backup
// API, stepping until complete.
func Backup(ctx context.Context, dst, src *sql.DB) error {
	dstConn, err := dst.Conn(ctx)
	if err != nil {
		return err
	}
	defer dstConn.Close()
	srcConn, err := src.Conn(ctx)
	if err != nil {
		return err
	}
	defer srcConn.Close()

	return dstConn.Raw(func(dstDriverConn interface{}) error {
		return srcConn.Raw(func(srcDriverConn interface{}) error {
			var dstSQLite, ok1 = dstDriverConn.(*sqlite3.SQLiteConn)
			var srcSQLite, ok2 = srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok1 || !ok2 {
				return errors.New("enginesql: backup requires mattn/go-sqlite3 connections")
			}
			backup, err := dstSQLite.Backup("main", srcSQLite, "main")
			if err != nil {
				return errors.WithMessage(err, "starting online backup")
			}
			defer backup.Finish()
			for {
				var done, err = backup.Step(-1)
				if err != nil {
					return errors.WithMessage(err, "backup step")
				}
				if done {
					return nil
				}
			}
		})
	})
}
