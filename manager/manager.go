// Package manager implements the connection manager: one writer
// connection guarded by a reentrant named lock, a bounded reader pool,
// bootstrap and migration on open, retry with jittered backoff around
// transient engine errors, and the bulk-load switcheroo.
package manager

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/enginesql"
	"go.litecore.dev/store/storelog"
	"go.litecore.dev/store/txn"
)

// Options configures a Manager.
type Options struct {
	DSN                      enginesql.DSNOptions
	MinPoolSize, MaxPoolSize int
	WriteLockTimeout         time.Duration
	Retries                  int
	Migrator                 Migrator
	Log                      storelog.Sink
}

func (o *Options) setDefaults() {
	if o.MinPoolSize <= 0 {
		o.MinPoolSize = 1
	}
	if o.MaxPoolSize < o.MinPoolSize {
		o.MaxPoolSize = o.MinPoolSize
	}
	if o.WriteLockTimeout <= 0 {
		o.WriteLockTimeout = 30 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = DefaultRetries
	}
	if o.Log == nil {
		o.Log = storelog.Nop
	}
}

type writeLockHeldKey struct{}

// Manager owns the writer connection, the reader pool, and the write
// lock, and drives bootstrap/migration on Open.
type Manager struct {
	opts Options

	writer     *sql.DB
	writerTxn  *txn.Controller
	inMemory   bool

	pool *readerPool

	writeSem    chan struct{}
	writeMu     sync.Mutex
	writeReason string
}

// Open opens the writer connection, runs the bootstrap sequence
// (including migration), and prepares the reader pool. On SQLITE_CORRUPT
// or SQLITE_NOTADB during bootstrap, the database file and its WAL/SHM
// siblings are deleted and the error is returned.
func Open(ctx context.Context, opts Options) (*Manager, error) {
	opts.setDefaults()

	m := &Manager{
		opts:     opts,
		pool:     newReaderPool(opts.MinPoolSize, opts.MaxPoolSize, opts.DSN),
		writeSem: make(chan struct{}, 1),
	}

	writer, err := enginesql.Open(ctx, opts.DSN)
	if err != nil {
		return nil, err
	}
	m.writer = writer
	m.writerTxn = txn.New(writer)

	filename, err := enginesql.DBFilename(ctx, writer)
	if err != nil {
		writer.Close()
		return nil, err
	}
	m.inMemory = filename == ""

	if err := m.bootstrap(ctx); err != nil {
		if dberrors.Is(err, dberrors.KindFatalCorruption) && filename != "" {
			m.opts.Log.Warningf("bootstrap found corrupt database at %s, deleting", filename)
			writer.Close()
			deleteDatabaseFiles(filename)
			return nil, err
		}
		writer.Close()
		return nil, err
	}

	if !m.inMemory {
		if err := m.pool.warm(ctx); err != nil {
			writer.Close()
			return nil, err
		}
	}
	return m, nil
}

// bootstrap runs the fixed pragma sequence, migration, a checkpoint, and
// a one-time VACUUM/REINDEX/ANALYZE.
func (m *Manager) bootstrap(ctx context.Context) error {
	var steps = []string{
		"pragma synchronous=NORMAL",
		"pragma journal_mode=WAL",
	}
	if m.opts.DSN.PageSize > 0 {
		steps = append(steps, fmt.Sprintf("pragma page_size=%d", m.opts.DSN.PageSize))
	}
	steps = append(steps, "pragma cache_size=5000")

	for _, stmt := range steps {
		if _, err := m.writer.ExecContext(ctx, stmt); err != nil {
			return dberrors.Classify(stmt, err, nil, "")
		}
	}

	if err := runMigrations(ctx, m.writer, m.opts.Migrator); err != nil {
		return err
	}

	if err := enginesql.WALCheckpointRestart(ctx, m.writer); err != nil {
		return dberrors.New(dberrors.KindGeneric, "wal_checkpoint(RESTART)", err)
	}
	for _, stmt := range []string{"VACUUM", "REINDEX", "ANALYZE"} {
		if _, err := m.writer.ExecContext(ctx, stmt); err != nil {
			return dberrors.Classify(stmt, err, nil, "")
		}
	}
	return nil
}

func deleteDatabaseFiles(path string) {
	for _, suffix := range []string{"", "-journal", "-shm", "-wal"} {
		os.Remove(path + suffix)
	}
}

// acquireWriteLock blocks up to opts.WriteLockTimeout waiting for the
// write lock. Reentrancy is modeled through ctx: a caller that already
// holds the lock (its ctx carries the marker set by a previous
// acquireWriteLock) is let through immediately, standing in for the
// source's same-thread reentrant mutex.
func (m *Manager) acquireWriteLock(ctx context.Context, reason string) (context.Context, func(), error) {
	if held, _ := ctx.Value(writeLockHeldKey{}).(bool); held {
		return ctx, func() {}, nil
	}

	select {
	case m.writeSem <- struct{}{}:
		m.writeMu.Lock()
		m.writeReason = reason
		m.writeMu.Unlock()
		var release = func() {
			m.writeMu.Lock()
			m.writeReason = ""
			m.writeMu.Unlock()
			<-m.writeSem
		}
		return context.WithValue(ctx, writeLockHeldKey{}, true), release, nil
	case <-time.After(m.opts.WriteLockTimeout):
		m.writeMu.Lock()
		var holder = m.writeReason
		m.writeMu.Unlock()
		return ctx, nil, dberrors.Newf(dberrors.KindWriteLockTimeout, "", "write lock held for %q", holder)
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}
}

// Write acquires the write lock (retrying on contention/timeout per
// Options.Retries) and invokes fn with the writer connection.
func (m *Manager) Write(ctx context.Context, reason string, fn func(ctx context.Context, db *sql.DB) error) error {
	return withRetry(ctx, m.opts.Retries, func(ctx context.Context) error {
		lockedCtx, release, err := m.acquireWriteLock(ctx, reason)
		if err != nil {
			return err
		}
		defer release()
		return fn(lockedCtx, m.writer)
	})
}

// WriterTxn exposes the writer's transaction controller for callers that
// need the savepoint protocol (eg batched inserts, RunInTransaction).
func (m *Manager) WriterTxn() *txn.Controller { return m.writerTxn }

// Read acquires a reader connection (or, for an in-memory database,
// routes through the writer under the write lock — savepoints on a
// cache=shared in-memory database misbehave otherwise) and invokes fn.
func (m *Manager) Read(ctx context.Context, fn func(ctx context.Context, db *sql.DB) error) error {
	if m.inMemory {
		return m.Write(ctx, "in-memory-read-redirect", fn)
	}
	return withRetry(ctx, m.opts.Retries, func(ctx context.Context) error {
		reader, err := m.pool.Get(ctx)
		if err != nil {
			return err
		}
		defer m.pool.Put(reader)
		return fn(ctx, reader)
	})
}

// Close shuts the manager down: PRAGMA optimize, dispose the reader
// pool, checkpoint, dispose the writer.
func (m *Manager) Close(ctx context.Context) error {
	m.writer.ExecContext(ctx, "pragma optimize")
	m.pool.Close()
	enginesql.WALCheckpointRestart(ctx, m.writer)
	return m.writer.Close()
}
