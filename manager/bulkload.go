package manager

import (
	"context"
	"database/sql"

	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/enginesql"
	"go.litecore.dev/store/txn"
)

// bulkLoadState holds the pre-swap writer so BulkLoadFinish/BulkLoadRollback can
// restore or discard it.
type bulkLoadState struct {
	memory   *sql.DB
	original *sql.DB
}

// BulkLoadStart swaps the writer for a fresh in-memory database seeded
// with a full copy of the on-disk one, so a heavy import runs against
// memory instead of paying WAL/fsync cost per statement. Holds the write
// lock for its duration.
func (m *Manager) BulkLoadStart(ctx context.Context) (*bulkLoadState, error) {
	var state *bulkLoadState
	err := m.Write(ctx, "bulk-load-start", func(ctx context.Context, writer *sql.DB) error {
		var memDSN = m.opts.DSN
		memDSN.Path = ""
		memDSN.Flags.Memory = true

		mem, err := enginesql.Open(ctx, memDSN)
		if err != nil {
			return err
		}
		if err := enginesql.Backup(ctx, mem, writer); err != nil {
			mem.Close()
			return dberrors.New(dberrors.KindGeneric, "", err)
		}

		state = &bulkLoadState{memory: mem, original: m.writer}
		m.writer = mem
		m.writerTxn = txn.New(mem)
		return nil
	})
	return state, err
}

// BulkLoadFinish copies the in-memory writer back to disk and restores
// the original on-disk connection as the writer.
func (m *Manager) BulkLoadFinish(ctx context.Context, state *bulkLoadState) error {
	return m.Write(ctx, "bulk-load-finish", func(ctx context.Context, writer *sql.DB) error {
		if err := enginesql.Backup(ctx, state.original, state.memory); err != nil {
			return dberrors.New(dberrors.KindGeneric, "", err)
		}
		m.writer = state.original
		m.writerTxn = txn.New(state.original)
		return state.memory.Close()
	})
}

// BulkLoadRollback discards the in-memory writer and restores the
// original on-disk connection without copying anything back.
func (m *Manager) BulkLoadRollback(ctx context.Context, state *bulkLoadState) error {
	return m.Write(ctx, "bulk-load-rollback", func(ctx context.Context, writer *sql.DB) error {
		m.writer = state.original
		m.writerTxn = txn.New(state.original)
		return state.memory.Close()
	})
}
