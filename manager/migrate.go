package manager

import (
	"context"
	"database/sql"
	"fmt"

	"go.litecore.dev/store/dberrors"
)

// Migrator is implemented by callers that need schema migrations run at
// bootstrap. Migrate is invoked once per version step; it receives the
// current version and an apply callback that runs step inside a
// transaction and then persists newVersion to PRAGMA user_version.
type Migrator interface {
	LatestVersion() int
	Migrate(ctx context.Context, from int, apply func(newVersion int, step func(tx *sql.Tx) error) error) error
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	var row = db.QueryRowContext(ctx, "pragma user_version")
	if err := row.Scan(&v); err != nil {
		return 0, dberrors.New(dberrors.KindGeneric, "pragma user_version", err)
	}
	return v, nil
}

// runMigrations loops PRAGMA user_version -> Migrator.Migrate until the
// current version reaches LatestVersion. A no-op when m is nil.
func runMigrations(ctx context.Context, db *sql.DB, m Migrator) error {
	if m == nil {
		return nil
	}
	for {
		current, err := userVersion(ctx, db)
		if err != nil {
			return err
		}
		if current >= m.LatestVersion() {
			return nil
		}

		var apply = func(newVersion int, step func(tx *sql.Tx) error) error {
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				return dberrors.Classify("BEGIN", err, nil, "")
			}
			if err := step(tx); err != nil {
				tx.Rollback()
				return err
			}
			if err := tx.Commit(); err != nil {
				return dberrors.Classify("COMMIT", err, nil, "")
			}
			var stmt = fmt.Sprintf("pragma user_version=%d", newVersion)
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return dberrors.Classify(stmt, err, nil, "")
			}
			return nil
		}

		if err := m.Migrate(ctx, current, apply); err != nil {
			return err
		}
	}
}
