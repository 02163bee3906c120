// Command litestore-migrate opens a database through package manager,
// runs the bootstrap and migration sequence, and prints a schema
// report: every table's columns and indexes as PRAGMA table_info and
// PRAGMA index_list see them. It exercises storeconfig and storelog the
// way a real service would, without depending on any particular
// application schema.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"go.litecore.dev/store/enginesql"
	"go.litecore.dev/store/manager"
	"go.litecore.dev/store/storeconfig"
	"go.litecore.dev/store/storelog"
)

// noopMigrator reports LatestVersion 0, so Manager.Open's migration loop
// never invokes Migrate on a database with no registered schema steps.
type noopMigrator struct{}

func (noopMigrator) LatestVersion() int { return 0 }
func (noopMigrator) Migrate(ctx context.Context, from int, apply func(int, func(tx *sql.Tx) error) error) error {
	return nil
}

func main() {
	var cfg storeconfig.Config
	storeconfig.MustParseConfig(&cfg, "litestore-migrate.ini")
	var sink = storelog.Init(cfg.Log)

	var dsn = enginesql.DSNOptions{
		Path: cfg.DatabasePath,
		Flags: enginesql.OpenFlags{
			ReadOnly:    cfg.ReadOnly,
			Memory:      cfg.Memory,
			SharedCache: cfg.SharedCache,
			OpenURI:     cfg.OpenURI,
		},
		BusyTimeout:          cfg.BusyTimeout,
		StoreDateTimeAsTicks: cfg.StoreDateTimeAsTicks,
		CacheSizePages:       cfg.CacheSizePages,
		PageSize:             cfg.PageSize,
	}

	var ctx = context.Background()
	m, err := manager.Open(ctx, manager.Options{
		DSN:              dsn,
		MinPoolSize:      cfg.MinPoolSize,
		MaxPoolSize:      cfg.MaxPoolSize,
		WriteLockTimeout: cfg.DatabaseWriteLockTimeout,
		Retries:          cfg.Retries,
		Migrator:         noopMigrator{},
		Log:              sink,
	})
	if err != nil {
		sink.Fatalf("opening database: %v", err)
		os.Exit(1)
	}
	defer m.Close(ctx)

	if err := m.Write(ctx, "schema-report", func(ctx context.Context, db *sql.DB) error {
		return printSchemaReport(ctx, db)
	}); err != nil {
		sink.Fatalf("schema report: %v", err)
		os.Exit(1)
	}
}

func printSchemaReport(ctx context.Context, db *sql.DB) error {
	var uv int
	if err := db.QueryRowContext(ctx, "pragma user_version").Scan(&uv); err != nil {
		return err
	}
	fmt.Printf("schema version: %d\n", uv)

	tables, err := db.QueryContext(ctx, `select name from sqlite_master where type = 'table' and name not like 'sqlite_%' order by name`)
	if err != nil {
		return err
	}
	defer tables.Close()

	var names []string
	for tables.Next() {
		var name string
		if err := tables.Scan(&name); err != nil {
			return err
		}
		names = append(names, name)
	}
	if err := tables.Err(); err != nil {
		return err
	}

	for _, name := range names {
		fmt.Printf("\ntable %q\n", name)
		if err := printColumns(ctx, db, name); err != nil {
			return err
		}
		if err := printIndexes(ctx, db, name); err != nil {
			return err
		}
	}
	return nil
}

func printColumns(ctx context.Context, db *sql.DB, table string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`pragma table_info(%q)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var colName, declType string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &colName, &declType, &notNull, &dflt, &pk); err != nil {
			return err
		}
		fmt.Printf("  %-20s %-12s not-null=%-5v pk=%v\n", colName, declType, notNull != 0, pk != 0)
	}
	return rows.Err()
}

func printIndexes(ctx context.Context, db *sql.DB, table string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`pragma index_list(%q)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return err
		}
		if origin == "pk" {
			continue
		}
		fmt.Printf("  index %-20s unique=%v\n", name, unique != 0)
	}
	return rows.Err()
}
