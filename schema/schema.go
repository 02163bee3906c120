// Package schema implements the schema synthesizer: it turns
// a typecache.RecordDescriptor into CREATE TABLE / ALTER TABLE ADD COLUMN
// / CREATE INDEX statements, and reconciles them against a live database
// via PRAGMA table_info / index_list / index_info. Grounded on
// store-sqlite/store.go's Open(bootstrapSQL, ...) bootstrap pattern,
// generalized from a caller-supplied SQL string to descriptor-driven
// synthesis.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"go.litecore.dev/store/dberrors"
	"go.litecore.dev/store/sqlvalue"
	"go.litecore.dev/store/typecache"
)

// Execer is satisfied by *sql.DB and *sql.Tx; Synthesize and Verify only
// need this much of the API.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Result reports the outcome of Synthesize.
type Result int

const (
	// Created means the table did not exist and was created fresh.
	Created Result = iota
	// Migrated means the table existed and zero or more ADD COLUMN
	// statements were applied successfully.
	Migrated
	// Error means reading the live table, creating the table, or index
	// synthesis failed.
	Error
	// ErrorMigrating means an ADD COLUMN statement failed.
	ErrorMigrating
)

func (r Result) String() string {
	switch r {
	case Created:
		return "created"
	case Migrated:
		return "migrated"
	case Error:
		return "error"
	case ErrorMigrating:
		return "error-migrating"
	default:
		return "unknown"
	}
}

// Synthesize inspects the live table, creates it if absent, adds any
// missing columns via ALTER TABLE, and (re)creates every declared index.
func Synthesize(ctx context.Context, ex Execer, desc *typecache.RecordDescriptor) (Result, error) {
	existing, err := tableInfo(ctx, ex, desc.TableName)
	if err != nil {
		return Error, err
	}

	var result Result
	if len(existing) == 0 {
		stmt, err := CreateTableSQL(desc)
		if err != nil {
			return Error, err
		}
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return Error, dberrors.New(dberrors.KindGeneric, stmt, err)
		}
		result = Created
	} else {
		var present = make(map[string]bool, len(existing))
		for _, c := range existing {
			present[strings.ToLower(c.name)] = true
		}
		for _, col := range desc.Columns {
			if present[strings.ToLower(col.Name)] {
				continue
			}
			decl, err := columnDecl(col, false)
			if err != nil {
				return ErrorMigrating, err
			}
			var stmt = fmt.Sprintf(`alter table "%s" add column %s`, desc.TableName, decl)
			if _, err := ex.ExecContext(ctx, stmt); err != nil {
				return ErrorMigrating, dberrors.New(dberrors.KindGeneric, stmt, err)
			}
		}
		result = Migrated
	}

	for _, idx := range desc.Indices {
		stmt := CreateIndexSQL(desc, idx)
		if _, err := ex.ExecContext(ctx, stmt); err != nil {
			return Error, dberrors.New(dberrors.KindGeneric, stmt, err)
		}
	}
	return result, nil
}

// CreateTableSQL synthesizes the CREATE TABLE statement for desc,
// including the `[virtual] table ... [using fts3|fts4]` and
// `without rowid` variants.
func CreateTableSQL(desc *typecache.RecordDescriptor) (string, error) {
	var decls = make([]string, 0, len(desc.Columns))
	for _, col := range desc.Columns {
		decl, err := columnDecl(col, true)
		if err != nil {
			return "", err
		}
		decls = append(decls, decl)
	}

	var kind = "table"
	var using = ""
	if desc.CreateFlags&typecache.FullTextSearch3 != 0 {
		kind = "virtual table"
		using = " using fts3"
	} else if desc.CreateFlags&typecache.FullTextSearch4 != 0 {
		kind = "virtual table"
		using = " using fts4"
	}

	var without string
	if desc.WithoutRowID {
		without = " without rowid"
	}

	if using != "" {
		return fmt.Sprintf(`create %s if not exists "%s"%s(%s)%s`,
			kind, desc.TableName, using, strings.Join(decls, ", "), without), nil
	}
	return fmt.Sprintf(`create %s if not exists "%s" (%s)%s`,
		kind, desc.TableName, strings.Join(decls, ", "), without), nil
}

// CreateIndexSQL synthesizes a `CREATE [UNIQUE] INDEX IF NOT EXISTS`
// statement for one grouped IndexDescriptor
func CreateIndexSQL(desc *typecache.RecordDescriptor, idx *typecache.IndexDescriptor) string {
	var cols = make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = fmt.Sprintf(`"%s"`, c.Name)
	}
	var unique string
	if idx.Unique {
		unique = "unique "
	}
	return fmt.Sprintf(`create %sindex if not exists "%s" on "%s"(%s)`,
		unique, idx.Name, desc.TableName, strings.Join(cols, ", "))
}

// columnDecl renders `"col" <type> [primary key] [autoincrement]
// [not null] [collate X] [default('V')]` allowPKClauses
// is false when emitting an ALTER TABLE ADD COLUMN, where SQLite forbids
// PRIMARY KEY/UNIQUE clauses on the added column.
func columnDecl(col *typecache.ColumnDescriptor, allowPKClauses bool) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, `"%s" %s`, col.Name, col.DeclaredType)
	if allowPKClauses && col.IsPK {
		b.WriteString(" primary key")
		if col.IsAutoInc {
			b.WriteString(" autoincrement")
		}
	}
	if !col.IsNullable {
		b.WriteString(" not null")
	}
	if col.Collation != "" {
		fmt.Fprintf(&b, " collate %s", col.Collation)
	}
	if col.HasDefault {
		lit, err := sqlvalue.DefaultLiteral(col.DefaultValue)
		if err != nil {
			return "", errors.WithMessagef(err, "default value for column %q", col.Name)
		}
		fmt.Fprintf(&b, " default(%s)", lit)
	}
	return b.String(), nil
}

type columnInfo struct {
	name       string
	declType   string
	notNull    bool
	pk         bool
}

func tableInfo(ctx context.Context, ex Execer, table string) ([]columnInfo, error) {
	rows, err := ex.QueryContext(ctx, fmt.Sprintf(`pragma table_info("%s")`, table))
	if err != nil {
		return nil, dberrors.New(dberrors.KindGeneric, "pragma table_info", err)
	}
	defer rows.Close()

	var out []columnInfo
	for rows.Next() {
		var cid int
		var name, decl string
		var notNull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &decl, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out = append(out, columnInfo{name: name, declType: decl, notNull: notNull != 0, pk: pk != 0})
	}
	return out, rows.Err()
}

type indexListEntry struct {
	name   string
	unique bool
	origin string
}

func indexList(ctx context.Context, ex Execer, table string) ([]indexListEntry, error) {
	rows, err := ex.QueryContext(ctx, fmt.Sprintf(`pragma index_list("%s")`, table))
	if err != nil {
		return nil, dberrors.New(dberrors.KindGeneric, "pragma index_list", err)
	}
	defer rows.Close()

	var out []indexListEntry
	for rows.Next() {
		var seq int
		var name, origin string
		var unique, partial int
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			return nil, err
		}
		out = append(out, indexListEntry{name: name, unique: unique != 0, origin: origin})
	}
	return out, rows.Err()
}

// Verify performs a post-migration consistency check:
// every expected column exists with matching PK/NOT NULL/declared type,
// and the set of live (non-"pk"-origin) indexes exactly matches the
// descriptor's expected index names.
func Verify(ctx context.Context, ex Execer, desc *typecache.RecordDescriptor) error {
	existing, err := tableInfo(ctx, ex, desc.TableName)
	if err != nil {
		return err
	}
	var byName = make(map[string]columnInfo, len(existing))
	for _, c := range existing {
		byName[strings.ToLower(c.name)] = c
	}

	for _, col := range desc.Columns {
		live, ok := byName[strings.ToLower(col.Name)]
		if !ok {
			return errors.Errorf("schema: table %q missing expected column %q", desc.TableName, col.Name)
		}
		if live.pk != col.IsPK {
			return errors.Errorf("schema: table %q column %q PK mismatch (want %v got %v)", desc.TableName, col.Name, col.IsPK, live.pk)
		}
		if live.notNull != !col.IsNullable {
			return errors.Errorf("schema: table %q column %q NOT NULL mismatch", desc.TableName, col.Name)
		}
		if !strings.EqualFold(baseType(live.declType), baseType(col.DeclaredType)) {
			return errors.Errorf("schema: table %q column %q declared type mismatch (want %q got %q)", desc.TableName, col.Name, col.DeclaredType, live.declType)
		}
	}

	live, err := indexList(ctx, ex, desc.TableName)
	if err != nil {
		return err
	}
	var liveNames = map[string]bool{}
	for _, e := range live {
		if e.origin == "pk" {
			continue
		}
		liveNames[e.name] = true
	}
	var expectedNames = map[string]bool{}
	for _, idx := range desc.Indices {
		expectedNames[idx.Name] = true
		if !liveNames[idx.Name] {
			return errors.Errorf("schema: table %q missing expected index %q", desc.TableName, idx.Name)
		}
	}
	for name := range liveNames {
		if !expectedNames[name] {
			return errors.Errorf("schema: table %q has unexpected index %q", desc.TableName, name)
		}
	}
	return nil
}

// baseType strips a parenthesized length suffix ("varchar(36)" ->
// "varchar") so comparisons tolerate a declared-vs-live length mismatch
// stemming from SQLite's type-affinity rules.
func baseType(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		return strings.TrimSpace(t[:i])
	}
	return strings.TrimSpace(t)
}
