// Package typecache derives, memoizes, and serves RecordDescriptors: the
// per-Go-type mapping from struct to table/column/index definitions.
// Since Go has no runtime attribute reflection, descriptors are
// assembled by an explicit Builder (see builder.go); the process-wide
// Cache (see cache.go) memoizes the result of Build() so repeated
// lookups for the same type never re-walk its fields.
package typecache

import (
	"reflect"
	"strings"

	"go.litecore.dev/store/sqlvalue"
)

// CreateFlags mirrors the bitset consulted by schema synthesis at create
// time.
type CreateFlags uint

const (
	// ImplicitPK promotes a member literally named "Id" (case-insensitive)
	// to primary key when no column was explicitly marked as one.
	ImplicitPK CreateFlags = 1 << iota
	// ImplicitIndex adds any non-PK member whose name ends in "Id"
	// (case-insensitive) to a default index.
	ImplicitIndex
	// AutoIncPK marks the (possibly implicit) primary key auto-increment.
	AutoIncPK
	// FullTextSearch3 synthesizes the table as `CREATE VIRTUAL TABLE ...
	// USING fts3(...)`.
	FullTextSearch3
	// FullTextSearch4 is FullTextSearch3's fts4 counterpart.
	FullTextSearch4
)

// IndexParticipation records that a column takes part in an index.
type IndexParticipation struct {
	// Name is the index name; empty means "unnamed", grouped later under
	// a generated name derived from its columns.
	Name string
	// Order controls the column's ordinal position within the index.
	Order int
	Unique bool
	// Direction is "ASC" or "DESC"; empty defaults to ASC.
	Direction string
}

// ColumnDescriptor is the per-column mapping between a struct field and
// its SQL column.
type ColumnDescriptor struct {
	Name           string
	MemberName     string
	FieldIndex     []int
	StorageKind    sqlvalue.StorageKind
	DeclaredType   string
	HostType       reflect.Type
	UnderlyingType reflect.Type

	IsPK        bool
	IsAutoInc   bool
	IsAutoGuid  bool
	IsNullable  bool
	IsUnique    bool
	StoreAsText bool

	// EnumNames and EnumOrdinals are the memoized integer->name table
	// (and its reverse) used to round-trip a StoreAsText enum column;
	// both are nil when StoreAsText is false.
	EnumNames    map[int64]string
	EnumOrdinals map[string]int64

	Collation       string
	MaxStringLength int
	HasDefault      bool
	DefaultValue    interface{}

	Indices []IndexParticipation
}

// IndexDescriptor is a synthesized, named, ordered index over one or more
// columns, produced by grouping ColumnDescriptor.Indices by name.
type IndexDescriptor struct {
	Name    string
	Unique  bool
	Columns []*ColumnDescriptor
}

// RecordDescriptor is the stable, per-host-type handle returned by the
// Cache: table name, columns, indices, and the precomputed SQL each
// verb needs.
type RecordDescriptor struct {
	Type         reflect.Type
	TableName    string
	WithoutRowID bool
	CreateFlags  CreateFlags

	Columns []*ColumnDescriptor

	PrimaryKey      *ColumnDescriptor
	AutoIncrementPK *ColumnDescriptor

	Indices []*IndexDescriptor

	GetByPrimaryKeySQL string
	InsertColumns       []*ColumnDescriptor // all non-auto-increment columns
	InsertOrReplaceColumns []*ColumnDescriptor // all columns

	byName   map[string]*ColumnDescriptor
	byMember map[string]*ColumnDescriptor
}

// ColumnByName looks up a column by its SQL name. An exact match is O(1);
// otherwise the columns are scanned for a case-insensitive match, as
// SQLite identifiers are case-insensitive.
func (d *RecordDescriptor) ColumnByName(name string) (*ColumnDescriptor, bool) {
	if c, ok := d.byName[name]; ok {
		return c, true
	}
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return nil, false
}

// ColumnByMember looks up a column by its Go struct field name; O(1).
func (d *RecordDescriptor) ColumnByMember(name string) (*ColumnDescriptor, bool) {
	c, ok := d.byMember[name]
	return c, ok
}
