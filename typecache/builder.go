package typecache

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"go.litecore.dev/store/sqlvalue"
)

// Builder assembles a RecordDescriptor for the type T. Its methods cover
// the record attributes a caller may want to declare: Table, Column,
// PrimaryKey, AutoIncrement, Indexed, Unique, Ignore, NotNull, MaxLength,
// Collation, Default, StoreAsText.
type Builder[T any] struct {
	typ         reflect.Type
	tableName   string
	withoutRow  bool
	createFlags CreateFlags
	fields      []fieldEntry
	columns     map[string]*ColumnDescriptor // keyed by MemberName
	order       []string                     // MemberName declaration order
	ignored     map[string]bool
	err         error
}

type fieldEntry struct {
	field reflect.StructField
	index []int
}

// NewBuilder starts a Builder for T, pre-populating one ColumnDescriptor
// per exported, non-ignored field walked (declared members
// first, each embedding level preceding the next-deeper level). Fields
// tagged `db:"-"` are dropped before the caller ever sees them; a bare
// `db:"custom_name"` tag seeds ColumnDescriptor.Name so simple mappings
// need no further builder calls (see DESIGN.md OQ-1).
func NewBuilder[T any]() *Builder[T] {
	var zero T
	var t = reflect.TypeOf(zero)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	var b = &Builder[T]{
		typ:     t,
		columns: map[string]*ColumnDescriptor{},
		ignored: map[string]bool{},
	}
	b.fields = walkFields(t)
	for _, fe := range b.fields {
		if !fe.field.IsExported() {
			continue
		}
		var tag = fe.field.Tag.Get("db")
		if tag == "-" {
			continue
		}
		var name = fe.field.Name
		if tag != "" {
			name = strings.Split(tag, ",")[0]
		}
		var underlying = fe.field.Type
		for underlying.Kind() == reflect.Ptr {
			underlying = underlying.Elem()
		}
		kind, decl, err := sqlvalue.DefaultStorage(underlying)
		if err != nil {
			b.err = err
		}
		var col = &ColumnDescriptor{
			Name:           name,
			MemberName:     fe.field.Name,
			FieldIndex:     fe.index,
			StorageKind:    kind,
			DeclaredType:   decl,
			HostType:       fe.field.Type,
			UnderlyingType: underlying,
			IsNullable:     fe.field.Type.Kind() == reflect.Ptr,
		}
		b.columns[fe.field.Name] = col
		b.order = append(b.order, fe.field.Name)
	}
	return b
}

// walkFields performs a level-by-level (BFS) walk over T and its
// embedded structs: each level's own members, in declaration order,
// precede the next-deeper level's.
func walkFields(t reflect.Type) []fieldEntry {
	type node struct {
		typ    reflect.Type
		prefix []int
	}
	var out []fieldEntry
	var queue = []node{{t, nil}}
	for len(queue) > 0 {
		var cur = queue[0]
		queue = queue[1:]
		for i := 0; i < cur.typ.NumField(); i++ {
			var f = cur.typ.Field(i)
			var idx = append(append([]int{}, cur.prefix...), i)
			if f.Anonymous && f.Type.Kind() == reflect.Struct {
				queue = append(queue, node{f.Type, idx})
				continue
			}
			out = append(out, fieldEntry{f, idx})
		}
	}
	return out
}

// Table overrides the table name (default: the Go type name).
func (b *Builder[T]) Table(name string) *Builder[T] {
	b.tableName = name
	return b
}

// WithoutRowID marks the table `WITHOUT ROWID`; a primary key is then
// required (checked by Build).
func (b *Builder[T]) WithoutRowID() *Builder[T] {
	b.withoutRow = true
	return b
}

// WithCreateFlags sets the bitset consulted at create time.
func (b *Builder[T]) WithCreateFlags(f CreateFlags) *Builder[T] {
	b.createFlags = f
	return b
}

// Ignore drops member from the descriptor entirely.
func (b *Builder[T]) Ignore(member string) *Builder[T] {
	delete(b.columns, member)
	b.ignored[member] = true
	return b
}

// Column returns a ColumnBuilder for further customization of member,
// which must name an exported field of T (or one promoted from an
// embedded struct).
func (b *Builder[T]) Column(member string) *ColumnBuilder[T] {
	var col, ok = b.columns[member]
	if !ok {
		b.err = errors.Errorf("typecache: %s has no exported field %q", b.typ, member)
		col = &ColumnDescriptor{MemberName: member, Name: member}
	}
	return &ColumnBuilder[T]{parent: b, col: col}
}

// ColumnBuilder customizes a single ColumnDescriptor. Every method
// returns the receiver for chaining, ending with Build (on the parent)
// or simply falling out of scope.
type ColumnBuilder[T any] struct {
	parent *Builder[T]
	col    *ColumnDescriptor
}

func (c *ColumnBuilder[T]) Name(name string) *ColumnBuilder[T] {
	c.col.Name = name
	return c
}

func (c *ColumnBuilder[T]) PrimaryKey() *ColumnBuilder[T] {
	c.col.IsPK = true
	c.col.IsNullable = false
	return c
}

func (c *ColumnBuilder[T]) AutoIncrement() *ColumnBuilder[T] {
	c.col.IsAutoInc = true
	return c
}

func (c *ColumnBuilder[T]) AutoGuid() *ColumnBuilder[T] {
	c.col.IsAutoGuid = true
	return c
}

func (c *ColumnBuilder[T]) NotNull() *ColumnBuilder[T] {
	c.col.IsNullable = false
	return c
}

// Indexed adds member to the named index (name may be empty for the
// fallback-named default index) at the given ordinal position.
func (c *ColumnBuilder[T]) Indexed(name string, order int, unique bool, direction string) *ColumnBuilder[T] {
	c.col.Indices = append(c.col.Indices, IndexParticipation{
		Name: name, Order: order, Unique: unique, Direction: direction,
	})
	if unique {
		c.col.IsUnique = true
	}
	return c
}

// Unique is Indexed with unique=true and Order set to the number of
// index participations the column already has.
func (c *ColumnBuilder[T]) Unique(name string) *ColumnBuilder[T] {
	return c.Indexed(name, len(c.col.Indices), true, "ASC")
}

func (c *ColumnBuilder[T]) MaxLength(n int) *ColumnBuilder[T] {
	c.col.MaxStringLength = n
	if c.col.StorageKind == sqlvalue.StorageText {
		c.col.DeclaredType = fmt.Sprintf("varchar(%d)", n)
	}
	return c
}

func (c *ColumnBuilder[T]) Collation(name string) *ColumnBuilder[T] {
	c.col.Collation = name
	return c
}

func (c *ColumnBuilder[T]) Default(v interface{}) *ColumnBuilder[T] {
	c.col.HasDefault = true
	c.col.DefaultValue = v
	return c
}

// StoreAsText marks an enum column to persist as its name rather than
// its ordinal. names is the integer->name table memoized on the
// resulting ColumnDescriptor (and its reverse, for scanning) so both the
// bind and scan paths can round-trip through the name instead of the
// ordinal.
func (c *ColumnBuilder[T]) StoreAsText(names map[int64]string) *ColumnBuilder[T] {
	c.col.StoreAsText = true
	c.col.StorageKind = sqlvalue.StorageText
	c.col.DeclaredType = "varchar"
	c.col.EnumNames = names
	c.col.EnumOrdinals = make(map[string]int64, len(names))
	for ordinal, name := range names {
		c.col.EnumOrdinals[name] = ordinal
	}
	return c
}

func (c *ColumnBuilder[T]) DeclaredType(t string) *ColumnBuilder[T] {
	c.col.DeclaredType = t
	return c
}

// Build finalizes the descriptor: applies ImplicitPK/ImplicitIndex,
// checks column and index invariants, groups IndexParticipations into
// IndexDescriptors, and computes GetByPrimaryKeySql / InsertColumns.
func (b *Builder[T]) Build() (*RecordDescriptor, error) {
	if b.err != nil {
		return nil, b.err
	}
	var tableName = b.tableName
	if tableName == "" {
		tableName = b.typ.Name()
	}

	var d = &RecordDescriptor{
		Type:         b.typ,
		TableName:    tableName,
		WithoutRowID: b.withoutRow,
		CreateFlags:  b.createFlags,
		byName:       map[string]*ColumnDescriptor{},
		byMember:     map[string]*ColumnDescriptor{},
	}
	for _, member := range b.order {
		if b.ignored[member] {
			continue
		}
		var col = b.columns[member]
		d.Columns = append(d.Columns, col)
		if _, dup := d.byName[col.Name]; dup {
			return nil, errors.Errorf("typecache: %s: duplicate column name %q", b.typ, col.Name)
		}
		d.byName[col.Name] = col
		d.byMember[col.MemberName] = col
		if col.IsPK {
			if d.PrimaryKey != nil {
				return nil, errors.Errorf("typecache: %s: more than one primary key column", b.typ)
			}
			d.PrimaryKey = col
		}
	}

	if d.PrimaryKey == nil && b.createFlags&ImplicitPK != 0 {
		for _, col := range d.Columns {
			if strings.EqualFold(col.MemberName, "Id") {
				col.IsPK = true
				col.IsNullable = false
				d.PrimaryKey = col
				break
			}
		}
	}

	if b.createFlags&ImplicitIndex != 0 {
		for _, col := range d.Columns {
			if col == d.PrimaryKey {
				continue
			}
			if strings.HasSuffix(strings.ToLower(col.MemberName), "id") {
				col.Indices = append(col.Indices, IndexParticipation{Order: len(col.Indices)})
			}
		}
	}

	if d.WithoutRowID && d.PrimaryKey == nil {
		return nil, errors.Errorf("typecache: %s: WithoutRowID requires a primary key", b.typ)
	}
	if d.PrimaryKey != nil && d.PrimaryKey.IsNullable {
		return nil, errors.Errorf("typecache: %s: primary key column %q must not be nullable", b.typ, d.PrimaryKey.Name)
	}

	for _, col := range d.Columns {
		if col.IsAutoInc {
			if col.IsAutoGuid {
				return nil, errors.Errorf("typecache: %s: column %q cannot be both auto-increment and auto-guid", b.typ, col.Name)
			}
			if col.StorageKind != sqlvalue.StorageInteger {
				return nil, errors.Errorf("typecache: %s: auto-increment column %q must be integer storage", b.typ, col.Name)
			}
			if col == d.PrimaryKey || (col.IsPK) {
				d.AutoIncrementPK = col
			}
		}
		if col.IsPK {
			col.IsUnique = true
		}
	}
	if b.createFlags&AutoIncPK != 0 && d.PrimaryKey != nil {
		d.PrimaryKey.IsAutoInc = true
		d.AutoIncrementPK = d.PrimaryKey
	}

	// AUTOINCREMENT is only legal on a column declared exactly INTEGER
	// PRIMARY KEY: SQLite rejects "bigint primary key autoincrement" at
	// prepare time. Widening host types (int64, uint, ...) otherwise
	// declare "bigint"; force the declared type back to "integer" for
	// the auto-increment primary key so it aliases rowid as required.
	if d.AutoIncrementPK != nil {
		d.AutoIncrementPK.DeclaredType = "integer"
	}

	indices, err := groupIndices(tableName, d.Columns)
	if err != nil {
		return nil, err
	}
	d.Indices = indices
	for _, idx := range indices {
		if idx.Unique {
			for _, c := range idx.Columns {
				c.IsUnique = true
			}
		}
	}

	if d.PrimaryKey != nil {
		d.GetByPrimaryKeySQL = fmt.Sprintf(`select * from "%s" where "%s" = ?`, tableName, d.PrimaryKey.Name)
	}
	for _, col := range d.Columns {
		d.InsertOrReplaceColumns = append(d.InsertOrReplaceColumns, col)
		if !col.IsAutoInc {
			d.InsertColumns = append(d.InsertColumns, col)
		}
	}

	return d, nil
}

// groupIndices groups column IndexParticipations by name (falling back
// to "{UX|IX}_<table>_<column>" for unnamed single-column participations,
//), sorting each group's columns by ascending Order, and
// fails if a group mixes unique and non-unique participations.
func groupIndices(table string, columns []*ColumnDescriptor) ([]*IndexDescriptor, error) {
	type participant struct {
		col  *ColumnDescriptor
		part IndexParticipation
	}
	var groups = map[string][]participant{}
	var groupOrder []string

	for _, col := range columns {
		for _, part := range col.Indices {
			var name = part.Name
			if name == "" {
				var prefix = "IX"
				if part.Unique {
					prefix = "UX"
				}
				name = fmt.Sprintf("%s_%s_%s", prefix, table, col.Name)
			}
			if _, ok := groups[name]; !ok {
				groupOrder = append(groupOrder, name)
			}
			groups[name] = append(groups[name], participant{col, part})
		}
	}

	var out []*IndexDescriptor
	for _, name := range groupOrder {
		var members = groups[name]
		var unique = members[0].part.Unique
		for _, m := range members[1:] {
			if m.part.Unique != unique {
				return nil, errors.Errorf("typecache: index %q mixes unique and non-unique participants", name)
			}
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				if members[j].part.Order < members[i].part.Order {
					members[i], members[j] = members[j], members[i]
				}
			}
		}
		var idx = &IndexDescriptor{Name: name, Unique: unique}
		for _, m := range members {
			idx.Columns = append(idx.Columns, m.col)
		}
		out = append(out, idx)
	}
	return out, nil
}
