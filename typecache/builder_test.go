package typecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID   int64
	Name string
	Note string `db:"-"`
}

func TestBuilderImplicitPKAndInsertColumns(t *testing.T) {
	var b = NewBuilder[widget]().WithCreateFlags(ImplicitPK | AutoIncPK)
	desc, err := b.Build()
	require.NoError(t, err)

	require.NotNil(t, desc.PrimaryKey)
	assert.Equal(t, "ID", desc.PrimaryKey.MemberName)
	assert.True(t, desc.PrimaryKey.IsAutoInc)
	assert.Same(t, desc.PrimaryKey, desc.AutoIncrementPK)

	// Note is tagged db:"-" and must not appear at all.
	_, ok := desc.ColumnByMember("Note")
	assert.False(t, ok)

	// InsertColumns excludes the auto-increment PK; InsertOrReplaceColumns
	// includes every column.
	assert.Len(t, desc.InsertColumns, 1)
	assert.Equal(t, "Name", desc.InsertColumns[0].MemberName)
	assert.Len(t, desc.InsertOrReplaceColumns, 2)

	assert.Equal(t, `select * from "widget" where "ID" = ?`, desc.GetByPrimaryKeySQL)
}

// fourUniqueIndexes mirrors scenario S4: four unique indices, two
// single-column (UX_Uno, UX_Uno_bool) and two two-column (UX_Dos,
// UX_Dos_bool).
type fourUniqueIndexes struct {
	Uno   string
	Dos   string
	Tres  string
	Cuatro string
	Cinco string
	Seis  string
}

func TestBuilderGroupsIndicesByName(t *testing.T) {
	var b = NewBuilder[fourUniqueIndexes]()
	b.Column("Uno").Indexed("UX_Uno", 0, true, "ASC")
	b.Column("Dos").Indexed("UX_Dos", 0, true, "ASC")
	b.Column("Tres").Indexed("UX_Dos", 1, true, "ASC")
	b.Column("Cuatro").Indexed("UX_Uno_bool", 0, true, "ASC")
	b.Column("Cinco").Indexed("UX_Dos_bool", 0, true, "ASC")
	b.Column("Seis").Indexed("UX_Dos_bool", 1, true, "ASC")

	desc, err := b.Build()
	require.NoError(t, err)
	require.Len(t, desc.Indices, 4)

	var byName = map[string]*IndexDescriptor{}
	for _, idx := range desc.Indices {
		byName[idx.Name] = idx
	}
	require.Contains(t, byName, "UX_Uno")
	require.Contains(t, byName, "UX_Dos")
	require.Contains(t, byName, "UX_Uno_bool")
	require.Contains(t, byName, "UX_Dos_bool")

	assert.Len(t, byName["UX_Uno"].Columns, 1)
	assert.Len(t, byName["UX_Dos"].Columns, 2)
	assert.Equal(t, "Dos", byName["UX_Dos"].Columns[0].MemberName)
	assert.Equal(t, "Tres", byName["UX_Dos"].Columns[1].MemberName)
}

func TestBuilderMixedUniqueParticipantsFails(t *testing.T) {
	var b = NewBuilder[fourUniqueIndexes]()
	b.Column("Uno").Indexed("IX_mixed", 0, true, "ASC")
	b.Column("Dos").Indexed("IX_mixed", 1, false, "ASC")

	_, err := b.Build()
	require.Error(t, err)
}

func TestBuilderWithoutRowIDRequiresPK(t *testing.T) {
	_, err := NewBuilder[widget]().WithoutRowID().Build()
	require.Error(t, err)
}

func TestBuilderAutoIncMustBeInteger(t *testing.T) {
	type stringPK struct {
		Key string
	}
	var b = NewBuilder[stringPK]()
	b.Column("Key").PrimaryKey().AutoIncrement()
	_, err := b.Build()
	require.Error(t, err)
}

func TestCacheGetIsIdempotentAndClearForcesRebuild(t *testing.T) {
	var c = New()
	var calls int
	var build = func() (*RecordDescriptor, error) {
		calls++
		return NewBuilder[widget]().WithCreateFlags(ImplicitPK).Build()
	}

	d1, err := GetFor[widget](c, build)
	require.NoError(t, err)
	d2, err := GetFor[widget](c, build)
	require.NoError(t, err)

	assert.Same(t, d1, d2)
	assert.Equal(t, 1, calls)

	c.Clear()
	_, err = GetFor[widget](c, build)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
