package lake

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/kgraph/pkg/schema"
)

func projectFields() []schema.Field {
	return []schema.Field{
		{Name: "url", Type: schema.FieldString, PrimaryKey: true},
		{Name: "name", Type: schema.FieldString},
		{Name: "stars", Type: schema.FieldInt},
	}
}

func TestWriteAndOpenTable(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	rows := []Row{{"id": "u1", "url": "https://x", "name": "example", "stars": int64(42)}}
	require.NoError(t, l.WriteBatches("silver/entities/project", rows, projectFields(), []string{"url"}))

	snap, err := l.OpenTable("silver/entities/project")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	require.Len(t, snap.Rows, 1)
	assert.Equal(t, "example", snap.Rows[0]["name"])
}

func TestMergeByPrimaryKeyReplaces(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	require.NoError(t, l.WriteBatches("silver/entities/project", []Row{
		{"id": "u1", "url": "https://x", "name": "example", "stars": int64(42)},
	}, projectFields(), []string{"url"}))

	require.NoError(t, l.WriteBatches("silver/entities/project", []Row{
		{"id": "u1", "url": "https://x", "name": "example", "stars": int64(50)},
	}, projectFields(), []string{"url"}))

	snap, err := l.OpenTable("silver/entities/project")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	require.Len(t, snap.Rows, 1, "merge-by-pk must not duplicate rows")
	assert.EqualValues(t, 50, snap.Rows[0]["stars"])
}

func TestScanWithFilter(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	require.NoError(t, l.WriteBatches("silver/entities/project", []Row{
		{"id": "u1", "url": "https://a", "name": "a", "stars": int64(1)},
		{"id": "u2", "url": "https://b", "name": "b", "stars": int64(2)},
	}, projectFields(), []string{"url"}))

	rows, err := l.Scan("silver/entities/project", map[string]any{"name": "b"}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u2", rows[0]["id"])
}

func TestRowCountOnEmptyTable(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	n, err := l.RowCount("silver/entities/project")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLScan(t *testing.T) {
	l, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)

	require.NoError(t, l.WriteBatches("silver/entities/project", []Row{
		{"id": "u1", "url": "https://a", "name": "a", "stars": int64(1)},
		{"id": "u2", "url": "https://b", "name": "b", "stars": int64(9)},
	}, projectFields(), []string{"url"}))

	rows, err := l.SQL("silver/entities/project", "SELECT id FROM {{table}} WHERE stars = '9'")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "u2", rows[0]["id"])
}
