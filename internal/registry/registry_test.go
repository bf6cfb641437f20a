package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_AddsModel(t *testing.T) {
	r := New(nil)
	m, err := r.Register("silver.orders", "models/silver/orders.sql", "SELECT 1", map[string]string{"materialized": "view"}, "view", "", "", nil, ModelDoc{})
	require.NoError(t, err)
	assert.Equal(t, "silver.orders", m.Name)
	assert.NotEmpty(t, m.Fingerprint)

	got, err := r.Get("silver.orders")
	require.NoError(t, err)
	assert.Same(t, m, got)
}

func TestGet_MissingModelReturnsTypedError(t *testing.T) {
	r := New(nil)
	_, err := r.Get("nope")
	require.Error(t, err)
	var target *errs.MissingModelError
	require.ErrorAs(t, err, &target)
}

func TestRegister_RejectsEmptyName(t *testing.T) {
	r := New(nil)
	_, err := r.Register("", "f.sql", "SELECT 1", nil, "view", "", "", nil, ModelDoc{})
	require.Error(t, err)
}

func TestFingerprint_ChangesWithContentOrConfig(t *testing.T) {
	r := New(nil)
	m1, _ := r.Register("m", "m.sql", "SELECT 1", map[string]string{"materialized": "view"}, "view", "", "", nil, ModelDoc{})
	m2, _ := r.Register("m", "m.sql", "SELECT 2", map[string]string{"materialized": "view"}, "view", "", "", nil, ModelDoc{})
	assert.NotEqual(t, m1.Fingerprint, m2.Fingerprint)

	m3, _ := r.Register("m", "m.sql", "SELECT 2", map[string]string{"materialized": "table"}, "table", "", "", nil, ModelDoc{})
	assert.NotEqual(t, m2.Fingerprint, m3.Fingerprint)
}

func TestRegister_MarksCachedParsedModelStale(t *testing.T) {
	r := New(nil)
	r.Register("m", "m.sql", "SELECT 1", nil, "view", "", "", nil, ModelDoc{})
	r.SetParsed("m", &ParsedModel{ModelName: "m", ExpandedSQL: "SELECT 1"})

	_, fresh := r.GetParsed("m")
	require.True(t, fresh)

	r.Register("m", "m.sql", "SELECT 2", nil, "view", "", "", nil, ModelDoc{})
	_, fresh = r.GetParsed("m")
	assert.False(t, fresh, "re-registration with a changed fingerprint should stale the cached ParsedModel")
}

func TestRemove_DeletesModelAndParsed(t *testing.T) {
	r := New(nil)
	r.Register("m", "m.sql", "SELECT 1", nil, "view", "", "", nil, ModelDoc{})
	r.SetParsed("m", &ParsedModel{ModelName: "m"})
	r.Remove("m")

	_, err := r.Get("m")
	require.Error(t, err)
	_, fresh := r.GetParsed("m")
	assert.False(t, fresh)
}

func TestList_SortedByName(t *testing.T) {
	r := New(nil)
	r.Register("b", "b.sql", "SELECT 1", nil, "view", "", "", nil, ModelDoc{})
	r.Register("a", "a.sql", "SELECT 1", nil, "view", "", "", nil, ModelDoc{})

	models := r.List()
	require.Len(t, models, 2)
	assert.Equal(t, "a", models[0].Name)
	assert.Equal(t, "b", models[1].Name)
}

func TestRegister_CarriesSchemaDoc(t *testing.T) {
	r := New(nil)
	doc := ModelDoc{
		Description: "cleaned orders",
		Columns: []ColumnSchema{
			{Name: "id", Description: "primary key", Tests: []ColumnTest{{Type: "unique"}, {Type: "not_null"}}},
		},
	}
	m, err := r.Register("silver.orders", "orders.sql", "SELECT 1", nil, "view", "", "", nil, doc)
	require.NoError(t, err)
	assert.Equal(t, "cleaned orders", m.Description)
	require.Len(t, m.Columns, 1)
	assert.Equal(t, "id", m.Columns[0].Name)
	assert.Equal(t, []string{"unique", "not_null"}, []string{m.Columns[0].Tests[0].Type, m.Columns[0].Tests[1].Type})
}

func TestLoadSchemaFiles_MergesModelsAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "silver"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "silver", "schema.yml"), []byte(`
models:
  - name: silver.orders
    description: cleaned orders
    columns:
      - name: id
        description: primary key
        tests:
          - unique
          - not_null
    config:
      on_schema_change: append_new_columns
`), 0o644))

	docs, err := LoadSchemaFiles(dir)
	require.NoError(t, err)
	require.Contains(t, docs, "silver.orders")
	doc := docs["silver.orders"]
	assert.Equal(t, "cleaned orders", doc.Description)
	require.Len(t, doc.Columns, 1)
	assert.Equal(t, "id", doc.Columns[0].Name)
	assert.Equal(t, "append_new_columns", doc.Config["on_schema_change"])
}

func TestModelDoc_MergeConfigPragmaWins(t *testing.T) {
	doc := ModelDoc{Config: map[string]string{"on_schema_change": "append_new_columns", "materialized": "view"}}
	merged := doc.MergeConfig(map[string]string{"materialized": "table"})
	assert.Equal(t, "table", merged["materialized"], "pragma config always wins over schema.yml")
	assert.Equal(t, "append_new_columns", merged["on_schema_change"], "schema.yml fills keys the pragma left unset")
}
