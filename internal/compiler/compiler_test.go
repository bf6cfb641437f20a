package compiler

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/sources"
	"github.com/quarryql/quarryql/internal/state"
)

func writeModel(t *testing.T, dir, relPath, content string) {
	t.Helper()
	full := filepath.Join(dir, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestCompile_RegistersModelsAndWiresGraph(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "bronze/raw.sql", "-- config: materialized=table\nSELECT 1 AS id\n")
	writeModel(t, dir, "silver/cleaned.sql", "-- config: materialized=view\nSELECT id FROM {{ ref('bronze.raw') }}\n")

	reg := registry.New(nil)
	g := dag.New()

	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	assert.False(t, result.HasErrors())
	assert.Equal(t, 2, result.ModelsTotal)
	assert.Equal(t, 2, result.ModelsCompiled)

	assert.ElementsMatch(t, []string{"bronze.raw", "silver.cleaned"}, reg.Names())
	assert.Equal(t, []string{"bronze.raw"}, g.Dependencies("silver.cleaned"))

	pm, ok := reg.GetParsed("silver.cleaned")
	require.True(t, ok)
	assert.Contains(t, pm.ExpandedSQL, "bronze.raw")
	assert.NotContains(t, pm.ExpandedSQL, "__REF__")
}

func TestCompile_SourceResolvesToPhysicalIdentifier(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "bronze/events.sql", "SELECT * FROM {{ source('raw', 'events') }}\n")

	cat, err := sources.Parse([]byte(`
sources:
  - name: raw
    schema: ingest
    tables:
      - name: events
`))
	require.NoError(t, err)

	reg := registry.New(nil)
	g := dag.New()
	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir, Sources: cat}, nil)
	require.NoError(t, err)
	require.False(t, result.HasErrors())

	pm, ok := reg.GetParsed("bronze.events")
	require.True(t, ok)
	assert.Contains(t, pm.ExpandedSQL, "ingest.events")
}

func TestCompile_UnknownRefIsNonFatalPerModelError(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "gold/report.sql", "SELECT * FROM {{ ref('does.not_exist') }}\n")

	reg := registry.New(nil)
	g := dag.New()
	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.True(t, result.HasErrors())
	assert.Equal(t, 0, result.ModelsCompiled)
	_, ok := reg.Get("gold.report")
	assert.Error(t, ok)
}

func TestCompile_IsIncrementalReflectsPriorSuccess(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "silver/rolling.sql",
		"-- config: materialized=incremental, unique_key=id\nSELECT 1 AS id {% if is_incremental() %}WHERE 1=1{% endif %}\n")

	reg := registry.New(nil)
	g := dag.New()
	snapshot := state.Snapshot{Environment: "dev", Entries: map[string]state.Entry{
		"silver.rolling": {ModelName: "silver.rolling", Status: state.StatusSuccess},
	}}

	result, err := Compile(reg, g, snapshot, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.False(t, result.HasErrors())

	pm, ok := reg.GetParsed("silver.rolling")
	require.True(t, ok)
	assert.Contains(t, pm.ExpandedSQL, "WHERE 1=1")
}

func TestCompile_IncrementalStrategyDefaultsToUniqueKey(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "silver/rolling.sql", "-- config: materialized=incremental, unique_key=id\nSELECT 1 AS id\n")

	reg := registry.New(nil)
	g := dag.New()
	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.False(t, result.HasErrors())

	m, err := reg.Get("silver.rolling")
	require.NoError(t, err)
	assert.Equal(t, "unique_key", m.IncrementalStrategy)
}

func TestCompile_IncrementalStrategyHonorsPragma(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "silver/events.sql",
		"-- config: materialized=incremental, incremental_strategy=append\nSELECT 1 AS id\n")

	reg := registry.New(nil)
	g := dag.New()
	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.False(t, result.HasErrors())

	m, err := reg.Get("silver.events")
	require.NoError(t, err)
	assert.Equal(t, "append", m.IncrementalStrategy)
}

func TestCompile_SchemaYMLPopulatesModelDocAndFillsUnsetConfig(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "silver/orders.sql", "-- config: materialized=table\nSELECT 1 AS id\n")
	writeModel(t, dir, "silver/schema.yml", `
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
      materialized: view
`)

	reg := registry.New(nil)
	g := dag.New()
	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.False(t, result.HasErrors())

	m, err := reg.Get("silver.orders")
	require.NoError(t, err)
	assert.Equal(t, "cleaned orders", m.Description)
	require.Len(t, m.Columns, 1)
	assert.Equal(t, "id", m.Columns[0].Name)
	assert.Equal(t, "table", m.Materialized, "pragma materialized=table wins over schema.yml's view")
	assert.Equal(t, "append_new_columns", m.Config["on_schema_change"], "schema.yml fills the key the pragma left unset")
}

func TestCompile_RemovedFileDropsModelFromRegistry(t *testing.T) {
	dir := t.TempDir()
	writeModel(t, dir, "bronze/raw.sql", "SELECT 1\n")

	reg := registry.New(nil)
	g := dag.New()
	_, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	require.Contains(t, reg.Names(), "bronze.raw")

	require.NoError(t, os.Remove(filepath.Join(dir, "bronze", "raw.sql")))

	result, err := Compile(reg, g, state.Snapshot{Environment: "dev"}, Options{ModelsDir: dir}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ModelsDeleted)
	assert.NotContains(t, reg.Names(), "bronze.raw")
}
