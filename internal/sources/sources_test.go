package sources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
sources:
  - name: raw
    schema: raw_schema
    tables:
      - name: orders
        identifier: prod.raw_schema.orders_v2
      - name: customers
  - name: events
    tables:
      - name: clicks
`

func TestParse_ResolvesExplicitIdentifier(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)

	id, err := cat.Resolve("raw", "orders")
	require.NoError(t, err)
	assert.Equal(t, "prod.raw_schema.orders_v2", id)
}

func TestParse_DefaultsIdentifierFromSchema(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)

	id, err := cat.Resolve("raw", "customers")
	require.NoError(t, err)
	assert.Equal(t, "raw_schema.customers", id)
}

func TestParse_DefaultsIdentifierWithoutSchema(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)

	id, err := cat.Resolve("events", "clicks")
	require.NoError(t, err)
	assert.Equal(t, "clicks", id)
}

func TestResolve_UnknownGroupOrTableErrors(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)

	_, err = cat.Resolve("nope", "x")
	require.Error(t, err)

	_, err = cat.Resolve("raw", "nope")
	require.Error(t, err)
}

func TestIsSource(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.True(t, cat.IsSource("raw", "orders"))
	assert.False(t, cat.IsSource("raw", "unknown"))
}

func TestParse_RejectsUnnamedGroup(t *testing.T) {
	_, err := Parse([]byte("sources:\n  - tables: []\n"))
	require.Error(t, err)
}

func TestGroups_SortedNames(t *testing.T) {
	cat, err := Parse([]byte(sample))
	require.NoError(t, err)
	assert.Equal(t, []string{"events", "raw"}, cat.Groups())
}
