package sqlast

import (
	"testing"

	"github.com/quarryql/quarryql/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_SimpleSelect(t *testing.T) {
	stmt, err := Parse(`SELECT a, b AS c FROM __REF__silver.orders__ o`)
	require.NoError(t, err)
	require.NotNil(t, stmt.Body)
	assert.Len(t, stmt.Body.Columns, 2)
	assert.Equal(t, "c", stmt.Body.Columns[1].Alias)
}

func TestParse_JoinOnAndUsing(t *testing.T) {
	stmt, err := Parse(`SELECT o.id, c.name FROM orders o JOIN customers c ON o.customer_id = c.id`)
	require.NoError(t, err)
	require.Len(t, stmt.Body.From.Joins, 1)
	assert.NotNil(t, stmt.Body.From.Joins[0].Condition)
}

func TestParse_CaseExpr(t *testing.T) {
	_, err := Parse(`SELECT CASE WHEN a > 1 THEN 'x' ELSE 'y' END FROM t`)
	require.NoError(t, err)
}

func TestParse_WithCTE(t *testing.T) {
	stmt, err := Parse(`WITH base AS (SELECT id FROM t) SELECT id FROM base`)
	require.NoError(t, err)
	require.Len(t, stmt.CTEs, 1)
	assert.Equal(t, "BASE", stmt.CTEs[0].Name)
}

func TestParse_Union(t *testing.T) {
	stmt, err := Parse(`SELECT a FROM t1 UNION ALL SELECT a FROM t2`)
	require.NoError(t, err)
	assert.True(t, stmt.Union)
	assert.True(t, stmt.UnionAll)
	require.NotNil(t, stmt.SetOp)
}

func TestParse_UnsupportedConstructErrors(t *testing.T) {
	_, err := Parse(`SELECT a FROM t WHERE (`)
	require.Error(t, err)
}

func TestExtract_RelationsAndColumnLineage(t *testing.T) {
	res := Extract(`SELECT o.id, o.amount AS total FROM orders o`, errs.Context{ModelName: "m"})
	require.Nil(t, res.Warning)
	require.Len(t, res.Relations, 1)
	assert.Equal(t, "orders", res.Relations[0].Name)
	require.Len(t, res.Columns, 2)
	assert.Equal(t, "total", res.Columns[1].Output)
	assert.Equal(t, []string{"orders"}, res.Columns[1].Sources)
}

func TestExtract_MultiJoinUnqualifiedColumnBestEffort(t *testing.T) {
	res := Extract(`SELECT id FROM orders o JOIN customers c ON o.customer_id = c.id`, errs.Context{})
	require.Nil(t, res.Warning)
	require.Len(t, res.Columns, 1)
	assert.ElementsMatch(t, []string{"orders", "customers"}, res.Columns[0].Sources)
}

func TestExtract_WildcardProducesOpaqueLineage(t *testing.T) {
	res := Extract(`SELECT * FROM orders`, errs.Context{})
	require.Nil(t, res.Warning)
	require.Len(t, res.Columns, 1)
	assert.True(t, res.Columns[0].Wildcard)
	assert.Equal(t, "orders", res.Columns[0].WildcardFrom)
}

func TestExtract_TableStarWildcard(t *testing.T) {
	res := Extract(`SELECT o.*, c.id FROM orders o JOIN customers c ON o.customer_id = c.id`, errs.Context{})
	require.Nil(t, res.Warning)
	require.Len(t, res.Columns, 2)
	assert.True(t, res.Columns[0].Wildcard)
	assert.Equal(t, "orders", res.Columns[0].WildcardFrom)
}

func TestExtract_GracefulDegradationOnParseFailure(t *testing.T) {
	res := Extract(`SELECT a FROM t WHERE (`, errs.Context{ModelName: "broken"})
	require.Error(t, res.Warning)
	var pw *errs.ParseWarning
	require.ErrorAs(t, res.Warning, &pw)
	assert.Empty(t, res.Relations)
	assert.Empty(t, res.Columns)
}

func TestExtract_SubqueryInFromWalked(t *testing.T) {
	res := Extract(`SELECT x.id FROM (SELECT id FROM orders) x`, errs.Context{})
	require.Nil(t, res.Warning)
	require.Len(t, res.Relations, 1)
	assert.Equal(t, "orders", res.Relations[0].Name)
}
