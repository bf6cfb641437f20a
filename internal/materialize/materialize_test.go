package materialize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryql/quarryql/pkg/driver"
)

// recordingConn is a minimal driver.Connection fake that records every
// statement passed to ExecuteMany and can answer Execute with a canned row.
type recordingConn struct {
	statements [][]string
	execErr    error
	queryRows  [][]any
	queryCols  []string
}

func (c *recordingConn) Execute(ctx context.Context, sql string) (driver.RowIter, error) {
	return &sliceRowIter{cols: c.queryCols, rows: c.queryRows}, nil
}

func (c *recordingConn) ExecuteMany(ctx context.Context, statements []string) error {
	c.statements = append(c.statements, statements)
	return c.execErr
}

func (c *recordingConn) BulkInsert(ctx context.Context, qualifiedName string, columns []string, rows <-chan []any) error {
	return nil
}

func (c *recordingConn) Healthy() bool { return true }
func (c *recordingConn) Close() error  { return nil }

type sliceRowIter struct {
	cols []string
	rows [][]any
	pos  int
}

func (it *sliceRowIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.rows) {
		return false
	}
	it.pos++
	return true
}
func (it *sliceRowIter) Scan() ([]any, error) { return it.rows[it.pos-1], nil }
func (it *sliceRowIter) Columns() []string    { return it.cols }
func (it *sliceRowIter) Err() error           { return nil }
func (it *sliceRowIter) Close() error         { return nil }

func newCountingConn(count int64) *recordingConn {
	return &recordingConn{queryCols: []string{"count"}, queryRows: [][]any{{count}}}
}

func TestMaterialiseView_EmitsCreateOrReplace(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{ModelName: "m", QualifiedName: "analytics.m", SelectSQL: "SELECT 1", Kind: KindView}

	res, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", res.Status)
	assert.Contains(t, conn.statements[len(conn.statements)-1][0], "CREATE OR REPLACE VIEW analytics.m AS SELECT 1")
}

func TestMaterialiseTable_AppliesClusterKeys(t *testing.T) {
	conn := newCountingConn(42)
	req := Request{
		ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindTable,
		ClusterKeys: []string{"event_date", "region"},
	}

	res, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.EqualValues(t, 42, res.RowsAffected)
	assert.Contains(t, conn.statements[0][0], "CLUSTER BY (event_date, region)")
}

func TestMaterialiseIncrementalAppend_FirstRunCreatesTable(t *testing.T) {
	conn := newCountingConn(10)
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindIncrementalAppend, PreviouslyMaterialized: false}

	res, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.EqualValues(t, 10, res.RowsAffected)
	assert.Contains(t, conn.statements[0][0], "CREATE OR REPLACE TABLE")
}

func TestMaterialiseIncrementalAppend_SubsequentRunInserts(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindIncrementalAppend, PreviouslyMaterialized: true}

	_, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO m SELECT 1", conn.statements[0][0])
}

func TestMaterialiseIncrementalUniqueKey_MergesViaTempTable(t *testing.T) {
	conn := newCountingConn(5)
	req := Request{
		ModelName: "m", QualifiedName: "warehouse.orders", SelectSQL: "SELECT * FROM staged",
		Kind: KindIncrementalUniqueKey, UniqueKey: "order_id", PreviouslyMaterialized: true,
	}

	res, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.RowsAffected)

	merge := conn.statements[0]
	require.Len(t, merge, 4)
	assert.Contains(t, merge[1], "CREATE TEMP TABLE warehouse.orders_incoming AS SELECT * FROM staged")
	assert.Contains(t, merge[2], "DELETE FROM warehouse.orders WHERE order_id IN")
	assert.Contains(t, merge[3], "INSERT INTO warehouse.orders SELECT * FROM warehouse.orders_incoming")
}

func TestMaterialiseIncrementalUniqueKey_RequiresUniqueKey(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindIncrementalUniqueKey, PreviouslyMaterialized: true}

	_, err := Materialise(context.Background(), conn, req)
	require.Error(t, err)
}

func TestMaterialiseCDC_DedupesToLatestTimestampAndBatches(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{
		ModelName: "m", QualifiedName: "warehouse.accounts", SelectSQL: "SELECT id, balance FROM src",
		Kind: KindCDC, UniqueKey: "id", PreviouslyMaterialized: true,
		CDCRows: []map[string]any{
			{"id": 1, "balance": 100, "__CDC_OPERATION": "I", "__CDC_TIMESTAMP": "2026-08-01T00:00:00Z"},
			{"id": 1, "balance": 150, "__CDC_OPERATION": "U", "__CDC_TIMESTAMP": "2026-08-02T00:00:00Z"},
			{"id": 2, "balance": 50, "__CDC_OPERATION": "I", "__CDC_TIMESTAMP": "2026-08-01T00:00:00Z"},
			{"id": 3, "balance": 5, "__CDC_OPERATION": "D", "__CDC_TIMESTAMP": "2026-08-01T00:00:00Z"},
		},
	}

	res, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.RowsAffected, "deduped to one row per key")

	var sawUpdate, sawInsert bool
	for _, batch := range conn.statements {
		for _, stmt := range batch {
			if strings.Contains(stmt, "UPDATE warehouse.accounts SET obsolete_date") {
				sawUpdate = true
			}
			if strings.Contains(stmt, "INSERT INTO warehouse.accounts") {
				sawInsert = true
				assert.NotContains(t, stmt, "CURRENT_TIMESTAMP)",
					"newly inserted I/U rows must land with obsolete_date NULL, not retired on arrival")
				assert.Regexp(t, `,\s*NULL\)`, stmt, "every inserted row ends with obsolete_date NULL")
			}
		}
	}
	assert.True(t, sawUpdate, "retiring rows for U/D ops")
	assert.True(t, sawInsert, "inserting active rows for I/U ops")
}

func TestMaterialiseCDC_FirstRunCreatesTableWithObsoleteDateColumn(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{
		ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT id FROM src",
		Kind: KindCDC, UniqueKey: "id", PreviouslyMaterialized: false,
		CDCRows: []map[string]any{{"id": 1, "__CDC_OPERATION": "I", "__CDC_TIMESTAMP": "t1"}},
	}

	_, err := Materialise(context.Background(), conn, req)
	require.NoError(t, err)
	assert.Contains(t, conn.statements[0][0], "obsolete_date")
}

func TestMaterialiseCDC_RequiresUniqueKey(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindCDC}

	_, err := Materialise(context.Background(), conn, req)
	require.Error(t, err)
}

func TestMaterialise_UnknownKindIsConfigurationError(t *testing.T) {
	conn := newCountingConn(0)
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: "bogus"}

	_, err := Materialise(context.Background(), conn, req)
	require.Error(t, err)
}

func TestMaterialise_DriverErrorWrappedAsModelExecutionFailure(t *testing.T) {
	conn := newCountingConn(0)
	conn.execErr = errors.New("boom")
	req := Request{ModelName: "m", QualifiedName: "m", SelectSQL: "SELECT 1", Kind: KindView}

	_, err := Materialise(context.Background(), conn, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
