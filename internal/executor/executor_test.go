package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/materialize"
	"github.com/quarryql/quarryql/internal/planner"
	"github.com/quarryql/quarryql/internal/pool"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/sqlast"
	"github.com/quarryql/quarryql/internal/state"
	"github.com/quarryql/quarryql/pkg/driver"
)

func TestMaterializeKind_IncrementalSubStrategies(t *testing.T) {
	assert.Equal(t, materialize.KindIncrementalAppend, materializeKind("incremental", "append"))
	assert.Equal(t, materialize.KindIncrementalTime, materializeKind("incremental", "time"))
	assert.Equal(t, materialize.KindIncrementalUniqueKey, materializeKind("incremental", "unique_key"))
	assert.Equal(t, materialize.KindIncrementalUniqueKey, materializeKind("incremental", ""),
		"unset strategy defaults to unique_key")
	assert.Equal(t, materialize.KindView, materializeKind("view", ""))
	assert.Equal(t, materialize.KindCDC, materializeKind("cdc", ""))
}

type fakeConn struct {
	failOn func(stmt string) error
}

func (c *fakeConn) Execute(ctx context.Context, sql string) (driver.RowIter, error) {
	return &countRowIter{count: 0}, nil
}

// countRowIter answers every `SELECT COUNT(*)` materialize.rowCount issues
// with a single row of 0, since these tests don't need row-count accuracy.
type countRowIter struct {
	count int64
	done  bool
}

func (it *countRowIter) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	it.done = true
	return true
}
func (it *countRowIter) Scan() ([]any, error) { return []any{it.count}, nil }
func (it *countRowIter) Columns() []string    { return []string{"count"} }
func (it *countRowIter) Err() error           { return nil }
func (it *countRowIter) Close() error         { return nil }
func (c *fakeConn) ExecuteMany(ctx context.Context, statements []string) error {
	if c.failOn == nil {
		return nil
	}
	for _, s := range statements {
		if err := c.failOn(s); err != nil {
			return err
		}
	}
	return nil
}
func (c *fakeConn) BulkInsert(ctx context.Context, qualifiedName string, columns []string, rows <-chan []any) error {
	return nil
}
func (c *fakeConn) Healthy() bool { return true }
func (c *fakeConn) Close() error  { return nil }

type fakeDriver struct {
	failOn func(stmt string) error
}

func (d *fakeDriver) Connect(ctx context.Context, cfg driver.Config) (driver.Connection, error) {
	return &fakeConn{failOn: d.failOn}, nil
}

// buildFixture registers bronze -> silver -> gold with parsed SQL, wires a
// matching dag, and returns everything needed to drive Run.
func buildFixture(t *testing.T) (*registry.Registry, *dag.Graph) {
	t.Helper()
	reg := registry.New(nil)
	g := dag.New()

	models := []string{"bronze.raw", "silver.cleaned", "gold.report"}
	for _, name := range models {
		_, err := reg.Register(name, name+".sql", "SELECT 1 -- "+name, nil, "table", "", "", nil, registry.ModelDoc{})
		require.NoError(t, err)
		g.AddVertex(name)
		reg.SetParsed(name, &registry.ParsedModel{ModelName: name, ExpandedSQL: "SELECT 1 -- " + name, Columns: []sqlast.ColumnLineage{}})
	}
	require.NoError(t, g.AddEdge("silver.cleaned", "bronze.raw"))
	require.NoError(t, g.AddEdge("gold.report", "silver.cleaned"))

	return reg, g
}

func buildPlan(t *testing.T, reg *registry.Registry, g *dag.Graph) planner.Plan {
	t.Helper()
	plan, err := planner.Build(reg, g, state.Snapshot{Environment: "dev"}, planner.Options{})
	require.NoError(t, err)
	return plan
}

func TestRun_AllSucceed(t *testing.T) {
	reg, g := buildFixture(t)
	plan := buildPlan(t, reg, g)

	p, err := pool.New(&fakeDriver{}, driver.Config{}, 2, 1, nil)
	require.NoError(t, err)
	defer p.CloseAll()

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	result, err := Run(context.Background(), plan, g, reg, p, store, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode())
	assert.Len(t, result.Outcomes, 3)
	for _, o := range result.Outcomes {
		assert.Equal(t, state.StatusSuccess, o.Status)
	}
}

func TestRun_FailurePropagatesSkippedToDependents(t *testing.T) {
	reg, g := buildFixture(t)
	plan := buildPlan(t, reg, g)

	d := &fakeDriver{failOn: func(stmt string) error {
		if strings.Contains(stmt, "silver.cleaned") {
			return errors.New("boom")
		}
		return nil
	}}
	p, err := pool.New(d, driver.Config{}, 2, 1, nil)
	require.NoError(t, err)
	defer p.CloseAll()

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	result, err := Run(context.Background(), plan, g, reg, p, store, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode())

	byName := make(map[string]ModelOutcome)
	for _, o := range result.Outcomes {
		byName[o.ModelName] = o
	}
	assert.Equal(t, state.StatusSuccess, byName["bronze.raw"].Status)
	assert.Equal(t, state.StatusFailed, byName["silver.cleaned"].Status)
	assert.Equal(t, state.StatusSkipped, byName["gold.report"].Status)
}

func TestRun_FailFastStopsAfterFailingBatch(t *testing.T) {
	reg, g := buildFixture(t)
	plan := buildPlan(t, reg, g)

	d := &fakeDriver{failOn: func(stmt string) error {
		if strings.Contains(stmt, "bronze.raw") {
			return errors.New("boom")
		}
		return nil
	}}
	p, err := pool.New(d, driver.Config{}, 2, 1, nil)
	require.NoError(t, err)
	defer p.CloseAll()

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	result, err := RunWithOptions(context.Background(), plan, g, reg, p, store, nil, Options{FailFast: true})
	require.NoError(t, err)
	assert.Len(t, result.Outcomes, 1, "fail-fast stops before later batches run")
	assert.Equal(t, state.StatusFailed, result.Outcomes[0].Status)
}

func TestRun_UncompiledModelFailsWithoutTouchingWarehouse(t *testing.T) {
	reg := registry.New(nil)
	g := dag.New()
	_, err := reg.Register("solo.model", "solo.sql", "SELECT 1", nil, "table", "", "", nil, registry.ModelDoc{})
	require.NoError(t, err)
	g.AddVertex("solo.model")
	// Deliberately skip SetParsed.

	plan := buildPlan(t, reg, g)

	p, err := pool.New(&fakeDriver{}, driver.Config{}, 1, 1, nil)
	require.NoError(t, err)
	defer p.CloseAll()

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()

	result, err := Run(context.Background(), plan, g, reg, p, store, nil)
	require.NoError(t, err)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, state.StatusFailed, result.Outcomes[0].Status)
}

func TestRun_DeletesRetiredModelsFromState(t *testing.T) {
	reg, g := buildFixture(t)

	store, err := state.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	store.Put("dev", state.Entry{ModelName: "gold.retired_kpi", Fingerprint: "x", Status: state.StatusSuccess})
	require.NoError(t, store.Flush(context.Background(), "dev"))

	snapshot, err := store.Load(context.Background(), "dev")
	require.NoError(t, err)
	plan, err := planner.Build(reg, g, snapshot, planner.Options{})
	require.NoError(t, err)
	require.Len(t, plan.Deletes, 1)

	p, err := pool.New(&fakeDriver{}, driver.Config{}, 2, 1, nil)
	require.NoError(t, err)
	defer p.CloseAll()

	result, err := Run(context.Background(), plan, g, reg, p, store, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"gold.retired_kpi"}, result.Deleted)
	require.NoError(t, result.DeleteErr)

	final, err := store.Load(context.Background(), "dev")
	require.NoError(t, err)
	_, stillPresent := final.Entries["gold.retired_kpi"]
	assert.False(t, stillPresent)
}
