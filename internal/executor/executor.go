// Package executor drives a Plan to completion: batches run in dependency
// order, models within a batch run with bounded parallelism,
// and outcomes are persisted through the state store. It is the component
// that wires the planner, driver pool, materialisation strategies, and state
// store together into one run.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/internal/materialize"
	"github.com/quarryql/quarryql/internal/planner"
	"github.com/quarryql/quarryql/internal/pool"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/state"
	"github.com/quarryql/quarryql/pkg/driver"
)

// errNotCompiled means the executor was asked to run a model the compiler
// never produced a ParsedModel for.
var errNotCompiled = errors.New("model has no compiled (parsed) artefact; run compile first")

// ModelOutcome is one model's result within a run.
type ModelOutcome struct {
	ModelName string
	Status    string // state.StatusSuccess | StatusFailed | StatusSkipped
	Err       error
	Result    materialize.Result
}

// RunResult summarises a full run for the CLI layer to report and derive an
// exit code from.
type RunResult struct {
	Environment string
	Outcomes    []ModelOutcome
	Deleted     []string
	DeleteErr   error
}

// ExitCode returns the process exit code the CLI surfaces for this result.
func (r RunResult) ExitCode() int {
	for _, o := range r.Outcomes {
		if o.Status == state.StatusFailed {
			return 1
		}
	}
	return 0
}

// Options configures a Run.
type Options struct {
	Variables      map[string]string
	FailFast       bool
	AcquireTimeout time.Duration
}

// Run drives plan to completion against graph (for downstream SKIPPED
// propagation), the registry (for compiled SQL and materialisation
// metadata), the driver pool, and the state store, in plan's environment.
// This is the single entry point tying the planner, driver pool,
// materialisation strategies, and state store together.
func Run(ctx context.Context, plan planner.Plan, graph *dag.Graph, reg *registry.Registry, p *pool.Pool, store *state.Store, logger *slog.Logger) (RunResult, error) {
	return RunWithOptions(ctx, plan, graph, reg, p, store, logger, Options{})
}

// RunWithOptions is Run with explicit variable substitution, fail-fast, and
// acquire-timeout controls.
func RunWithOptions(ctx context.Context, plan planner.Plan, graph *dag.Graph, reg *registry.Registry, p *pool.Pool, store *state.Store, logger *slog.Logger, opts Options) (RunResult, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	result := RunResult{Environment: plan.Environment}
	skipped := make(map[string]struct{})

	stat := p.Stat()
	fanout := int(stat.MaxResources())
	if fanout <= 0 {
		fanout = 1
	}

batches:
	for _, batch := range plan.Batches {
		outcomes := make([]ModelOutcome, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(fanout)

		for i, mp := range batch {
			i, mp := i, mp
			g.Go(func() error {
				outcomes[i] = executeOne(gctx, mp, reg, p, opts, skipped, logger)
				return nil // per-model failures live in outcomes, not the errgroup's error
			})
		}
		_ = g.Wait()

		batchFailed := false
		for _, o := range outcomes {
			result.Outcomes = append(result.Outcomes, o)
			store.Put(plan.Environment, stateEntryFor(reg, o))
			if o.Status == state.StatusFailed {
				batchFailed = true
				markDownstreamSkipped(graph, o.ModelName, skipped)
			}
		}

		if err := store.Flush(ctx, plan.Environment); err != nil {
			return result, err
		}

		if batchFailed && opts.FailFast {
			break batches
		}
	}

	result.DeleteErr = applyDeletes(ctx, plan, store, logger)
	for _, d := range plan.Deletes {
		result.Deleted = append(result.Deleted, d.ModelName)
	}

	return result, nil
}

// executeOne substitutes variables, materialises the model through the pool
// with retry, and returns its outcome. A model already marked skipped (a
// dependency failed earlier this run) is short-circuited without touching
// the warehouse.
func executeOne(ctx context.Context, mp planner.ModelPlan, reg *registry.Registry, p *pool.Pool, opts Options, skipped map[string]struct{}, logger *slog.Logger) ModelOutcome {
	if _, isSkipped := skipped[mp.ModelName]; isSkipped {
		return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusSkipped}
	}

	pm, ok := reg.GetParsed(mp.ModelName)
	if !ok {
		return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusFailed,
			Err: errs.NewModelExecutionFailure(errs.Context{Operation: "executor.run", ModelName: mp.ModelName}, errNotCompiled)}
	}
	model, err := reg.Get(mp.ModelName)
	if err != nil {
		return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusFailed, Err: err}
	}

	sql, err := pool.SubstituteVariables(pm.ExpandedSQL, opts.Variables)
	if err != nil {
		return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusFailed, Err: err}
	}

	req := materialize.Request{
		ModelName:              mp.ModelName,
		QualifiedName:          mp.ModelName,
		SelectSQL:              sql,
		Kind:                   materializeKind(model.Materialized, model.IncrementalStrategy),
		UniqueKey:              model.UniqueKey,
		PreviouslyMaterialized: mp.HasPreviousRun,
		HighWatermark:          mp.PreviousEntry.HighWatermark,
		OnSchemaChange:         model.Config["on_schema_change"],
	}

	var matResult materialize.Result
	runErr := p.ExecuteWithRetry(ctx, opts.AcquireTimeout, func(ctx context.Context, conn driver.Connection) error {
		var err error
		matResult, err = materialize.Materialise(ctx, conn, req)
		return err
	})
	if runErr != nil {
		logger.Error("model failed", "model", mp.ModelName, "error", runErr)
		return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusFailed,
			Err: errs.NewModelExecutionFailure(errs.Context{Operation: "executor.run", ModelName: mp.ModelName}, runErr), Result: matResult}
	}
	return ModelOutcome{ModelName: mp.ModelName, Status: state.StatusSuccess, Result: matResult}
}

func materializeKind(materialized, incrementalStrategy string) materialize.Kind {
	switch materialized {
	case "view":
		return materialize.KindView
	case "table":
		return materialize.KindTable
	case "ephemeral":
		return materialize.KindTemp
	case "incremental":
		switch incrementalStrategy {
		case "append":
			return materialize.KindIncrementalAppend
		case "time":
			return materialize.KindIncrementalTime
		default:
			return materialize.KindIncrementalUniqueKey
		}
	case "cdc":
		return materialize.KindCDC
	default:
		return materialize.KindTable
	}
}

func stateEntryFor(reg *registry.Registry, o ModelOutcome) state.Entry {
	fingerprint := ""
	if m, err := reg.Get(o.ModelName); err == nil {
		fingerprint = m.Fingerprint
	}
	e := state.Entry{
		ModelName:     o.ModelName,
		Fingerprint:   fingerprint,
		Status:        o.Status,
		LastRunAt:     time.Now(),
		HighWatermark: o.Result.HighWatermark,
	}
	if o.Status == state.StatusSuccess {
		e.LastSuccessfulFingerprint = fingerprint
	}
	return e
}

// markDownstreamSkipped marks every transitive dependent of failedModel as
// skipped, so later batches short-circuit them instead of running against a
// dependency that never materialised this run.
func markDownstreamSkipped(graph *dag.Graph, failedModel string, skipped map[string]struct{}) {
	for _, dependent := range graph.TransitiveDependents(failedModel) {
		skipped[dependent] = struct{}{}
	}
}

func applyDeletes(ctx context.Context, plan planner.Plan, store *state.Store, logger *slog.Logger) error {
	if len(plan.Deletes) == 0 {
		return nil
	}
	for _, mp := range plan.Deletes {
		store.Delete(plan.Environment, mp.ModelName)
	}
	if err := store.Flush(ctx, plan.Environment); err != nil {
		logger.Error("failed to flush retired model deletes", "error", err)
		return multierr.Append(nil, errs.NewDeleteFailure(errs.Context{Operation: "executor.delete"}, err))
	}
	return nil
}
