// Package planner turns a registry snapshot and the persisted run state into
// an ordered, classified execution plan. Planning is pure: it reads the
// registry, the dependency graph, and a state snapshot, and produces a Plan
// describing what would run, without touching the warehouse or the state
// store itself.
package planner

import (
	"sort"

	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/state"
)

// Classification is the reason a model is (or is not) part of a run.
type Classification string

const (
	ClassNew             Classification = "NEW"
	ClassCodeChanged     Classification = "CODE_CHANGED"
	ClassUpstreamChanged Classification = "UPSTREAM_CHANGED"
	ClassForced          Classification = "FORCED"
	ClassUnchanged       Classification = "UNCHANGED"
	ClassDelete          Classification = "DELETE"
)

// ModelPlan is one model's classification and the batch it belongs to.
type ModelPlan struct {
	ModelName      string
	Classification Classification
	Fingerprint    string
	PreviousEntry  state.Entry
	HasPreviousRun bool
}

// Plan is the full ordered, classified set of work for a run.
type Plan struct {
	Environment string
	Batches     [][]ModelPlan // execution batches, in dependency order
	Deletes     []ModelPlan   // terminal batch: state-only models, sorted by name
}

// Options configures Plan.
type Options struct {
	// Targets restricts planning to these models and their transitive
	// dependencies. Empty means "every registered model".
	Targets []string
	// Forced models are always classified FORCED regardless of fingerprint
	// state.
	Forced map[string]struct{}
}

// Build classifies every in-scope model and lays the execute set out into
// topological batches, with a trailing Deletes batch for models present in
// state but no longer registered.
func Build(reg *registry.Registry, graph *dag.Graph, snapshot state.Snapshot, opts Options) (Plan, error) {
	scope := opts.Targets
	if len(scope) == 0 {
		scope = reg.Names()
	} else {
		scope = closeOverDependencies(graph, scope)
	}

	classifications := make(map[string]Classification, len(scope))
	fingerprints := make(map[string]string, len(scope))

	for _, name := range scope {
		m, err := reg.Get(name)
		if err != nil {
			return Plan{}, err
		}
		fingerprints[name] = m.Fingerprint

		if _, forced := opts.Forced[name]; forced {
			classifications[name] = ClassForced
			continue
		}
		entry, ok := snapshot.Entries[name]
		if !ok {
			classifications[name] = ClassNew
			continue
		}
		if entry.Fingerprint != m.Fingerprint {
			classifications[name] = ClassCodeChanged
			continue
		}
		classifications[name] = ClassUnchanged
	}

	// UPSTREAM_CHANGED propagates along the graph until no classification
	// changes in a full pass.
	propagateUpstreamChanged(graph, scope, classifications)

	executeSet := make([]string, 0, len(scope))
	for _, name := range scope {
		if classifications[name] != ClassUnchanged {
			executeSet = append(executeSet, name)
		}
	}
	sort.Strings(executeSet)

	batchNames, err := graph.TopologicalBatchesFor(executeSet)
	if err != nil {
		return Plan{}, err
	}

	batches := make([][]ModelPlan, len(batchNames))
	for i, names := range batchNames {
		batch := make([]ModelPlan, len(names))
		for j, name := range names {
			entry, has := snapshot.Entries[name]
			batch[j] = ModelPlan{
				ModelName:      name,
				Classification: classifications[name],
				Fingerprint:    fingerprints[name],
				PreviousEntry:  entry,
				HasPreviousRun: has,
			}
		}
		batches[i] = batch
	}

	deletes := deletedModels(reg, snapshot)

	return Plan{
		Environment: snapshot.Environment,
		Batches:     batches,
		Deletes:     deletes,
	}, nil
}

// closeOverDependencies expands a target list to include every transitive
// dependency, so a selective run still executes what it needs to build on.
func closeOverDependencies(graph *dag.Graph, targets []string) []string {
	set := make(map[string]struct{})
	for _, t := range targets {
		set[t] = struct{}{}
		for _, dep := range graph.TransitiveDependencies(t) {
			set[dep] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// propagateUpstreamChanged repeatedly walks scope, marking any UNCHANGED
// model UPSTREAM_CHANGED if one of its direct dependencies is NEW,
// CODE_CHANGED, FORCED, or already UPSTREAM_CHANGED, until a pass makes no
// further change (change propagates at most len(scope) levels deep, so this
// always terminates).
func propagateUpstreamChanged(graph *dag.Graph, scope []string, classifications map[string]Classification) {
	for {
		changed := false
		for _, name := range scope {
			if classifications[name] != ClassUnchanged {
				continue
			}
			for _, dep := range graph.Dependencies(name) {
				switch classifications[dep] {
				case ClassNew, ClassCodeChanged, ClassForced, ClassUpstreamChanged:
					classifications[name] = ClassUpstreamChanged
					changed = true
				}
				if classifications[name] != ClassUnchanged {
					break
				}
			}
		}
		if !changed {
			return
		}
	}
}

// deletedModels finds models present in the state snapshot but no longer
// registered. The executor handles them after the last batch by removing
// their state entries; it does not drop their warehouse objects. A failure
// to persist that removal is logged, never fatal to the run.
func deletedModels(reg *registry.Registry, snapshot state.Snapshot) []ModelPlan {
	var out []ModelPlan
	for name, entry := range snapshot.Entries {
		if _, err := reg.Get(name); err == nil {
			continue
		}
		out = append(out, ModelPlan{
			ModelName:      name,
			Classification: ClassDelete,
			Fingerprint:    entry.Fingerprint,
			PreviousEntry:  entry,
			HasPreviousRun: true,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out
}
