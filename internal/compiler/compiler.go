// Package compiler orchestrates the template expander and SQL lineage
// extractor: it discovers model files on disk, expands their templates,
// resolves ref()/source() placeholders to physical identifiers, extracts
// lineage, and leaves the registry and dependency graph in a state the
// planner and executor can run against. Compilation never touches a
// warehouse connection.
package compiler

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/errs"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/sources"
	"github.com/quarryql/quarryql/internal/sqlast"
	"github.com/quarryql/quarryql/internal/state"
	"github.com/quarryql/quarryql/internal/template"
)

// Options configures a Compile run.
type Options struct {
	ModelsDir string
	Sources   *sources.Catalogue // nil is fine if no model uses source()
}

// CompileError is a non-fatal, per-model failure: the model is dropped from
// the registry for this compile, but discovery continues.
type CompileError struct {
	Path      string
	ModelName string
	Message   string
}

// Result summarises one Compile invocation.
type Result struct {
	ModelsTotal    int
	ModelsCompiled int
	ModelsDeleted  int
	Errors         []CompileError
	Duration       time.Duration
}

func (r *Result) HasErrors() bool { return len(r.Errors) > 0 }

// parsedFile is phase 1's output for one model file, carried into phase 2
// once every model name in the project is known.
type parsedFile struct {
	name    string
	path    string
	pragmas template.Pragmas
	tmpl    *template.Template
}

// Compile walks opts.ModelsDir for *.sql files, registers each as a Model,
// expands templates and extracts lineage, and wires the dependency graph.
// snapshot feeds is_incremental() per model: a model is "previously
// materialized" once it has a SUCCESS entry in the current environment.
func Compile(reg *registry.Registry, graph *dag.Graph, snapshot state.Snapshot, opts Options, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()
	result := Result{}

	files, err := discoverSQLFiles(opts.ModelsDir)
	if err != nil {
		return result, errs.NewConfigurationError(errs.Context{Operation: "compiler.compile"}, err.Error())
	}

	docs, err := registry.LoadSchemaFiles(opts.ModelsDir)
	if err != nil {
		return result, err
	}

	parsedFiles := make(map[string]parsedFile, len(files))
	seen := make(map[string]struct{}, len(files))

	for _, f := range files {
		result.ModelsTotal++
		name := modelNameFor(opts.ModelsDir, f)

		raw, err := os.ReadFile(f)
		if err != nil {
			result.Errors = append(result.Errors, CompileError{Path: f, ModelName: name, Message: err.Error()})
			continue
		}
		pragmas := template.ExtractPragmas(string(raw))

		tmpl, err := template.Parse(pragmas.RemainingSQL, f)
		if err != nil {
			result.Errors = append(result.Errors, CompileError{Path: f, ModelName: name, Message: err.Error()})
			continue
		}

		// schema.yml only fills config keys the pragma left unset: the
		// pragma comment always wins on conflict.
		doc, hasDoc := docs[name]
		if hasDoc {
			pragmas.Config = doc.MergeConfig(pragmas.Config)
		}

		materialized := pragmas.Config["materialized"]
		if materialized == "" {
			materialized = "view"
		}
		incrementalStrategy := pragmas.Config["incremental_strategy"]
		if materialized == "incremental" && incrementalStrategy == "" {
			incrementalStrategy = "unique_key"
		}

		if _, err := reg.Register(name, f, pragmas.RemainingSQL, pragmas.Config, materialized, pragmas.Config["unique_key"], incrementalStrategy, pragmas.DependsOn, doc); err != nil {
			result.Errors = append(result.Errors, CompileError{Path: f, ModelName: name, Message: err.Error()})
			continue
		}
		graph.AddVertex(name)
		seen[name] = struct{}{}
		parsedFiles[name] = parsedFile{name: name, path: f, pragmas: pragmas, tmpl: tmpl}
	}

	// Phase 2 runs in sorted order so graph construction and log output are
	// deterministic regardless of filesystem walk order.
	names := make([]string, 0, len(parsedFiles))
	for name := range parsedFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pf := parsedFiles[name]
		if err := compileOne(reg, graph, snapshot, opts, pf, logger); err != nil {
			result.Errors = append(result.Errors, CompileError{Path: pf.path, ModelName: name, Message: err.Error()})
			reg.Remove(name)
			graph.RemoveVertex(name)
			delete(seen, name)
			continue
		}
		result.ModelsCompiled++
	}

	if _, err := graph.TopologicalBatches(); err != nil {
		return result, err
	}

	result.ModelsDeleted = cleanupRemovedModels(reg, graph, seen)

	result.Duration = time.Since(start)
	logger.Info("compile finished",
		"models_total", result.ModelsTotal,
		"models_compiled", result.ModelsCompiled,
		"models_deleted", result.ModelsDeleted,
		"errors", len(result.Errors),
		"duration_ms", result.Duration.Milliseconds())
	return result, nil
}

// compileOne expands pf's template, resolves ref()/source() placeholders to
// physical identifiers, wires dependency edges, and extracts lineage.
func compileOne(reg *registry.Registry, graph *dag.Graph, snapshot state.Snapshot, opts Options, pf parsedFile, logger *slog.Logger) error {
	ctx := template.Context{
		ThisIdentifier:         pf.name,
		PreviouslyMaterialized: previouslySucceeded(snapshot, pf.name),
	}
	res, err := template.Expand(pf.tmpl, ctx)
	if err != nil {
		return err
	}

	refIdentifiers := make(map[string]string, len(res.Refs))
	for ref := range res.Refs {
		if _, err := reg.Get(ref); err != nil {
			return fmt.Errorf("ref(%q): %w", ref, err)
		}
		// A model's physical identifier is its dotted logical name itself
		// (schema.table), the same convention materialisation uses for
		// QualifiedName — no separate identifier mapping is needed.
		refIdentifiers[ref] = ref
		if err := graph.AddEdge(pf.name, ref); err != nil {
			return err
		}
	}
	for _, dep := range pf.pragmas.DependsOn {
		if _, err := reg.Get(dep); err != nil {
			return fmt.Errorf("depends_on %q: %w", dep, err)
		}
		if err := graph.AddEdge(pf.name, dep); err != nil {
			return err
		}
	}

	sourceIdentifiers := make(map[string]string, len(res.Sources))
	for key := range res.Sources {
		group, table, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		if opts.Sources == nil || !opts.Sources.IsSource(group, table) {
			return fmt.Errorf("source(%q, %q): unknown source", group, table)
		}
		identifier, err := opts.Sources.Resolve(group, table)
		if err != nil {
			return err
		}
		sourceIdentifiers[key] = identifier
	}

	expandedSQL := template.ResolvePlaceholders(res.SQL, refIdentifiers, sourceIdentifiers)

	lineage := sqlast.Extract(expandedSQL, errs.Context{Operation: "compiler.compile", ModelName: pf.name})
	if lineage.Warning != nil {
		logger.Warn("lineage extraction degraded", "model", pf.name, "warning", lineage.Warning)
	}

	reg.SetParsed(pf.name, &registry.ParsedModel{
		ModelName:   pf.name,
		ExpandedSQL: expandedSQL,
		ModelDeps:   res.Refs,
		SourceRefs:  res.Sources,
		Columns:     lineage.Columns,
		Relations:   lineage.Relations,
		Config:      pf.pragmas.Config,
	})
	return nil
}

// previouslySucceeded reports whether name has a SUCCESS entry in snapshot,
// driving is_incremental() during expansion.
func previouslySucceeded(snapshot state.Snapshot, name string) bool {
	entry, ok := snapshot.Entries[name]
	return ok && entry.Status == state.StatusSuccess
}

// discoverSQLFiles walks dir for *.sql files, sorted for determinism.
func discoverSQLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".sql") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// modelNameFor derives a dotted logical name from a file's path relative to
// modelsDir, e.g. models/silver/cleaned_orders.sql -> silver.cleaned_orders.
func modelNameFor(modelsDir, path string) string {
	rel, err := filepath.Rel(modelsDir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	rel = filepath.ToSlash(rel)
	return strings.ReplaceAll(rel, "/", ".")
}

// cleanupRemovedModels drops any model the registry/graph still carries from
// a previous Compile but that this pass didn't see on disk.
func cleanupRemovedModels(reg *registry.Registry, graph *dag.Graph, seen map[string]struct{}) int {
	deleted := 0
	for _, name := range reg.Names() {
		if _, ok := seen[name]; ok {
			continue
		}
		reg.Remove(name)
		graph.RemoveVertex(name)
		deleted++
	}
	return deleted
}
