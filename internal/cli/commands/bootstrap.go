// Package commands implements the quarryql CLI surface:
// run/run-all/plan/validate/test/list/deps/lineage/serve, each dispatching
// into internal/config, internal/compiler, internal/planner,
// internal/executor, internal/pool and internal/state rather than
// reimplementing any engine behaviour at the CLI layer.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/quarryql/quarryql/internal/compiler"
	"github.com/quarryql/quarryql/internal/config"
	"github.com/quarryql/quarryql/internal/dag"
	"github.com/quarryql/quarryql/internal/registry"
	"github.com/quarryql/quarryql/internal/sources"
	"github.com/quarryql/quarryql/internal/state"
	"github.com/quarryql/quarryql/pkg/driver"
	"github.com/quarryql/quarryql/pkg/driver/duckdb"
	"github.com/quarryql/quarryql/pkg/driver/postgres"
)

// Bootstrap holds everything a command needs after configuration is loaded
// and the model directory has been compiled once.
type Bootstrap struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *registry.Registry
	Graph    *dag.Graph
	Store    *state.Store
	Snapshot state.Snapshot
	Compile  compiler.Result
}

// Close releases resources opened by Load (the state store).
func (b *Bootstrap) Close() {
	if b.Store != nil {
		b.Store.Close()
	}
}

// Load resolves configuration, opens the state store, loads the sources
// catalogue (if present), and compiles the model directory. Every command
// in this package starts here so that plan/list/deps/lineage see exactly
// the same registry and graph that run would execute against.
func Load(cfgFile string, flags *pflag.FlagSet) (*Bootstrap, error) {
	cfg, err := config.Load(cfgFile, flags)
	if err != nil {
		return nil, WithExitCode(err, 2)
	}

	logger := newLogger(cfg)

	store, err := state.Open(cfg.StatePath, logger)
	if err != nil {
		return nil, WithExitCode(err, 2)
	}

	snapshot, err := store.Load(context.Background(), cfg.Environment)
	if err != nil {
		store.Close()
		return nil, WithExitCode(err, 2)
	}

	var catalogue *sources.Catalogue
	if _, statErr := os.Stat(cfg.SourcesFile); statErr == nil {
		catalogue, err = sources.Load(cfg.SourcesFile)
		if err != nil {
			store.Close()
			return nil, WithExitCode(err, 2)
		}
	}

	reg := registry.New(logger)
	graph := dag.New()

	result, err := compiler.Compile(reg, graph, snapshot, compiler.Options{
		ModelsDir: cfg.ModelsDir,
		Sources:   catalogue,
	}, logger)
	if err != nil {
		store.Close()
		return nil, WithExitCode(err, 2)
	}

	return &Bootstrap{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Graph:    graph,
		Store:    store,
		Snapshot: snapshot,
		Compile:  result,
	}, nil
}

// Driver resolves the configured warehouse driver. Only postgres and duckdb
// are wired as reference implementations;
// anything else is a configuration error.
func (b *Bootstrap) Driver() (driver.Driver, error) {
	switch b.Config.DriverKind {
	case "postgres":
		return postgres.New(), nil
	case "duckdb":
		return duckdb.New(), nil
	default:
		return nil, WithExitCode(fmt.Errorf("unsupported driver_kind %q", b.Config.DriverKind), 2)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// reportCompileErrors prints non-fatal per-model compile errors to stderr.
func reportCompileErrors(result compiler.Result) {
	for _, e := range result.Errors {
		fmt.Fprintf(os.Stderr, "compile error: %s (%s): %s\n", e.ModelName, e.Path, e.Message)
	}
}
