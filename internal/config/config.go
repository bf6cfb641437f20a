// Package config loads engine-level configuration: pool size, retry
// constants, default environment, adapter DSN, CDC chunk size/parallelism.
// It is distinct from model-authoring YAML (schema.yml, sources.yml), which
// the registry/sources packages load directly with gopkg.in/yaml.v3.
//
// Precedence, highest to lowest: CLI flags > environment variables (QUARRY_
// prefix) > config file (quarryql.yaml) > defaults, a layered koanf stack.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/quarryql/quarryql/internal/errs"
)

// Default configuration values.
const (
	DefaultModelsDir     = "models"
	DefaultSourcesFile   = "sources.yml"
	DefaultStatePath     = ".quarryql/state.db"
	DefaultEnvironment   = "dev"
	DefaultPoolSize      = 5
	DefaultRetryAttempts = 3
	DefaultCDCChunkSize  = 1_000_000
	DefaultCDCBatch      = 1000
	DefaultCDCFanout     = 10
)

// Config is the engine's runtime configuration.
type Config struct {
	ModelsDir   string `koanf:"models_dir"`
	SourcesFile string `koanf:"sources_file"`
	StatePath   string `koanf:"state_path"`
	Environment string `koanf:"environment"`

	DriverDSN  string `koanf:"driver_dsn"`
	DriverKind string `koanf:"driver_kind"` // "postgres" | "duckdb"

	PoolSize      int `koanf:"pool_size"`
	RetryAttempts int `koanf:"retry_attempts"`

	CDCChunkSize int `koanf:"cdc_chunk_size"`
	CDCBatchSize int `koanf:"cdc_batch_size"`
	CDCFanout    int `koanf:"cdc_fanout"`

	Verbose bool `koanf:"verbose"`
}

// Load builds Config by layering defaults, an optional YAML file, QUARRY_-
// prefixed environment variables, and CLI flags, in that precedence order.
// cfgFile == "" searches for quarryql.yaml/quarryql.yml in the working
// directory. flags may be nil (e.g. library callers that don't go through
// cmd/quarryql).
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"models_dir":     DefaultModelsDir,
		"sources_file":   DefaultSourcesFile,
		"state_path":     DefaultStatePath,
		"environment":    DefaultEnvironment,
		"driver_kind":    "duckdb",
		"pool_size":      DefaultPoolSize,
		"retry_attempts": DefaultRetryAttempts,
		"cdc_chunk_size": DefaultCDCChunkSize,
		"cdc_batch_size": DefaultCDCBatch,
		"cdc_fanout":     DefaultCDCFanout,
		"verbose":        false,
	}, "."), nil); err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "config.load"}, fmt.Sprintf("defaults: %v", err))
	}

	resolved := cfgFile
	if resolved == "" {
		for _, name := range []string{"quarryql.yaml", "quarryql.yml"} {
			if _, err := os.Stat(name); err == nil {
				resolved = name
				break
			}
		}
	}
	if resolved != "" {
		if err := k.Load(file.Provider(resolved), yaml.Parser()); err != nil {
			return nil, errs.NewConfigurationError(errs.Context{Operation: "config.load"}, fmt.Sprintf("reading %s: %v", resolved, err))
		}
	}

	if err := k.Load(env.Provider("QUARRY_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "QUARRY_"))
	}), nil); err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "config.load"}, fmt.Sprintf("env vars: %v", err))
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			return strings.ReplaceAll(f.Name, "-", "_"), posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, errs.NewConfigurationError(errs.Context{Operation: "config.load"}, fmt.Sprintf("flags: %v", err))
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errs.NewConfigurationError(errs.Context{Operation: "config.load"}, fmt.Sprintf("decode: %v", err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that every command needs, regardless of which
// subcommand is running.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return errs.NewConfigurationError(errs.Context{Operation: "config.validate"}, "models_dir must not be empty")
	}
	if c.PoolSize <= 0 {
		return errs.NewConfigurationError(errs.Context{Operation: "config.validate"}, "pool_size must be positive")
	}
	if c.RetryAttempts < 0 {
		return errs.NewConfigurationError(errs.Context{Operation: "config.validate"}, "retry_attempts must not be negative")
	}
	switch c.DriverKind {
	case "postgres", "duckdb":
	default:
		return errs.NewConfigurationError(errs.Context{Operation: "config.validate"}, fmt.Sprintf("unsupported driver_kind %q", c.DriverKind))
	}
	return nil
}
