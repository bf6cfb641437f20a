package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsApplyWithNoFileOrFlags(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultModelsDir, cfg.ModelsDir)
	assert.Equal(t, DefaultPoolSize, cfg.PoolSize)
	assert.Equal(t, "duckdb", cfg.DriverKind)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarryql.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: 9\nenvironment: prod\n"), 0o644))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.PoolSize)
	assert.Equal(t, "prod", cfg.Environment)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarryql.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: 9\n"), 0o644))

	t.Setenv("QUARRY_POOL_SIZE", "20")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.PoolSize)
}

func TestLoad_FlagsOverrideEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quarryql.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size: 9\n"), 0o644))
	t.Setenv("QUARRY_POOL_SIZE", "20")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("pool_size", 0, "")
	require.NoError(t, flags.Set("pool_size", "42"))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.PoolSize)
}

func TestValidate_RejectsUnknownDriverKind(t *testing.T) {
	cfg := &Config{ModelsDir: "models", PoolSize: 1, DriverKind: "mysql"}
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyModelsDir(t *testing.T) {
	cfg := &Config{PoolSize: 1, DriverKind: "duckdb"}
	require.Error(t, cfg.Validate())
}
