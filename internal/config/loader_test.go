package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points config and data lookups at empty temp dirs.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("GORELAX_CONFIG", "")
	return dir
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		dir := isolate(t)

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "CONSOLE", cfg.Logging.Profile)
		assert.Equal(t, "log", cfg.Events.Format)
		assert.Empty(t, cfg.Metrics.Textfile)
		assert.Equal(t, filepath.Join(dir, "data", "gorelax", "jobs"), cfg.Jobs.Dir)
		assert.Empty(t, cfg.Archive.URI)
		assert.Equal(t, []string{"**"}, cfg.Archive.Includes)
		assert.Zero(t, cfg.Archive.RateLimit)
		assert.Equal(t, "read-safe", cfg.Archive.Preflight)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		isolate(t)
		overrides := map[string]any{
			"logging": map[string]any{"level": "debug"},
			"archive": map[string]any{"uri": "s3://calcs/si"},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "s3://calcs/si", cfg.Archive.URI)
		assert.Equal(t, "log", cfg.Events.Format)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		isolate(t)
		t.Setenv("GORELAX_LOG_LEVEL", "warn")
		t.Setenv("GORELAX_EVENTS", "jsonl")
		t.Setenv("GORELAX_ARCHIVE_RATE_LIMIT", "2.5")
		t.Setenv("GORELAX_ARCHIVE_INCLUDES", "CONTCAR,OUTCAR*")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.Equal(t, "jsonl", cfg.Events.Format)
		assert.Equal(t, 2.5, cfg.Archive.RateLimit)
		assert.Equal(t, []string{"CONTCAR", "OUTCAR*"}, cfg.Archive.Includes)
	})

	t.Run("ConfigFile", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "config", "gorelax", "config.yaml")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("solver:\n  command: srun vasp_std\nmetrics:\n  textfile: /var/lib/node_exporter/gorelax.prom\n"), 0o644))

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "srun vasp_std", cfg.Solver.Command)
		assert.Equal(t, "/var/lib/node_exporter/gorelax.prom", cfg.Metrics.Textfile)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		dir := isolate(t)
		path := filepath.Join(dir, "custom.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\nevents:\n  format: none\n"), 0o644))
		t.Setenv("GORELAX_CONFIG", path)
		t.Setenv("GORELAX_LOG_LEVEL", "warn")

		cfg, err := Load(ctx, map[string]any{"logging": map[string]any{"level": "debug"}})
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level, "runtime beats env")
		assert.Equal(t, "none", cfg.Events.Format, "file beats default")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		isolate(t)
		_, err := Load(ctx, map[string]any{"events": map[string]any{"format": "xml"}})
		assert.ErrorContains(t, err, "events.format")

		_, err = Load(ctx, map[string]any{"logging": map[string]any{"level": "loud"}})
		assert.ErrorContains(t, err, "logging.level")

		_, err = Load(ctx, map[string]any{"archive": map[string]any{"preflight": "write-probe"}})
		assert.ErrorContains(t, err, "archive.preflight")
	})
}

func TestGetConfig(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background(), map[string]any{"solver": map[string]any{"command": "vasp_gam"}})
	require.NoError(t, err)

	got := GetConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Solver.Command, got.Solver.Command)
}

func TestEnvSpecsPrefixHandling(t *testing.T) {
	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := map[string]bool{}
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "GORELAX_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		names[spec.Name] = true
	}
	assert.True(t, names["GORELAX_LOG_LEVEL"])
	assert.True(t, names["GORELAX_JOBS_DIR"])
}

func TestGetUserConfigPaths(t *testing.T) {
	dir := isolate(t)
	t.Setenv("GORELAX_CONFIG", "/etc/gorelax.yaml")

	paths := getUserConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, "/etc/gorelax.yaml", paths[0])
	assert.Contains(t, paths, filepath.Join(dir, "config", "gorelax", "config.yaml"))
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"a": map[string]any{"b": 1, "c": map[string]any{"d": "x"}},
		"e": true,
	})
	assert.Equal(t, map[string]any{"a.b": 1, "a.c.d": "x", "e": true}, got)
}
