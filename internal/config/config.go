// Package config loads the gorelax application configuration.
//
// Precedence, highest first: runtime overrides, GORELAX_* environment
// variables, the user config file, defaults. Per-relaxation settings
// (relax.json) are separate and live in pkg/settings.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "GORELAX"

// Config is the application configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Events  EventsConfig  `mapstructure:"events"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Solver  SolverConfig  `mapstructure:"solver"`
}

type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`

	// Profile is STRUCTURED (JSON) or CONSOLE.
	Profile string `mapstructure:"profile"`
}

type EventsConfig struct {
	// Format is log, jsonl or none.
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	// Textfile is the node_exporter textfile path. Empty disables export.
	Textfile string `mapstructure:"textfile"`
}

type JobsConfig struct {
	// Dir holds the job registry.
	Dir string `mapstructure:"dir"`
}

type ArchiveConfig struct {
	// URI is s3://bucket/prefix, file:///dir or a bare path. Empty
	// disables archiving.
	URI       string   `mapstructure:"uri"`
	Includes  []string `mapstructure:"includes"`
	Excludes  []string `mapstructure:"excludes"`
	RateLimit float64  `mapstructure:"rate_limit"`

	// Preflight is read-safe (check list and head access before
	// uploading) or plan-only (skip the checks).
	Preflight string `mapstructure:"preflight"`

	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type SolverConfig struct {
	// Command is the solver command used when relax.json sets no vasp_cmd.
	Command string `mapstructure:"command"`
}

// envSpec maps an environment variable onto a config key.
type envSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load builds the configuration and makes it available through GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		break
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetConfig returns the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks enumerated values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	switch c.Events.Format {
	case "log", "jsonl", "none":
	default:
		return fmt.Errorf("events.format: must be log, jsonl or none, got %q", c.Events.Format)
	}
	switch c.Archive.Preflight {
	case "read-safe", "plan-only":
	default:
		return fmt.Errorf("archive.preflight: must be read-safe or plan-only, got %q", c.Archive.Preflight)
	}
	if c.Archive.RateLimit < 0 {
		return fmt.Errorf("archive.rate_limit: must not be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "CONSOLE")
	v.SetDefault("events.format", "log")
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("jobs.dir", defaultJobsDir())
	v.SetDefault("archive.uri", "")
	v.SetDefault("archive.includes", []string{"**"})
	v.SetDefault("archive.excludes", []string{})
	v.SetDefault("archive.rate_limit", 0.0)
	v.SetDefault("archive.preflight", "read-safe")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("solver.command", "")
}

func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_PROFILE", Path: "logging.profile"},
		{Name: EnvPrefix + "_EVENTS", Path: "events.format"},
		{Name: EnvPrefix + "_METRICS_TEXTFILE", Path: "metrics.textfile"},
		{Name: EnvPrefix + "_JOBS_DIR", Path: "jobs.dir"},
		{Name: EnvPrefix + "_ARCHIVE_URI", Path: "archive.uri"},
		{Name: EnvPrefix + "_ARCHIVE_INCLUDES", Path: "archive.includes"},
		{Name: EnvPrefix + "_ARCHIVE_RATE_LIMIT", Path: "archive.rate_limit"},
		{Name: EnvPrefix + "_ARCHIVE_PREFLIGHT", Path: "archive.preflight"},
		{Name: EnvPrefix + "_ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: EnvPrefix + "_ARCHIVE_REGION", Path: "archive.region"},
		{Name: EnvPrefix + "_SOLVER_COMMAND", Path: "solver.command"},
	}
}

// getUserConfigPaths lists candidate config files in lookup order.
func getUserConfigPaths() []string {
	var paths []string
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	if dir := configDir(); dir != "" {
		paths = append(paths,
			filepath.Join(dir, "gorelax", "config.yaml"),
			filepath.Join(dir, "gorelax", "config.yml"),
			filepath.Join(dir, "gorelax", "config.json"),
		)
	}
	return paths
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return xdg
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config")
	}
	return ""
}

func defaultJobsDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "gorelax", "jobs")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "gorelax", "jobs")
	}
	return filepath.Join(os.TempDir(), "gorelax", "jobs")
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
