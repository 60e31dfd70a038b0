// Package cmd implements the gorelax command line.
package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/internal/config"
	"github.com/3leaps/gorelax/internal/observability"
)

const binaryName = "gorelax"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	verbose  bool
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Drive VASP structural relaxations to completion",
	Long: `gorelax runs a VASP structural relaxation as a sequence of run
directories under a root, retrying known solver failures and finishing
with a constant-volume run promoted to run.final.

The directory tree is the only state: an interrupted relaxation resumes
by running the same command again.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	observability.InitCLILogger(binaryName, false)
	if err := rootCmd.Execute(); err != nil {
		code := ExitCode(err)
		observability.CLILogger.Error("Command failed", zap.Error(err), zap.Int("exit_code", code))
		return code
	}
	return 0
}

// initApp loads the application config and configures logging.
func initApp(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if err := observability.SetLevel(binaryName, level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Loaded configuration",
		zap.String("jobs_dir", cfg.Jobs.Dir),
		zap.String("events", cfg.Events.Format))
	return nil
}

// appConfig returns the loaded configuration, loading defaults when a
// command runs without the root pre-run (tests).
func appConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(cmd.Context())
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode extracts the exit code of err; errors without one exit 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
