package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gorelax/internal/config"
	"github.com/3leaps/gorelax/internal/observability"
	"github.com/3leaps/gorelax/pkg/jobregistry"
	"github.com/3leaps/gorelax/pkg/metrics"
	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/relax"
	"github.com/3leaps/gorelax/pkg/settings"
)

var runCmd = &cobra.Command{
	Use:   "run [dir]",
	Short: "Run a relaxation to completion",
	Long: `Run the relaxation rooted at dir (default: the working directory).

Settings are read from relax.json, relax.yaml or relax.yml in the root,
or from --settings. The command returns once the relaxation is complete
or has stopped converging; rerun it to resume after an interruption.

Examples:
  gorelax run
  gorelax run /scratch/si --events jsonl
  gorelax run /scratch/si --archive s3://calcs/relax
  gorelax run /scratch/si --background`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

var (
	runSettingsPath    string
	runEvents          string
	runArchive         string
	runBackground      bool
	runMetricsTextfile string
	runManagedJobID    string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSettingsPath, "settings", "", "Path to a settings file (default: relax.json in the root)")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Event output: log, jsonl or none (default from config)")
	runCmd.Flags().StringVar(&runArchive, "archive", "", "Publish run.final to this URI when complete (s3://bucket/prefix or file:///dir)")
	runCmd.Flags().BoolVar(&runBackground, "background", false, "Run as a managed background job")
	runCmd.Flags().StringVar(&runMetricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this file on exit")
	runCmd.Flags().StringVar(&runManagedJobID, "_managed-job-id", "", "internal")
	_ = runCmd.Flags().MarkHidden("_managed-job-id")
}

func runRun(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Relaxation root not found", err)
	}
	cfg, err := appConfig(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	if runBackground {
		return startBackgroundRun(cmd, cfg, root)
	}

	s, settingsPath, err := loadSettings(root, runSettingsPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load settings", zap.String("path", settingsPath), zap.Error(err))
		if errors.Is(err, settings.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Settings file not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid settings", err)
	}
	observability.CLILogger.Debug("Loaded settings",
		zap.String("path", settingsPath),
		zap.Int("run_limit", s.RunLimit))

	store := jobregistry.NewStore(cfg.Jobs.Dir)
	job, err := store.Acquire(jobregistry.AcquireOptions{JobID: runManagedJobID, RootDir: root})
	if err != nil {
		if errors.Is(err, relax.ErrConcurrentJob) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Relaxation root is busy", err)
		}
		return exitError(foundry.ExitFileWriteError, "Failed to register job", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	format := cfg.Events.Format
	if runEvents != "" {
		format = runEvents
	}
	events, err := newEventWriter(format, job.JobID, root, observability.CLILogger)
	if err != nil {
		_ = store.Finish(job.JobID, jobregistry.JobStateFailed, "", 0, err)
		return exitError(foundry.ExitInvalidArgument, "Invalid --events value", err)
	}
	recorder := metrics.NewRecorder()
	w := output.NewMultiWriter(events, recorder, newHeartbeatWriter(store, job.JobID, observability.CLILogger))
	defer func() { _ = w.Close() }()

	fs := afero.NewOsFs()
	eng, err := newEngine(fs, root, s, cfg.Solver.Command, w, observability.CLILogger)
	if err != nil {
		_ = store.Finish(job.JobID, jobregistry.JobStateFailed, "", 0, err)
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize relaxation", err)
	}

	observability.CLILogger.Info("Starting relaxation",
		zap.String("root", root),
		zap.String("job_id", job.JobID))

	status, _, runErr := eng.Run(ctx)
	runs := 0
	if dirs, err := eng.Layout().Runs(); err == nil {
		runs = len(dirs)
	}

	state := jobState(ctx, status, runErr)
	if err := store.Finish(job.JobID, state, string(status), runs, runErr); err != nil {
		observability.CLILogger.Warn("Failed to update job record", zap.String("job_id", job.JobID), zap.Error(err))
	}
	writeMetricsTextfile(cfg, recorder)

	if runErr != nil {
		return runFailure(ctx, runErr)
	}

	switch status {
	case relax.StatusComplete:
		observability.CLILogger.Info("Relaxation complete",
			zap.String("final_dir", eng.Layout().FinalDir()),
			zap.Int("runs", runs))
		return archiveFinal(ctx, cfg, root, eng.Layout().FinalDir())
	case relax.StatusNotConverging:
		observability.CLILogger.Warn("Relaxation is not converging",
			zap.Int("runs", runs),
			zap.Int("run_limit", s.RunLimit))
		return exitError(1, "Relaxation not converging",
			fmt.Errorf("%d runs reached run_limit %d", runs, s.RunLimit))
	}
	return nil
}

// runFailure maps an engine error onto an exit code.
func runFailure(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		observability.CLILogger.Warn("Relaxation interrupted", zap.Error(err))
		return exitError(foundry.ExitSignalInt, "Relaxation interrupted", err)
	case errors.Is(err, relax.ErrRetriesExhausted):
		observability.CLILogger.Error("Solver retries exhausted", zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Solver retries exhausted", err)
	case errors.Is(err, relax.ErrMissingBaseInput), errors.Is(err, os.ErrNotExist):
		observability.CLILogger.Error("Relaxation input missing", zap.Error(err))
		return exitError(foundry.ExitFileNotFound, "Relaxation input missing", err)
	default:
		observability.CLILogger.Error("Relaxation failed", zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Relaxation failed", err)
	}
}

// jobState maps the outcome of a run onto a registry state.
func jobState(ctx context.Context, status relax.Status, err error) jobregistry.JobState {
	switch {
	case err != nil && ctx.Err() != nil:
		return jobregistry.JobStateStopped
	case err != nil:
		return jobregistry.JobStateFailed
	case status == relax.StatusComplete:
		return jobregistry.JobStateComplete
	case status == relax.StatusNotConverging:
		return jobregistry.JobStateNotConverging
	default:
		return jobregistry.JobStateFailed
	}
}

func writeMetricsTextfile(cfg *config.Config, recorder *metrics.Recorder) {
	path := cfg.Metrics.Textfile
	if runMetricsTextfile != "" {
		path = runMetricsTextfile
	}
	if path == "" {
		return
	}
	if err := recorder.WriteTextfile(path); err != nil {
		observability.CLILogger.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(err))
	}
}

func archiveFinal(ctx context.Context, cfg *config.Config, root, finalDir string) error {
	uri := cfg.Archive.URI
	if runArchive != "" {
		uri = runArchive
	}
	if uri == "" {
		return nil
	}

	summary, err := publishFinal(ctx, cfg, uri, root, finalDir, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Archive failed", zap.String("uri", uri), zap.Error(err))
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to archive final run", err)
	}
	observability.CLILogger.Info("Archived final run",
		zap.String("uri", uri),
		zap.Int64("uploaded", summary.Uploaded),
		zap.Int64("skipped", summary.Skipped))
	return nil
}

// startBackgroundRun spawns a managed child running the same relaxation.
func startBackgroundRun(cmd *cobra.Command, cfg *config.Config, root string) error {
	var childArgs []string
	for _, name := range []string{"settings", "events", "archive", "metrics-textfile"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			childArgs = append(childArgs, "--"+name, f.Value.String())
		}
	}
	if verbose {
		childArgs = append(childArgs, "--verbose")
	}

	executor := jobregistry.NewExecutor(cfg.Jobs.Dir)
	rec, err := executor.StartBackground(root, childArgs)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start background job", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(out, "root=%s\n", rec.RootDir)
	_, _ = fmt.Fprintf(out, "stdout=%s\n", rec.StdoutPath)
	_, _ = fmt.Fprintf(out, "stderr=%s\n", rec.StderrPath)
	return nil
}
