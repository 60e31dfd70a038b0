package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/3leaps/gorelax/internal/observability"
	"github.com/3leaps/gorelax/pkg/output"
	"github.com/3leaps/gorelax/pkg/vasp"
)

var statusCmd = &cobra.Command{
	Use:   "status [dir]",
	Short: "Show the status and next task of a relaxation",
	Long: `Evaluate the relaxation rooted at dir (default: the working directory)
and print its status and next task. Nothing on disk is changed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusSettingsPath string
	statusJSON         bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusSettingsPath, "settings", "", "Path to a settings file (default: relax.json in the root)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

type statusReport struct {
	Root       string `json:"root"`
	Status     string `json:"status"`
	Task       string `json:"task"`
	TaskDir    string `json:"task_dir,omitempty"`
	Runs       int    `json:"runs"`
	ErrorRuns  int    `json:"error_runs"`
	IonicSteps *int   `json:"ionic_steps,omitempty"`
	FinalDir   string `json:"final_dir,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot(args)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Relaxation root not found", err)
	}
	s, _, err := loadSettings(root, statusSettingsPath)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid settings", err)
	}

	fs := afero.NewReadOnlyFs(afero.NewOsFs())
	eng, err := newEngine(fs, root, s, "", output.Discard, observability.CLILogger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize relaxation", err)
	}

	status, task, err := eng.Status()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to evaluate status", err)
	}

	layout := eng.Layout()
	report := statusReport{
		Root:    root,
		Status:  string(status),
		Task:    string(task.Kind),
		TaskDir: task.Dir,
	}
	runs, err := layout.Runs()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to list runs", err)
	}
	report.Runs = len(runs)
	if errs, err := layout.ErrorRuns(); err == nil {
		report.ErrorRuns = len(errs)
	}
	if len(runs) > 0 {
		if n, err := vasp.NewEnergyReader(fs).IonicSteps(runs[len(runs)-1]); err == nil {
			report.IonicSteps = &n
		}
	}
	if ok, err := layout.HasFinal(); err == nil && ok {
		report.FinalDir = layout.FinalDir()
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(out, "root=%s\n", report.Root)
	_, _ = fmt.Fprintf(out, "status=%s\n", report.Status)
	_, _ = fmt.Fprintf(out, "task=%s\n", report.Task)
	if report.TaskDir != "" {
		_, _ = fmt.Fprintf(out, "task_dir=%s\n", filepath.Base(report.TaskDir))
	}
	_, _ = fmt.Fprintf(out, "runs=%d\n", report.Runs)
	_, _ = fmt.Fprintf(out, "error_runs=%d\n", report.ErrorRuns)
	if report.IonicSteps != nil {
		_, _ = fmt.Fprintf(out, "ionic_steps=%d\n", *report.IonicSteps)
	}
	if report.FinalDir != "" {
		_, _ = fmt.Fprintf(out, "final_dir=%s\n", report.FinalDir)
	}
	return nil
}
