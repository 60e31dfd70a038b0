package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gorelax/pkg/jobregistry"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage relaxation jobs",
	Long: `Manage the job records of relaxations started by this host.

Every 'gorelax run' registers a job; 'gorelax run --background' starts a
managed job whose output is captured to log files. Job ids are stable and
may be abbreviated to any unique prefix.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List relaxation jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a managed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

// stopGracePeriod is how long stop waits after SIGTERM before SIGKILL.
var stopGracePeriod = 30 * time.Second

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStopCmd.Flags().String("signal", "term", "Signal to send: term or kill")
	jobsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout or stderr")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = all)")
}

func jobsStore(cmd *cobra.Command) (*jobregistry.Store, error) {
	cfg, err := appConfig(cmd)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return jobregistry.NewStore(cfg.Jobs.Dir), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}

	jobs, err := store.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tSTATUS\tRUNS\tSTARTED\tENDED\tROOT")
	for _, j := range jobs {
		status := j.Status
		if status == "" {
			status = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.State,
			status,
			j.Runs,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			j.RootDir,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}

	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(out, "job_id=%s\n", rec.JobID)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "root_dir=%s\n", rec.RootDir)
	_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	_, _ = fmt.Fprintf(out, "managed=%t\n", rec.Managed)
	if rec.Status != "" {
		_, _ = fmt.Fprintf(out, "status=%s\n", rec.Status)
	}
	_, _ = fmt.Fprintf(out, "runs=%d\n", rec.Runs)
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(out, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.LastHeartbeat != nil {
		_, _ = fmt.Fprintf(out, "last_heartbeat=%s\n", rec.LastHeartbeat.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

func runJobsStop(cmd *cobra.Command, args []string) error {
	sigStr, _ := cmd.Flags().GetString("signal")
	sigStr = strings.TrimSpace(strings.ToLower(sigStr))
	if sigStr == "" {
		sigStr = "term"
	}
	if sigStr != "term" && sigStr != "kill" {
		return exitError(foundry.ExitInvalidArgument, "Invalid --signal value", fmt.Errorf("unsupported signal: %s", sigStr))
	}

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}
	if rec.PID <= 0 {
		return fmt.Errorf("job has no pid recorded")
	}

	out := cmd.OutOrStdout()
	if sigStr == "kill" {
		if rec.State != jobregistry.JobStateRunning && rec.State != jobregistry.JobStateStopping {
			return fmt.Errorf("job is not running (state=%s)", rec.State)
		}
		proc, err := os.FindProcess(rec.PID)
		if err != nil {
			return fmt.Errorf("find process: %w", err)
		}
		if err := proc.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("signal kill: %w", err)
		}
		markStopped(store, rec)
		_, _ = fmt.Fprintf(out, "sent=kill\n")
		return nil
	}

	rec, err = store.Stop(resolvedID)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !jobregistry.ProcessAlive(rec.PID) {
			markStopped(store, rec)
			_, _ = fmt.Fprintf(out, "sent=term\n")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}

	if proc, err := os.FindProcess(rec.PID); err == nil {
		_ = proc.Signal(syscall.SIGKILL)
	}
	markStopped(store, rec)
	_, _ = fmt.Fprintf(out, "sent=term;forced=kill\n")
	return nil
}

// markStopped records a stopped job unless it already finished on its own.
func markStopped(store *jobregistry.Store, rec *jobregistry.JobRecord) {
	if cur, err := store.Get(rec.JobID); err == nil && cur.State.Terminal() {
		return
	}
	now := time.Now().UTC()
	rec.State = jobregistry.JobStateStopped
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	_ = store.Write(rec)
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	tail, _ := cmd.Flags().GetInt("tail")

	store, err := jobsStore(cmd)
	if err != nil {
		return err
	}
	resolvedID, err := resolveJobID(store, args[0])
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown job", err)
	}
	rec, err := store.Get(resolvedID)
	if err != nil {
		return err
	}

	var path string
	switch strings.ToLower(strings.TrimSpace(stream)) {
	case "", "stdout":
		path = rec.StdoutPath
	case "stderr":
		path = rec.StderrPath
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --stream value", fmt.Errorf("unsupported stream: %s", stream))
	}
	if path == "" {
		return fmt.Errorf("job %s has no %s log (not a managed job)", rec.JobID, stream)
	}

	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to open log", err)
	}
	defer func() { _ = f.Close() }()
	return copyTail(cmd.OutOrStdout(), f, tail)
}

// copyTail copies the last n lines of r to w; n <= 0 copies everything.
func copyTail(w io.Writer, r io.Reader, n int) error {
	if n <= 0 {
		_, err := io.Copy(w, r)
		return err
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	for _, line := range ring {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(store *jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Get(input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List()
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
