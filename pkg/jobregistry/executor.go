package jobregistry

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ManagedJobFlag is the hidden flag that tells a spawned child its job ID.
const ManagedJobFlag = "--_managed-job-id"

// Executor spawns relaxations as background processes.
//
// The child runs `<exe> run <root> --_managed-job-id <job_id> [args...]`
// with stdout and stderr captured to per-job log files.
type Executor struct {
	store *Store
	exe   string
}

func NewExecutor(root string) *Executor {
	return &Executor{store: NewStore(root)}
}

// WithExecutable overrides the binary the executor spawns.
func (e *Executor) WithExecutable(path string) *Executor {
	e.exe = path
	return e
}

func (e *Executor) Store() *Store {
	return e.store
}

func (e *Executor) StdoutPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stdout.log")
}

func (e *Executor) StderrPath(jobID string) string {
	return filepath.Join(e.store.JobDir(jobID), "stderr.log")
}

// StartBackground spawns a managed relaxation of rootDir and returns once
// the child has started. It refuses roots held by another live job.
func (e *Executor) StartBackground(rootDir string, args []string) (*JobRecord, error) {
	if e == nil || e.store == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}

	absRoot, err := filepath.Abs(strings.TrimSpace(rootDir))
	if err != nil {
		return nil, fmt.Errorf("resolve root dir: %w", err)
	}
	if st, err := os.Stat(absRoot); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("root dir not found: %s", absRoot)
	}

	if active, err := e.store.FindActive(absRoot); err != nil {
		return nil, err
	} else if active != nil {
		return nil, fmt.Errorf("job %s already running for %s", active.JobID, absRoot)
	}

	exe := e.exe
	if exe == "" {
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
	}

	jobID := uuid.New().String()
	if err := os.MkdirAll(e.store.JobDir(jobID), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	stdoutFile, err := os.Create(e.StdoutPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(e.StderrPath(jobID))
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	argv := append([]string{"run", absRoot, ManagedJobFlag, jobID}, args...)
	cmd := exec.Command(exe, argv...)
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := e.store.now()
	rec := &JobRecord{
		JobID:         jobID,
		State:         JobStateRunning,
		RootDir:       absRoot,
		PID:           cmd.Process.Pid,
		Managed:       true,
		CreatedAt:     now,
		StartedAt:     &now,
		LastHeartbeat: &now,
		StdoutPath:    e.StdoutPath(jobID),
		StderrPath:    e.StderrPath(jobID),
	}
	if err := e.store.Write(rec); err != nil {
		return nil, err
	}

	// The child outlives this process; reap it if we are still around.
	go func() { _ = cmd.Wait() }()

	return rec, nil
}
