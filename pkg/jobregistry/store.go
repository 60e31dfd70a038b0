package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/gorelax/pkg/relax"
)

// Store persists and loads JobRecords from an on-disk directory.
//
// Directory layout:
//
//	<root>/<job_id>/job.json
//	<root>/<job_id>/stdout.log
//	<root>/<job_id>/stderr.log
type Store struct {
	root string
	now  func() time.Time

	// alive reports whether a pid is a live process.
	alive func(pid int) bool
}

func NewStore(root string) *Store {
	return &Store{
		root:  strings.TrimSpace(root),
		now:   func() time.Time { return time.Now().UTC() },
		alive: ProcessAlive,
	}
}

func (s *Store) RootDir() string {
	return s.root
}

func (s *Store) JobDir(jobID string) string {
	return filepath.Join(s.root, jobID)
}

func (s *Store) JobPath(jobID string) string {
	return filepath.Join(s.JobDir(jobID), "job.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("job registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

// Write stores record atomically.
func (s *Store) Write(record *JobRecord) error {
	if record == nil {
		return fmt.Errorf("job record is nil")
	}
	jobID := strings.TrimSpace(record.JobID)
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	jobDir := s.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(jobDir, "job.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp job file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp job file: %w", err)
	}
	if err := os.Rename(tmpName, s.JobPath(jobID)); err != nil {
		return fmt.Errorf("rename job file: %w", err)
	}
	return nil
}

// Get loads a record. A record claiming to be running whose process is
// gone is rewritten as unknown.
func (s *Store) Get(jobID string) (*JobRecord, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	b, err := os.ReadFile(s.JobPath(jobID))
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("job.json is empty")
	}

	var record JobRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}

	if (record.State == JobStateRunning || record.State == JobStateStopping) && !s.alive(record.PID) {
		record.State = JobStateUnknown
		now := s.now()
		record.LastHeartbeat = &now
		_ = s.Write(&record)
	}

	return &record, nil
}

// List returns all readable records, newest first.
func (s *Store) List() ([]JobRecord, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read jobs root: %w", err)
	}

	out := make([]JobRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, *r)
	}

	sort.Slice(out, func(i, j int) bool {
		return jobSortTime(out[i]).After(jobSortTime(out[j]))
	})
	return out, nil
}

// FindActive returns the live job holding rootDir, or nil.
func (s *Store) FindActive(rootDir string) (*JobRecord, error) {
	abs, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, err
	}
	jobs, err := s.List()
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		j := jobs[i]
		if j.RootDir == abs && (j.State == JobStateRunning || j.State == JobStateStopping) {
			return &j, nil
		}
	}
	return nil, nil
}

// AcquireOptions describes the process taking a root directory.
type AcquireOptions struct {
	// JobID reuses a record prepared by the executor. Empty creates one.
	JobID string

	RootDir string
	PID     int
}

// Acquire registers the calling process as the single writer of
// opts.RootDir. It fails with relax.ErrConcurrentJob when another live
// job holds the same root.
//
// The root lock file is taken first and is exclusive, so of two processes
// starting at the same instant only one succeeds. Finish releases it.
func (s *Store) Acquire(opts AcquireOptions) (*JobRecord, error) {
	abs, err := filepath.Abs(opts.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve root dir: %w", err)
	}
	pid := opts.PID
	if pid <= 0 {
		pid = os.Getpid()
	}
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	if err := s.lockRoot(abs, jobID, pid); err != nil {
		return nil, err
	}
	rec, err := s.register(abs, jobID, opts.JobID != "", pid)
	if err != nil {
		_ = unlockRoot(abs, jobID)
		return nil, err
	}
	return rec, nil
}

func (s *Store) register(rootDir, jobID string, prepared bool, pid int) (*JobRecord, error) {
	active, err := s.FindActive(rootDir)
	if err != nil {
		return nil, err
	}
	if active != nil && active.JobID != jobID && active.PID != pid {
		return nil, fmt.Errorf("%w: job %s (pid %d) holds %s", relax.ErrConcurrentJob, active.JobID, active.PID, rootDir)
	}

	now := s.now()
	rec := &JobRecord{JobID: jobID, CreatedAt: now}
	if prepared {
		existing, err := s.Get(jobID)
		switch {
		case err == nil:
			rec = existing
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	rec.RootDir = rootDir
	rec.PID = pid
	rec.State = JobStateRunning
	rec.StartedAt = &now
	rec.LastHeartbeat = &now
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Heartbeat records progress for a running job.
func (s *Store) Heartbeat(jobID string, status string, runs int) error {
	rec, err := s.Get(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	rec.LastHeartbeat = &now
	rec.Status = status
	rec.Runs = runs
	return s.Write(rec)
}

// Finish marks a job terminal and releases its root lock.
func (s *Store) Finish(jobID string, state JobState, status string, runs int, runErr error) error {
	rec, err := s.Get(jobID)
	if err != nil {
		return err
	}
	now := s.now()
	rec.State = state
	rec.Status = status
	rec.Runs = runs
	rec.EndedAt = &now
	rec.LastHeartbeat = &now
	rec.Error = ""
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	if err := s.Write(rec); err != nil {
		return err
	}
	if rec.RootDir == "" {
		return nil
	}
	return unlockRoot(rec.RootDir, rec.JobID)
}

// Stop asks a running job to terminate with SIGTERM and marks it stopping.
func (s *Store) Stop(jobID string) (*JobRecord, error) {
	rec, err := s.Get(jobID)
	if err != nil {
		return nil, err
	}
	if rec.State != JobStateRunning {
		return rec, fmt.Errorf("job %s is %s", rec.JobID, rec.State)
	}
	p, err := os.FindProcess(rec.PID)
	if err != nil {
		return nil, err
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return nil, fmt.Errorf("signal job %s: %w", rec.JobID, err)
	}
	rec.State = JobStateStopping
	if err := s.Write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func jobSortTime(r JobRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

// ProcessAlive reports whether pid names a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	return p.Signal(syscall.Signal(0)) == nil
}
