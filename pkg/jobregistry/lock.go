package jobregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/3leaps/gorelax/pkg/relax"
	"github.com/3leaps/gorelax/pkg/rundir"
)

// rootLock is the content of the lock file a job holds in its relaxation
// root. The file is linked into place fully written and link fails when
// the name exists, so only one job can hold a root.
type rootLock struct {
	JobID string `json:"job_id"`
	PID   int    `json:"pid"`
}

// LockPath returns the lock file of a relaxation root.
func LockPath(rootDir string) string {
	return filepath.Join(rootDir, rundir.LockName)
}

// lockRoot takes the lock of rootDir for jobID. A lock whose holder is
// dead, or whose job is terminal, is taken over.
func (s *Store) lockRoot(rootDir, jobID string, pid int) error {
	path := LockPath(rootDir)
	data, err := json.Marshal(rootLock{JobID: jobID, PID: pid})
	if err != nil {
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := createExclusive(path, data)
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("lock root: %w", err)
		}

		holder, err := readLock(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read root lock: %w", err)
		}
		if holder.PID == pid {
			return replaceLock(path, data)
		}
		if s.holds(holder) {
			return fmt.Errorf("%w: job %s (pid %d) holds %s", relax.ErrConcurrentJob, holder.JobID, holder.PID, rootDir)
		}
		if err := s.takeOver(path, holder); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: lock of %s keeps changing hands", relax.ErrConcurrentJob, rootDir)
}

// holds reports whether the lock holder is still running its job.
func (s *Store) holds(holder rootLock) bool {
	if !s.alive(holder.PID) {
		return false
	}
	rec, err := s.Get(holder.JobID)
	if err != nil {
		// No record yet: the holder is between locking and registering.
		return true
	}
	return !rec.State.Terminal()
}

// takeOver moves a stale lock out of the way. If the lock changed hands
// after it was read, it is put back and the root is reported busy.
func (s *Store) takeOver(path string, stale rootLock) error {
	moved := path + ".stale-" + uuid.NewString()
	if err := os.Rename(path, moved); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("take over root lock: %w", err)
	}
	defer func() { _ = os.Remove(moved) }()

	got, err := readLock(moved)
	if err == nil && got != stale {
		_ = os.Link(moved, path)
		return fmt.Errorf("%w: job %s (pid %d) holds %s", relax.ErrConcurrentJob, got.JobID, got.PID, filepath.Dir(path))
	}
	return nil
}

// unlockRoot removes the lock of rootDir if jobID holds it.
func unlockRoot(rootDir, jobID string) error {
	path := LockPath(rootDir)
	holder, err := readLock(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read root lock: %w", err)
	}
	if holder.JobID != jobID {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("unlock root: %w", err)
	}
	return nil
}

func createExclusive(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()
	return os.Link(tmp, path)
}

func replaceLock(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(path string, data []byte) (string, error) {
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write root lock: %w", err)
	}
	return tmp, nil
}

func readLock(path string) (rootLock, error) {
	var l rootLock
	data, err := os.ReadFile(path)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("parse %s: %w", path, err)
	}
	return l, nil
}
