// Package rundir maintains the run-directory tree of a relaxation job.
//
// The tree is the job's only persisted state. Nothing is cached between
// calls: every query rescans the filesystem, so a process that was killed
// at any point can be restarted and will observe exactly what is on disk.
//
// Directory layout:
//
//	<root>/run.<i>          i = 0,1,2,... contiguous, one per attempt
//	<root>/run.<i>_err.<j>  j = 0,1,2,... contiguous per i, quarantined attempts
//	<root>/run.<i>.partial  run i while it is being populated
//	<root>/run.final        terminal directory, created exactly once
//	<root>/INCAR.base       snapshot of the first run's base input
//	<root>/.gorelax.lock    held by the job currently running the root
//
// A Layout must not be shared by two processes operating on the same root;
// the rename-based bookkeeping assumes a single writer.
package rundir

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/afero"
)

const (
	// RunPrefix prefixes every attempt directory name.
	RunPrefix = "run."

	// ErrorInfix separates a run name from its quarantine index.
	ErrorInfix = "_err."

	// FinalName is the terminal directory name.
	FinalName = "run.final"

	// BaseInputName is the snapshot of the first run's base input file.
	BaseInputName = "INCAR.base"

	// PartialSuffix marks a run directory that is still being populated.
	PartialSuffix = ".partial"

	// LockName is the file a running job holds in the root.
	LockName = ".gorelax.lock"
)

var (
	// ErrNoRuns is returned by operations that need at least one run.
	ErrNoRuns = errors.New("no run directories")

	// ErrFinalExists is returned when promoting a run while the final
	// directory already exists.
	ErrFinalExists = errors.New("final directory already exists")

	// ErrIndexTaken is returned when committing a run out of order.
	ErrIndexTaken = errors.New("run index not next")
)

// Layout scans and mutates the run-directory tree under a root directory.
type Layout struct {
	fs   afero.Fs
	root string
}

// New returns a Layout over root on fs. A nil fs uses the OS filesystem.
func New(fs afero.Fs, root string) *Layout {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Layout{fs: fs, root: filepath.Clean(root)}
}

// Root returns the relaxation root directory.
func (l *Layout) Root() string { return l.root }

// Fs returns the filesystem the layout operates on.
func (l *Layout) Fs() afero.Fs { return l.fs }

// RunDir returns the path of run i.
func (l *Layout) RunDir(i int) string {
	return filepath.Join(l.root, RunPrefix+strconv.Itoa(i))
}

// ErrorDir returns the path of the j-th quarantined attempt of run i.
func (l *Layout) ErrorDir(i, j int) string {
	return l.RunDir(i) + ErrorInfix + strconv.Itoa(j)
}

// PartialDir returns the staging path of run i.
func (l *Layout) PartialDir(i int) string {
	return l.RunDir(i) + PartialSuffix
}

// FinalDir returns the path of the terminal directory.
func (l *Layout) FinalDir() string {
	return filepath.Join(l.root, FinalName)
}

// BaseInput returns the path of the base input snapshot.
func (l *Layout) BaseInput() string {
	return filepath.Join(l.root, BaseInputName)
}

// Runs returns the run directories run.0, run.1, ... in index order.
//
// The scan stops at the first missing index, so the result is always
// contiguous from 0.
func (l *Layout) Runs() ([]string, error) {
	var runs []string
	for i := 0; ; i++ {
		ok, err := l.isDir(l.RunDir(i))
		if err != nil {
			return nil, err
		}
		if !ok {
			return runs, nil
		}
		runs = append(runs, l.RunDir(i))
	}
}

// ErrorRuns returns the quarantined attempts of the latest run.
//
// Returns nil when there are no runs.
func (l *Layout) ErrorRuns() ([]string, error) {
	runs, err := l.Runs()
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return l.ErrorRunsOf(len(runs) - 1)
}

// ErrorRunsOf returns the quarantined attempts of run i in index order.
func (l *Layout) ErrorRunsOf(i int) ([]string, error) {
	var errs []string
	for j := 0; ; j++ {
		ok, err := l.isDir(l.ErrorDir(i, j))
		if err != nil {
			return nil, err
		}
		if !ok {
			return errs, nil
		}
		errs = append(errs, l.ErrorDir(i, j))
	}
}

// HasFinal reports whether the terminal directory exists.
func (l *Layout) HasFinal() (bool, error) {
	return l.isDir(l.FinalDir())
}

// Stage returns the staging directory of run i, creating it when needed.
//
// A run is populated in its staging directory and becomes visible to Runs
// only once Commit renames it into place. An existing staging directory is
// kept when keep is set, and emptied otherwise.
func (l *Layout) Stage(i int, keep bool) (string, error) {
	dir := l.PartialDir(i)
	exists, err := l.isDir(dir)
	if err != nil {
		return "", err
	}
	if exists && !keep {
		if err := l.fs.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("reset staging directory: %w", err)
		}
		exists = false
	}
	if !exists {
		if err := l.fs.Mkdir(dir, 0o755); err != nil {
			return "", fmt.Errorf("create staging directory: %w", err)
		}
	}
	return dir, nil
}

// Commit renames the staging directory of run i into place. Run i must be
// the next free index.
func (l *Layout) Commit(i int) (string, error) {
	runs, err := l.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) != i {
		return "", fmt.Errorf("commit run %d: %w (next index is %d)", i, ErrIndexTaken, len(runs))
	}
	if err := l.fs.Rename(l.PartialDir(i), l.RunDir(i)); err != nil {
		return "", fmt.Errorf("commit run directory: %w", err)
	}
	return l.RunDir(i), nil
}

// Unstage moves the latest run back to its staging directory.
func (l *Layout) Unstage() (string, error) {
	runs, err := l.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	i := len(runs) - 1
	dest := l.PartialDir(i)
	exists, err := l.isDir(dest)
	if err != nil {
		return "", err
	}
	if exists {
		return "", fmt.Errorf("unstage run %d: staging directory already exists", i)
	}
	if err := l.fs.Rename(runs[i], dest); err != nil {
		return "", fmt.Errorf("unstage run directory: %w", err)
	}
	return dest, nil
}

// Quarantine renames the latest run to the next free error slot of that
// run and returns the new path. The run index becomes free again, so a
// following Stage and Commit recreate it.
func (l *Layout) Quarantine() (string, error) {
	runs, err := l.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	i := len(runs) - 1
	errs, err := l.ErrorRunsOf(i)
	if err != nil {
		return "", err
	}
	dest := l.ErrorDir(i, len(errs))
	if err := l.fs.Rename(runs[i], dest); err != nil {
		return "", fmt.Errorf("quarantine run directory: %w", err)
	}
	return dest, nil
}

// Promote renames the latest run to the terminal directory.
func (l *Layout) Promote() (string, error) {
	exists, err := l.HasFinal()
	if err != nil {
		return "", err
	}
	if exists {
		return "", ErrFinalExists
	}
	runs, err := l.Runs()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", ErrNoRuns
	}
	if err := l.fs.Rename(runs[len(runs)-1], l.FinalDir()); err != nil {
		return "", fmt.Errorf("promote run directory: %w", err)
	}
	return l.FinalDir(), nil
}

func (l *Layout) isDir(path string) (bool, error) {
	st, err := l.fs.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.IsDir(), nil
}
