package relax

import (
	"context"

	"github.com/3leaps/gorelax/pkg/settings"
)

// CompletionOracle reports whether the solver finished a run directory
// with a complete, well-formed result. A missing directory or output is
// not an error; it is incomplete.
type CompletionOracle interface {
	Complete(dir string) (bool, error)
}

// TagStore reads and writes scalar input tags of a run directory.
type TagStore interface {
	// Tag returns the value of name in dir's input file. ok is false when
	// the tag is not set.
	Tag(dir, name string) (value string, ok bool, err error)

	// SetTags merges tags into dir's input file.
	SetTags(dir string, tags map[string]string) error

	// ReadTags parses a standalone tag file.
	ReadTags(path string) (map[string]string, error)
}

// EnergyReader returns the ordered per-iteration energies of a run. It
// fails when the trace is absent or malformed.
type EnergyReader interface {
	Energies(dir string) ([]float64, error)
}

// Solver executes the external solver.
type Solver interface {
	// Run executes the solver in dir and blocks until it exits. Detected
	// failures are returned in detection order; an empty result means no
	// failure was detected.
	Run(ctx context.Context, dir string, s settings.Settings) ([]Failure, error)

	// Continue populates the empty directory to from the outputs of from.
	Continue(ctx context.Context, from, to string, s settings.Settings) error

	// Finalize post-processes the final directory.
	Finalize(ctx context.Context, dir string, s settings.Settings) error
}

// Failure is a classified solver failure that knows how to repair itself.
type Failure interface {
	error

	// Class names the failure class (e.g. "zbrent").
	Class() string

	// Fix writes corrected inputs into newDir based on the quarantined
	// attempt in errDir.
	Fix(ctx context.Context, errDir, newDir string, s settings.Settings) error
}

// BackupStore restores files from compressed backups kept in a run.
type BackupStore interface {
	// Restore copies the backup of name kept in fromDir to toDir/name.
	// restored is false when no backup exists.
	Restore(fromDir, toDir, name string) (restored bool, err error)
}

// Collaborators groups the external components an Engine drives.
type Collaborators struct {
	Oracle   CompletionOracle
	Tags     TagStore
	Energies EnergyReader
	Solver   Solver

	// Backups is required only when settings list backup files.
	Backups BackupStore
}
