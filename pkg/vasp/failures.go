package vasp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/gorelax/pkg/relax"
	"github.com/3leaps/gorelax/pkg/settings"
)

// Failure class names.
const (
	ClassTet      = "tet"
	ClassZbrent   = "zbrent"
	ClassSubspace = "subspace"
	ClassEddrmm   = "eddrmm"
	ClassPricel   = "pricel"
	ClassBrmix    = "brmix"
	ClassEdddav   = "edddav"
)

// failureClass describes a recognizable solver failure and its remedy.
type failureClass struct {
	name       string
	signatures []string
	message    string

	// tags are written into the new run.
	tags map[string]string

	// fromContcar continues from the relaxed structure instead of
	// restarting from the failed run's POSCAR.
	fromContcar bool

	// dropChgcar removes the charge density from the new run.
	dropChgcar bool
}

var failureClasses = []failureClass{
	{
		name: ClassTet,
		signatures: []string{
			"Tetrahedron method fails",
			"Fatal error detecting k-mesh",
			"Fatal error: unable to match k-point",
			"Routine TETIRR needs special values",
		},
		message: "tetrahedron method failed",
		tags:    map[string]string{"ISMEAR": "0", "SIGMA": "0.01"},
	},
	{
		name:        ClassZbrent,
		signatures:  []string{"ZBRENT: fatal error"},
		message:     "ZBRENT line minimization failed",
		tags:        map[string]string{"IBRION": "1"},
		fromContcar: true,
	},
	{
		name: ClassSubspace,
		signatures: []string{
			"ERROR in subspace rotation PSSYEVX",
			"Sub-Space-Matrix is not hermitian",
		},
		message: "subspace rotation failed",
		tags:    map[string]string{"ALGO": "Normal"},
	},
	{
		name:        ClassEddrmm,
		signatures:  []string{"WARNING in EDDRMM: call to ZHEGV failed"},
		message:     "EDDRMM diagonalization failed",
		tags:        map[string]string{"ALGO": "Normal"},
		fromContcar: true,
	},
	{
		name:       ClassPricel,
		signatures: []string{"internal error in subroutine PRICEL"},
		message:    "PRICEL symmetry detection failed",
		tags:       map[string]string{"SYMPREC": "1e-8", "ISYM": "0"},
	},
	{
		name:       ClassBrmix,
		signatures: []string{"BRMIX: very serious problems"},
		message:    "BRMIX charge mixing failed",
		tags:       map[string]string{"IMIX": "1"},
	},
	{
		name:       ClassEdddav,
		signatures: []string{"Error EDDDAV: Call to ZHEGV failed"},
		message:    "EDDDAV diagonalization failed",
		tags:       map[string]string{"ALGO": "All"},
		dropChgcar: true,
	},
}

// Classes returns the names of the recognized failure classes.
func Classes() []string {
	names := make([]string, 0, len(failureClasses))
	for _, c := range failureClasses {
		names = append(names, c.name)
	}
	return names
}

// classify returns the failure class whose signature occurs in line.
func classify(line string) (*failureClass, bool) {
	for i := range failureClasses {
		for _, sig := range failureClasses[i].signatures {
			if strings.Contains(line, sig) {
				return &failureClasses[i], true
			}
		}
	}
	return nil, false
}

// Failure is a detected solver failure.
type Failure struct {
	class *failureClass

	// Line is the solver output line that matched.
	Line string

	files *Files
	tags  *TagStore
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.class.message, strings.TrimSpace(f.Line))
}

// Class returns the failure class name.
func (f *Failure) Class() string {
	return f.class.name
}

// Fix copies the inputs of the failed attempt in errDir into newDir and
// applies the class remedy.
func (f *Failure) Fix(ctx context.Context, errDir, newDir string, s settings.Settings) error {
	if err := f.files.copyInputs(ctx, errDir, newDir, s, f.class.fromContcar); err != nil {
		return fmt.Errorf("copy inputs: %w", err)
	}
	if f.class.fromContcar {
		if _, err := f.files.copyIfNonEmpty(filepath.Join(errDir, WavecarFile), filepath.Join(newDir, WavecarFile)); err != nil {
			return err
		}
	}
	if !f.class.dropChgcar {
		if _, err := f.files.copyIfNonEmpty(filepath.Join(errDir, ChgcarFile), filepath.Join(newDir, ChgcarFile)); err != nil {
			return err
		}
	} else if err := f.files.fs.Remove(filepath.Join(newDir, ChgcarFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return f.tags.SetTags(newDir, f.class.tags)
}

var _ relax.Failure = (*Failure)(nil)
