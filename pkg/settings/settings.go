// Package settings provides loading and validation of relaxation settings.
//
// A settings file is a JSON or YAML document placed in the relaxation root
// directory (relax.json, relax.yaml or relax.yml). It configures how the
// external solver is launched and when the relaxation is considered stalled.
//
// Example settings (JSON):
//
//	{
//	  "ncpus": 16,
//	  "npar": 4,
//	  "run_limit": 10,
//	  "nrg_convergence": 1e-3,
//	  "backup": ["WAVECAR"],
//	  "compress": ["OUTCAR", "vasprun.xml"],
//	  "initial": "INCAR.initial",
//	  "final": "INCAR.final",
//	  "extra_input_files": ["vdw_kernel.bindat"]
//	}
package settings

// DefaultRunLimit is the run-count ceiling applied when run_limit is unset.
const DefaultRunLimit = 10

// FileNames are the settings file names searched for in a relaxation root,
// in priority order.
var FileNames = []string{"relax.json", "relax.yaml", "relax.yml"}

// Settings configures a relaxation job.
//
// Settings is treated as immutable once a job is constructed; use Clone when
// a modified copy is needed.
type Settings struct {
	// Npar and Ncore are mutually related band-parallelism hints written to
	// the solver input before each invocation. Nil leaves the input untouched.
	Npar  *int `json:"npar,omitempty" yaml:"npar,omitempty"`
	Ncore *int `json:"ncore,omitempty" yaml:"ncore,omitempty"`

	// Kpar is the k-point partition count. Nil leaves the input untouched.
	Kpar *int `json:"kpar,omitempty" yaml:"kpar,omitempty"`

	// VaspCmd overrides the solver invocation. Empty uses the default
	// mpirun-based command.
	VaspCmd string `json:"vasp_cmd,omitempty" yaml:"vasp_cmd,omitempty"`

	// Ncpus is the number of MPI ranks for the default invocation.
	Ncpus *int `json:"ncpus,omitempty" yaml:"ncpus,omitempty"`

	// RunLimit is the run-count ceiling used for stall detection.
	RunLimit int `json:"run_limit,omitempty" yaml:"run_limit,omitempty"`

	// NrgConvergence is the optional final-energy difference threshold
	// between the last two runs.
	NrgConvergence *float64 `json:"nrg_convergence,omitempty" yaml:"nrg_convergence,omitempty"`

	// Compress lists output files gzipped once a run has been superseded.
	Compress []string `json:"compress,omitempty" yaml:"compress,omitempty"`

	// Backup lists files backed up before continuing and restored after an
	// error fix.
	Backup []string `json:"backup,omitempty" yaml:"backup,omitempty"`

	// Initial names a tag file in the root merged into the first run.
	Initial string `json:"initial,omitempty" yaml:"initial,omitempty"`

	// Final names a tag file in the root used for the constant-volume run
	// instead of the built-in tag set.
	Final string `json:"final,omitempty" yaml:"final,omitempty"`

	// ExtraInputFiles lists additional input files (doublestar patterns
	// allowed) moved into the first run and carried between runs.
	ExtraInputFiles []string `json:"extra_input_files,omitempty" yaml:"extra_input_files,omitempty"`

	// ErrorLimit caps the number of quarantined attempts per run index.
	// Zero means unlimited.
	ErrorLimit int `json:"error_limit,omitempty" yaml:"error_limit,omitempty"`
}

// Default returns settings with every optional field unset and the default
// run limit applied.
func Default() Settings {
	s := Settings{}
	s.ApplyDefaults()
	return s
}

// ApplyDefaults fills zero-valued fields that have a non-zero default.
func (s *Settings) ApplyDefaults() {
	if s.RunLimit <= 0 {
		s.RunLimit = DefaultRunLimit
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	out := s
	out.Npar = cloneInt(s.Npar)
	out.Ncore = cloneInt(s.Ncore)
	out.Kpar = cloneInt(s.Kpar)
	out.Ncpus = cloneInt(s.Ncpus)
	if s.NrgConvergence != nil {
		v := *s.NrgConvergence
		out.NrgConvergence = &v
	}
	out.Compress = cloneStrings(s.Compress)
	out.Backup = cloneStrings(s.Backup)
	out.ExtraInputFiles = cloneStrings(s.ExtraInputFiles)
	return out
}

// HasNrgConvergence reports whether an energy threshold is configured.
func (s Settings) HasNrgConvergence() bool {
	return s.NrgConvergence != nil
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

// Int returns a pointer to v. It exists for building Settings literals.
func Int(v int) *int { return &v }

// Float returns a pointer to v. It exists for building Settings literals.
func Float(v float64) *float64 { return &v }
