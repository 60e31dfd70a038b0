// Package relax drives a structural relaxation to convergence.
//
// An Engine owns the run-directory sequence of one relaxation root. It
// decides the next action from what is on disk, invokes the solver,
// quarantines and repairs failed attempts, and promotes the last run to
// the final directory once the relaxation is complete.
//
// The engine keeps no state between calls. Status is re-derived from the
// directory tree every time, so an interrupted process resumes by simply
// calling Run again.
//
// Basic usage:
//
//	eng, err := relax.New(root, s, relax.Collaborators{
//	    Oracle:   vasp.NewOracle(fs),
//	    Tags:     vasp.NewTagStore(fs),
//	    Energies: vasp.NewEnergyReader(fs),
//	    Solver:   driver,
//	    Backups:  files,
//	})
//	status, task, err := eng.Run(ctx)
package relax

// Status is the overall state of a relaxation.
type Status string

const (
	// StatusComplete means the final directory exists and is complete.
	StatusComplete Status = "complete"

	// StatusIncomplete means more solver runs are required.
	StatusIncomplete Status = "incomplete"

	// StatusNotConverging means the run-count ceiling was reached.
	StatusNotConverging Status = "not_converging"
)

// TaskKind identifies the next action of a relaxation.
type TaskKind string

const (
	// TaskNone is returned with the terminal statuses.
	TaskNone TaskKind = "none"

	// TaskSetup creates the first run from the inputs in the root.
	TaskSetup TaskKind = "setup"

	// TaskRelax continues into a new run with the base input restored.
	TaskRelax TaskKind = "relax"

	// TaskConstant continues into the final constant-volume run.
	TaskConstant TaskKind = "constant"

	// TaskContinue resumes an interrupted run in a new run directory.
	TaskContinue TaskKind = "continue"
)

// Task is the next action of a relaxation. Dir is only set for
// TaskContinue and names the incomplete run being resumed.
type Task struct {
	Kind TaskKind
	Dir  string
}

// NoTask is the task paired with terminal statuses.
var NoTask = Task{Kind: TaskNone}

func (t Task) String() string {
	if t.Kind == TaskContinue && t.Dir != "" {
		return string(t.Kind) + "(" + t.Dir + ")"
	}
	return string(t.Kind)
}
