// Package output provides the event stream for relaxation jobs.
//
// Events are structured as typed record envelopes describing status
// decisions, run directory changes, solver failures and the final
// summary. In JSONL form each line is a self-contained JSON object that
// can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: gorelax.<type>.v<version>
const (
	// TypeStatus identifies status evaluation records.
	TypeStatus = "gorelax.status.v1"

	// TypeRun identifies run directory lifecycle records.
	TypeRun = "gorelax.run.v1"

	// TypeFailure identifies solver failure records.
	TypeFailure = "gorelax.failure.v1"

	// TypeRestore identifies backup restore records.
	TypeRestore = "gorelax.restore.v1"

	// TypeTags identifies input tag rewrite records.
	TypeTags = "gorelax.tags.v1"

	// TypeWarning identifies non-fatal warning records.
	TypeWarning = "gorelax.warning.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "gorelax.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "gorelax.run.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the correlation ID for this relaxation job.
	JobID string `json:"job_id"`

	// Root is the relaxation root directory.
	Root string `json:"root"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// Run phases reported in RunRecord.Phase.
const (
	PhaseCreated        = "created"
	PhaseSolverStarted  = "solver_started"
	PhaseSolverFinished = "solver_finished"
	PhaseQuarantined    = "quarantined"
	PhasePromoted       = "promoted"
	PhaseFinalized      = "finalized"
)

// StatusRecord is emitted every time the job evaluates its state.
type StatusRecord struct {
	// Status is one of "complete", "incomplete", "not_converging".
	Status string `json:"status"`

	// Task is the next action ("none", "setup", "relax", "constant", "continue").
	Task string `json:"task"`

	// TaskDir is the run directory the task targets, if any.
	TaskDir string `json:"task_dir,omitempty"`

	// Runs is the number of committed runs.
	Runs int `json:"runs"`

	// ErrorRuns is the number of quarantined attempts of the latest run.
	ErrorRuns int `json:"error_runs"`
}

// RunRecord describes a change to a run directory.
type RunRecord struct {
	// Phase is one of the Phase* constants.
	Phase string `json:"phase"`

	// Task is the task that produced the directory.
	Task string `json:"task,omitempty"`

	// Dir is the affected directory.
	Dir string `json:"dir"`

	// Index is the run index, or -1 for the final directory.
	Index int `json:"index"`
}

// FailureRecord describes a failure detected during a solver execution.
type FailureRecord struct {
	// Class is the failure class name (e.g., "zbrent").
	Class string `json:"class"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// RunDir is the directory the solver ran in.
	RunDir string `json:"run_dir"`

	// ErrorDir is where the failed attempt was quarantined.
	ErrorDir string `json:"error_dir,omitempty"`

	// Attempt is the 0-based quarantine index for this run.
	Attempt int `json:"attempt"`

	// Ignored lists failure classes detected alongside but not fixed.
	Ignored []string `json:"ignored,omitempty"`
}

// RestoreRecord describes a file restored from a backup.
type RestoreRecord struct {
	File string `json:"file"`
	From string `json:"from"`
	To   string `json:"to"`
}

// TagsRecord describes tags written into a run's input.
type TagsRecord struct {
	// Dir is the run directory whose INCAR was rewritten.
	Dir string `json:"dir"`

	// Source names where the tags came from (e.g., "initial", "final", "base").
	Source string `json:"source"`

	Tags map[string]string `json:"tags,omitempty"`
}

// Warning codes reported in WarningRecord.Code.
const (
	WarningMissingOverride = "MISSING_OVERRIDE"
	WarningMissingInput    = "MISSING_INPUT"
	WarningWriteFailed     = "WRITE_FAILED"
	WarningResumedSetup    = "RESUMED_SETUP"
	WarningResumedRetry    = "RESUMED_RETRY"
)

// WarningRecord reports a recoverable condition.
type WarningRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

// SummaryRecord is emitted once when a run invocation ends.
type SummaryRecord struct {
	// Status is the status at exit.
	Status string `json:"status"`

	// Runs is the number of committed runs at exit.
	Runs int `json:"runs"`

	// FinalDir is set when the final directory exists.
	FinalDir string `json:"final_dir,omitempty"`

	// Failures is the number of solver failures handled in this invocation.
	Failures int `json:"failures"`

	// Duration is the total invocation duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Error is set when the invocation ended with an error.
	Error string `json:"error,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
