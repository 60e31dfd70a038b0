package jobregistry

import "time"

// JobState is the lifecycle state of a relaxation job.
//
// NOTE: These values are persisted in job.json and are part of the stable
// on-disk contract.
type JobState string

const (
	JobStateRunning       JobState = "running"
	JobStateStopping      JobState = "stopping"
	JobStateStopped       JobState = "stopped"
	JobStateComplete      JobState = "complete"
	JobStateNotConverging JobState = "not_converging"
	JobStateFailed        JobState = "failed"
	JobStateUnknown       JobState = "unknown"
)

// Terminal reports whether s is a final state.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateStopped, JobStateComplete, JobStateNotConverging, JobStateFailed:
		return true
	}
	return false
}

// JobRecord is the persistent record written to job.json.
//
// The schema is designed for backward-compatible extension (additive fields).
type JobRecord struct {
	JobID   string   `json:"job_id"`
	State   JobState `json:"state"`
	RootDir string   `json:"root_dir"`
	PID     int      `json:"pid,omitempty"`

	// Managed is set for jobs spawned in the background.
	Managed bool `json:"managed,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`

	// Runs and Status mirror the relaxation at the last update.
	Runs   int    `json:"runs,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}
