package storage

// Status is the lifecycle state of an experiment row.
type Status string

// Experiment lifecycle states. StatusAll is accepted only as a reset
// filter and never persisted.
const (
	StatusCreated             Status = "created"
	StatusCreatedForExecution Status = "created_for_execution"
	StatusRunning             Status = "running"
	StatusDone                Status = "done"
	StatusError               Status = "error"
	StatusPaused              Status = "paused"
	StatusAll                 Status = "all"
)

// Terminal reports whether the status ends a single run. Terminal
// transitions set end_date; pausing does not.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// Valid reports whether s is a persistable status value.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusCreatedForExecution, StatusRunning, StatusDone, StatusError, StatusPaused:
		return true
	default:
		return false
	}
}
