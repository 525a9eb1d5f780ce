package domain

import "fmt"

// JobNotFoundError is returned when a job ID does not exist.
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// InvalidTransitionError is returned when a mutation would violate the job
// state machine, e.g. completing a job that is not running, or deleting a
// job that is not terminal. Callers should treat it as a programming error
// and never retry.
type InvalidTransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *InvalidTransitionError) Error() string {
	if e.To == "" {
		return fmt.Sprintf("job %s: operation not permitted in state %s", e.JobID, e.From)
	}
	return fmt.Sprintf("job %s: illegal transition %s -> %s", e.JobID, e.From, e.To)
}

// StoreBusyError is returned when the store's bounded lock wait expired.
// Transient: callers may retry with their own backoff.
type StoreBusyError struct {
	Op  string
	Err error
}

func (e *StoreBusyError) Error() string {
	return fmt.Sprintf("store busy during %s: %v", e.Op, e.Err)
}

func (e *StoreBusyError) Unwrap() error { return e.Err }

// DuplicateJobError is returned on an insert with an ID that already exists.
// Should not occur given UUID generation; surfaced rather than swallowed.
type DuplicateJobError struct {
	JobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("job already exists: %s", e.JobID)
}
