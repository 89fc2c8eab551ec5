package worker

import (
	"errors"
	"fmt"
)

// ErrTooManyFailures is returned by Supervisor.Run when the runner had to be
// rebuilt more often than the configured ceiling allows.
var ErrTooManyFailures = errors.New("runner failed too many times")

// ErrUnknownJobType marks a claimed row whose job_type has no registered definition.
var ErrUnknownJobType = errors.New("unregistered job type")

// DecodeError means a payload does not match its registered type. The job
// is failed permanently; retrying cannot fix it.
type DecodeError struct {
	JobType string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.JobType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExecutionError wraps a failure returned by a job body, or a recovered
// panic (Panic and Stack are set). It is retried up to the type's maximum.
type ExecutionError struct {
	JobType string
	JobID   int64
	Err     error
	Panic   any
	Stack   []byte
}

func (e *ExecutionError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s (%d) panicked: %v", e.JobType, e.JobID, e.Panic)
	}
	return fmt.Sprintf("job %s (%d): %v", e.JobType, e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError means the job store could not be reached or refused an
// operation. Op names the store call ("claim", "complete", "fail", "enqueue").
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("job store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ConfigurationError reports a registry or queue setup that cannot run,
// such as a duplicate job name or a job routed to a queue with no workers.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "worker configuration: " + e.Reason
}

func configErrorf(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
