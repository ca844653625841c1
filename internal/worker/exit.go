package worker

import "fmt"

// Process exit codes understood by the supervisor.
const (
	ExitOK = 0
	// ExitFailure is used when the idle policy could not carry out a terminal action.
	ExitFailure = 1
	// ExitOutOfMemory asks the supervisor to restart the worker on a clean host.
	ExitOutOfMemory = 137
)

// ExitError is returned by Loop.Run when the process should terminate with Code.
type ExitError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exit %d (%s): %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("exit %d (%s)", e.Code, e.Reason)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}
