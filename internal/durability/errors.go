package durability

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when submitting to a handle whose loop has
	// stopped or is shutting down.
	ErrClosed = errors.New("durability loop closed")

	// ErrForcedShutdown reports that the loop stopped without draining,
	// abandoning queued and in-flight work.
	ErrForcedShutdown = errors.New("durability loop forced to shut down")
)

// JobPanicError stops the loop when a job panics. The scheduler state can
// no longer be trusted after that, so nothing else is run.
type JobPanicError struct {
	Namespace string
	Value     any
	Stack     []byte
}

func (e *JobPanicError) Error() string {
	return fmt.Sprintf("durability job for namespace %q panicked: %v", e.Namespace, e.Value)
}
