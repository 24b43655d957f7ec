package supervisor

import (
	"errors"
	"fmt"

	"github.com/danpilch/peakprof/pkg/session"
)

// ErrSubprocessFailure is matched by every *SubprocessError.
var ErrSubprocessFailure = errors.New("profiled program failed")

// SubprocessError carries the exit status of a failed target.
type SubprocessError struct {
	ExitCode int
}

func (e *SubprocessError) Error() string {
	if e.ExitCode == session.OutOfMemoryExitCode {
		return fmt.Sprintf("profiled program ran out of memory (exit code %d)", e.ExitCode)
	}
	return fmt.Sprintf("profiled program exited with code %d", e.ExitCode)
}

func (e *SubprocessError) Is(target error) bool {
	return target == ErrSubprocessFailure
}
