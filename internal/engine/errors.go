package engine

import (
	"errors"
	"fmt"
)

// ErrStalled is returned when no phase has eligible work, nothing is in
// flight, housekeeping cannot free anything up, and pending tasks remain.
// Returning beats spinning forever on an unreachable state.
var ErrStalled = errors.New("engine stalled: pending tasks but no phase can act")

// FatalConfigError aborts the run loop before it starts. It is never
// retried: a misconfigured engine cannot make progress.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal configuration error: %s", e.Reason)
}

// IsFatalConfig reports whether err is a fatal configuration error.
func IsFatalConfig(err error) bool {
	var fce *FatalConfigError
	return errors.As(err, &fce)
}
