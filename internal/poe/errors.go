package poe

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by port lookups and control actions.
var (
	ErrUnknownSet     = errors.New("unknown PoE set")
	ErrUnknownPort    = errors.New("unknown PoE port")
	ErrUnknownAction  = errors.New("unknown port action")
	ErrRateLimited    = errors.New("port action rate limited")
	ErrNotInitialized = errors.New("coordinator not set up")
)

// UpdateFailedError reports that a whole poll cycle could not complete.
// Individual port failures never produce it.
type UpdateFailedError struct {
	Cause error
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("error fetching PoE data: %v", e.Cause)
}

func (e *UpdateFailedError) Unwrap() error { return e.Cause }

// CommandError reports an external utility that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, e.Stderr)
}
