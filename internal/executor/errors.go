package executor

import (
	"errors"
	"fmt"
)

// Kind classifies a command outcome.
type Kind string

// Command error kinds.
const (
	// KindTimeout means a single attempt exceeded its deadline.
	KindTimeout Kind = "timeout"
	// KindExhausted means every allowed attempt failed with a retryable error.
	KindExhausted Kind = "exhausted"
	// KindRejected means a conflicting command for the same resource is in
	// flight.
	KindRejected Kind = "rejected"
	// KindUnavailable means no session can be had without operator action,
	// for example after the robot rejected the credentials.
	KindUnavailable Kind = "unavailable"
	// KindFailed means the remote side refused the operation.
	KindFailed Kind = "failed"
)

// errAttemptTimeout marks an attempt abandoned at its deadline.
var errAttemptTimeout = errors.New("attempt timed out")

// CommandError is returned by Execute, Call and Run.
type CommandError struct {
	Kind     Kind
	Class    string
	Attempts int
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s %s", e.Class, e.Kind)
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Rejected builds the error for an intent refused because another command
// holds the resource.
func Rejected(class string, err error) *CommandError {
	return &CommandError{Kind: KindRejected, Class: class, Err: err}
}

// KindOf returns the kind of the outermost CommandError in err's chain, or "".
func KindOf(err error) Kind {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether any CommandError in err's chain has kind.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		var ce *CommandError
		if !errors.As(err, &ce) {
			return false
		}
		if ce.Kind == kind {
			return true
		}
		err = ce.Err
	}
	return false
}
