package connection

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies why a session could not be provided.
type ErrorKind string

// Connection error kinds.
const (
	// KindAuthFailed means the robot rejected the credentials. It is treated
	// as persistent and retried only after the auth failure delay.
	KindAuthFailed ErrorKind = "auth_failed"
	// KindUnreachable means the robot could not be reached.
	KindUnreachable ErrorKind = "unreachable"
	// KindTimeout means the connect attempt exceeded its deadline.
	KindTimeout ErrorKind = "timeout"
	// KindBackoff means no attempt was made because the manager is waiting
	// out a backoff delay.
	KindBackoff ErrorKind = "backoff"
)

// ErrClosed is returned after the manager has been closed.
var ErrClosed = errors.New("connection: manager closed")

// ConnectionError is returned by Manager.EnsureConnected.
type ConnectionError struct {
	Kind ErrorKind
	// RetryAt is when the next attempt will be made.
	RetryAt time.Time
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Kind == KindBackoff {
		return fmt.Sprintf("connection %s until %s", e.Kind, e.RetryAt.Format(time.RFC3339))
	}
	if e.Err == nil {
		return fmt.Sprintf("connection %s", e.Kind)
	}
	return fmt.Sprintf("connection %s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a ConnectionError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsKind reports whether err carries a ConnectionError of kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
