package cover

import "errors"

// Domain errors for cover operations.
var (
	ErrUnknownMotor  = errors.New("cover: unknown motor")
	ErrInvalidIntent = errors.New("cover: invalid intent")
	// ErrSuperseded is delivered to the caller of a command that a later stop
	// preempted. The preempted command's outcome is discarded.
	ErrSuperseded = errors.New("cover: superseded by a later command")
)
