package robot

import "errors"

// Sentinel errors shared by every transport.
//
//	if errors.Is(err, robot.ErrAuthRejected) {
//	    // credentials are wrong; do not retry quickly
//	}
var (
	// ErrAuthRejected indicates the robot refused the API key.
	ErrAuthRejected = errors.New("robot: authentication rejected")

	// ErrUnreachable indicates the robot could not be reached at the transport level.
	ErrUnreachable = errors.New("robot: unreachable")

	// ErrClosed indicates the connection was closed while a call was pending.
	ErrClosed = errors.New("robot: connection closed")

	// ErrRemote indicates the robot processed the call and returned an error
	// (unknown component, invalid argument). Retrying will not help.
	ErrRemote = errors.New("robot: remote error")
)
