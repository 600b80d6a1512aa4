// Package robot defines the capability set the bridge consumes from a remote
// Viam robot: authenticating, driving motors, reading sensors and listing
// resources.
//
// Concrete transports live in subpackages (wsrpc). Everything above this
// package depends only on the Dialer and Conn interfaces.
package robot

import (
	"context"
	"time"
)

// Credentials authenticate against the robot with an API key.
type Credentials struct {
	APIKeyID string
	APIKey   string
}

// Direction is the travel direction of a motor.
type Direction int

const (
	// Forward drives a motor with positive power.
	Forward Direction = 1
	// Reverse drives a motor with negative power.
	Reverse Direction = -1
)

// Flip returns the opposite direction when flip is set.
func (d Direction) Flip(flip bool) Direction {
	if flip {
		return -d
	}
	return d
}

// Power returns the motor power that drives in this direction.
func (d Direction) Power() float64 {
	return float64(d)
}

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// Readings maps a sensor field name to its value. Field sets vary per sensor
// and are only validated when projected into entities.
type Readings map[string]any

// Clone returns a shallow copy.
func (r Readings) Clone() Readings {
	if r == nil {
		return nil
	}
	out := make(Readings, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Resource kinds reported by ListResources.
const (
	KindMotor  = "motor"
	KindSensor = "sensor"
)

// Resource is a named component on the robot.
type Resource struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// Dialer opens authenticated connections to a robot.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Conn, error)
}

// Conn is an authenticated connection to a robot.
//
// All methods are bounded by ctx. Implementations must be safe for concurrent
// use.
type Conn interface {
	// InvokeActuator drives a motor in dir. durationHint bounds the run on
	// the robot side so a lost stop cannot leave the motor running.
	InvokeActuator(ctx context.Context, name string, dir Direction, durationHint time.Duration) error
	StopActuator(ctx context.Context, name string) error
	ReadSensor(ctx context.Context, name string) (Readings, error)
	ListSensors(ctx context.Context) ([]string, error)
	ListResources(ctx context.Context) ([]Resource, error)
	Ping(ctx context.Context) error

	// ExpiresAt reports when the session token expires. The zero time means
	// the session does not expire.
	ExpiresAt() time.Time
	// Done is closed once the connection can no longer carry calls,
	// whether it was closed locally or lost.
	Done() <-chan struct{}
	Close() error
}

// SensorNames filters resources down to sensor names.
func SensorNames(resources []Resource) []string {
	var names []string
	for _, r := range resources {
		if r.Kind == KindSensor {
			names = append(names, r.Name)
		}
	}
	return names
}
