package wsrpc

import (
	"encoding/json"
	"fmt"

	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// RPC method names understood by the robot endpoint.
const (
	MethodAuthenticate  = "auth.authenticate"
	MethodGetVersion    = "robot.get_version"
	MethodResourceNames = "robot.resource_names"
	MethodSetPower      = "motor.set_power"
	MethodStop          = "motor.stop"
	MethodGetReadings   = "sensor.get_readings"
)

// Error codes returned by the robot endpoint.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeNotFound        = "not_found"
	CodeInvalidArgument = "invalid_argument"
)

// credentialTypeAPIKey is the only credential type the bridge uses.
const credentialTypeAPIKey = "api-key"

// Request is a single RPC call frame.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a remote failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// err maps a remote failure onto the robot sentinel errors.
func (e *Error) err(method string) error {
	if e.Code == CodeUnauthenticated {
		return fmt.Errorf("%w: %s", robot.ErrAuthRejected, e.Message)
	}
	return fmt.Errorf("%w: %s: %s (%s)", robot.ErrRemote, method, e.Message, e.Code)
}

// AuthParams is the payload of MethodAuthenticate.
type AuthParams struct {
	Entity      string          `json:"entity"`
	Credentials AuthCredentials `json:"credentials"`
}

// AuthCredentials carries the API key.
type AuthCredentials struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// AuthResult is returned by MethodAuthenticate.
type AuthResult struct {
	AccessToken string `json:"access_token"`
}

// VersionResult is returned by MethodGetVersion.
type VersionResult struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// ResourceNamesResult is returned by MethodResourceNames.
type ResourceNamesResult struct {
	Resources []robot.Resource `json:"resources"`
}

// SetPowerParams is the payload of MethodSetPower.
type SetPowerParams struct {
	Name           string  `json:"name"`
	Power          float64 `json:"power"`
	DurationHintMS int64   `json:"duration_hint_ms,omitempty"`
}

// NameParams addresses a single component.
type NameParams struct {
	Name string `json:"name"`
}

// ReadingsResult is returned by MethodGetReadings.
type ReadingsResult struct {
	Readings robot.Readings `json:"readings"`
}
