// Package entity projects covers and sensors into host entity shapes.
//
// Projections are pure: they read a snapshot and return a value. They never
// call the robot, retry, or keep state.
package entity

import (
	"sort"
	"time"

	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// Device identifies the robot all entities belong to.
type Device struct {
	EntryID string
	// Name is the robot display name.
	Name  string
	Model string
}

// Host cover states. Unknown has no host state.
const (
	CoverOpen    = "open"
	CoverOpening = "opening"
	CoverClosed  = "closed"
	CoverClosing = "closing"
)

// StateClassMeasurement marks numeric sensor values.
const StateClassMeasurement = "measurement"

// CoverEntity is the host view of a cover.
type CoverEntity struct {
	UniqueID    string         `json:"unique_id"`
	Name        string         `json:"name"`
	DeviceClass string         `json:"device_class"`
	State       string         `json:"state"`
	IsOpening   bool           `json:"is_opening"`
	IsClosing   bool           `json:"is_closing"`
	IsClosed    *bool          `json:"is_closed"`
	Available   bool           `json:"available"`
	Attributes  map[string]any `json:"attributes"`
}

// Cover projects a cover snapshot.
func Cover(dev Device, s cover.Snapshot) CoverEntity {
	e := CoverEntity{
		UniqueID:    dev.EntryID + "_" + s.Motor,
		Name:        displayName(dev, s.Motor),
		DeviceClass: "garage",
		IsOpening:   s.State == cover.StateOpening,
		IsClosing:   s.State == cover.StateClosing,
		Available:   s.Available,
		Attributes: map[string]any{
			"motor":           s.Motor,
			"state":           string(s.State),
			"last_transition": s.LastTransition.UTC().Format(time.RFC3339),
			"open_time":       s.OpenTime.Seconds(),
			"close_time":      s.CloseTime.Seconds(),
			"flip_direction":  s.FlipDirection,
		},
	}

	switch s.State {
	case cover.StateOpen:
		e.State = CoverOpen
		e.IsClosed = boolPtr(false)
	case cover.StateClosed:
		e.State = CoverClosed
		e.IsClosed = boolPtr(true)
	case cover.StateOpening:
		e.State = CoverOpening
		e.IsClosed = boolPtr(false)
	case cover.StateClosing:
		e.State = CoverClosing
		e.IsClosed = boolPtr(false)
	}

	if s.LastError != "" {
		e.Attributes["last_error"] = s.LastError
	}
	if s.InFlight != "" {
		e.Attributes["in_flight"] = string(s.InFlight)
		e.Attributes["command_id"] = s.CommandID
	}
	return e
}

// SensorEntity is the host view of a sensor.
type SensorEntity struct {
	UniqueID   string         `json:"unique_id"`
	Name       string         `json:"name"`
	Field      string         `json:"field,omitempty"`
	Value      any            `json:"value"`
	StateClass string         `json:"state_class,omitempty"`
	Available  bool           `json:"available"`
	Attributes map[string]any `json:"attributes"`
}

// Sensor projects a presented sensor view.
//
// The primary value is chosen by PrimaryField. Every other scalar or
// composite field becomes an attribute, alongside the source, the
// observation time, and the stale flag.
func Sensor(dev Device, p sensor.Presented) SensorEntity {
	field, value, ok := PrimaryField(p.Values)

	e := SensorEntity{
		UniqueID:  dev.EntryID + "_" + p.SensorName,
		Name:      displayName(dev, p.SensorName),
		Available: ok,
		Attributes: map[string]any{
			"source":      string(p.Source),
			"observed_at": p.ObservedAt.UTC().Format(time.RFC3339),
			"stale":       p.Stale,
		},
	}
	if ok {
		e.Field = field
		e.Value = value
		if isNumeric(value) {
			e.StateClass = StateClassMeasurement
		}
	}
	if p.Cloud != nil && !p.Cloud.RecordedAt.IsZero() {
		e.Attributes["recorded_at"] = p.Cloud.RecordedAt.UTC().Format(time.RFC3339)
	}

	for k, v := range p.Values {
		if ok && k == field {
			continue
		}
		if _, reserved := e.Attributes[k]; reserved {
			k = "reading_" + k
		}
		e.Attributes[k] = v
	}
	return e
}

// PrimaryField picks the field presented as a sensor's value.
//
// The order is: a scalar "value" field, the only field when it is scalar,
// the first numeric field by name, then the first string field by name.
// Bools count as scalars but are only picked through the first two rules.
func PrimaryField(values robot.Readings) (field string, value any, ok bool) {
	if v, found := values["value"]; found && isScalar(v) {
		return "value", v, true
	}
	if len(values) == 1 {
		for k, v := range values {
			if isScalar(v) {
				return k, v, true
			}
		}
		return "", nil, false
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if isNumeric(values[k]) {
			return k, values[k], true
		}
	}
	for _, k := range keys {
		if _, isStr := values[k].(string); isStr {
			return k, values[k], true
		}
	}
	return "", nil, false
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	}
	return false
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool:
		return true
	}
	return isNumeric(v)
}

func displayName(dev Device, name string) string {
	if dev.Name == "" {
		return name
	}
	return dev.Name + " " + name
}

// NewDevice builds the Device for a robot hostname.
func NewDevice(entryID, hostname string) Device {
	return Device{EntryID: entryID, Name: robot.DisplayName(hostname), Model: "Viam Robot"}
}

func boolPtr(b bool) *bool {
	return &b
}
