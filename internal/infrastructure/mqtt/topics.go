package mqtt

import (
	"fmt"
	"strings"
)

// Topic defaults.
const (
	// DefaultDiscoveryPrefix is Home Assistant's default discovery prefix.
	DefaultDiscoveryPrefix = "homeassistant"

	// DefaultBaseTopic is the root of the bridge's runtime topics.
	DefaultBaseTopic = "viam"

	// Payloads for the status and availability topics.
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the MQTT topics for one bridge instance.
//
// Runtime topics follow {base}/{entry}/{component}/{segment}/{leaf}.
// Discovery topics follow {prefix}/{component}/{entry}/{object_id}/config.
//
//	topics := mqtt.NewTopics("homeassistant", "viam", "garage")
//	topics.CoverCommand("door")
//	// Returns: "viam/garage/cover/door/set"
type Topics struct {
	prefix string
	base   string
	entry  string
}

// NewTopics creates a topic builder. Empty prefix or base fall back to the
// defaults; entryID is sanitised into a single topic level.
func NewTopics(discoveryPrefix, base, entryID string) Topics {
	if discoveryPrefix == "" {
		discoveryPrefix = DefaultDiscoveryPrefix
	}
	if base == "" {
		base = DefaultBaseTopic
	}
	return Topics{
		prefix: strings.TrimSuffix(discoveryPrefix, "/"),
		base:   strings.TrimSuffix(base, "/"),
		entry:  Segment(entryID),
	}
}

// Segment makes name safe to use as one topic level. Separators, wildcards
// and whitespace become underscores.
func Segment(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, name)
}

// Root returns {base}/{entry}.
func (t Topics) Root() string {
	return t.base + "/" + t.entry
}

// Status is the retained bridge process status, written by the Last Will.
//
// Example: viam/garage/status
func (t Topics) Status() string {
	return t.Root() + "/status"
}

// Availability is the retained robot session status.
//
// Example: viam/garage/availability
func (t Topics) Availability() string {
	return t.Root() + "/availability"
}

// Health carries the bridge health JSON.
//
// Example: viam/garage/health
func (t Topics) Health() string {
	return t.Root() + "/health"
}

// CoverCommand is where Home Assistant sends OPEN, CLOSE and STOP.
//
// Example: viam/garage/cover/door/set
func (t Topics) CoverCommand(motor string) string {
	return fmt.Sprintf("%s/cover/%s/set", t.Root(), Segment(motor))
}

// CoverCommands matches every cover command topic.
//
// Example: viam/garage/cover/+/set
func (t Topics) CoverCommands() string {
	return t.Root() + "/cover/+/set"
}

// CoverState carries the cover state string.
//
// Example: viam/garage/cover/door/state
func (t Topics) CoverState(motor string) string {
	return fmt.Sprintf("%s/cover/%s/state", t.Root(), Segment(motor))
}

// CoverAttributes carries the cover attribute JSON.
//
// Example: viam/garage/cover/door/attributes
func (t Topics) CoverAttributes(motor string) string {
	return fmt.Sprintf("%s/cover/%s/attributes", t.Root(), Segment(motor))
}

// CoverAvailability reports whether the motor is present on the robot.
//
// Example: viam/garage/cover/door/availability
func (t Topics) CoverAvailability(motor string) string {
	return fmt.Sprintf("%s/cover/%s/availability", t.Root(), Segment(motor))
}

// SensorState carries the sensor's primary value.
//
// Example: viam/garage/sensor/temp/state
func (t Topics) SensorState(name string) string {
	return fmt.Sprintf("%s/sensor/%s/state", t.Root(), Segment(name))
}

// SensorAttributes carries the sensor attribute JSON.
//
// Example: viam/garage/sensor/temp/attributes
func (t Topics) SensorAttributes(name string) string {
	return fmt.Sprintf("%s/sensor/%s/attributes", t.Root(), Segment(name))
}

// DiscoveryConfig is the retained Home Assistant discovery topic for an entity.
//
// Example: homeassistant/cover/garage/garage_door/config
func (t Topics) DiscoveryConfig(component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.prefix, component, t.entry, Segment(objectID))
}

// MotorFromCommand extracts the motor segment from a cover command topic.
func (t Topics) MotorFromCommand(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Root()+"/cover/")
	if !ok {
		return "", false
	}
	segment, ok := strings.CutSuffix(rest, "/set")
	if !ok || segment == "" || strings.Contains(segment, "/") {
		return "", false
	}
	return segment, true
}
