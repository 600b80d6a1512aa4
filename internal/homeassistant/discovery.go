package homeassistant

import (
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/infrastructure/mqtt"
)

// Command payloads Home Assistant sends on cover command topics.
const (
	PayloadOpen  = "OPEN"
	PayloadClose = "CLOSE"
	PayloadStop  = "STOP"

	// PayloadUnknownState resets a cover to the unknown state.
	PayloadUnknownState = "None"

	manufacturer = "Viam"
	originName   = "viambridge"
)

// Availability is one entry of a discovery availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// DeviceConfig is the discovery device block shared by all entities.
type DeviceConfig struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// Origin names the software publishing the discovery config.
type Origin struct {
	Name      string `json:"name"`
	SWVersion string `json:"sw_version,omitempty"`
}

// CoverConfig is the discovery payload for an MQTT cover.
type CoverConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	DeviceClass         string         `json:"device_class"`
	CommandTopic        string         `json:"command_topic"`
	StateTopic          string         `json:"state_topic"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	PayloadOpen         string         `json:"payload_open"`
	PayloadClose        string         `json:"payload_close"`
	PayloadStop         string         `json:"payload_stop"`
	StateOpen           string         `json:"state_open"`
	StateOpening        string         `json:"state_opening"`
	StateClosed         string         `json:"state_closed"`
	StateClosing        string         `json:"state_closing"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	Device              DeviceConfig   `json:"device"`
	Origin              Origin         `json:"origin"`
}

// SensorConfig is the discovery payload for an MQTT sensor.
type SensorConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	StateTopic          string         `json:"state_topic"`
	ValueTemplate       string         `json:"value_template"`
	JSONAttributesTopic string         `json:"json_attributes_topic"`
	StateClass          string         `json:"state_class,omitempty"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode"`
	Device              DeviceConfig   `json:"device"`
	Origin              Origin         `json:"origin"`
}

// sensorValueTemplate extracts the value from the sensor state JSON.
const sensorValueTemplate = "{{ value_json.value }}"

func deviceConfig(dev entity.Device, version string) DeviceConfig {
	name := dev.Name
	if name == "" {
		name = dev.EntryID
	}
	return DeviceConfig{
		Identifiers:  []string{dev.EntryID},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        dev.Model,
		SWVersion:    version,
	}
}

func availability(topics mqtt.Topics, statusTopic string, extra ...string) []Availability {
	var out []Availability
	if statusTopic != "" {
		out = append(out, Availability{Topic: statusTopic})
	}
	out = append(out, Availability{Topic: topics.Availability()})
	for _, t := range extra {
		out = append(out, Availability{Topic: t})
	}
	return out
}

// coverConfig builds the discovery config for a cover entity.
func coverConfig(topics mqtt.Topics, statusTopic string, dev entity.Device, version, motor string, e entity.CoverEntity) CoverConfig {
	return CoverConfig{
		Name:                e.Name,
		UniqueID:            e.UniqueID,
		DeviceClass:         e.DeviceClass,
		CommandTopic:        topics.CoverCommand(motor),
		StateTopic:          topics.CoverState(motor),
		JSONAttributesTopic: topics.CoverAttributes(motor),
		PayloadOpen:         PayloadOpen,
		PayloadClose:        PayloadClose,
		PayloadStop:         PayloadStop,
		StateOpen:           entity.CoverOpen,
		StateOpening:        entity.CoverOpening,
		StateClosed:         entity.CoverClosed,
		StateClosing:        entity.CoverClosing,
		Availability:        availability(topics, statusTopic, topics.CoverAvailability(motor)),
		AvailabilityMode:    "all",
		Device:              deviceConfig(dev, version),
		Origin:              Origin{Name: originName, SWVersion: version},
	}
}

// sensorConfig builds the discovery config for a sensor entity.
func sensorConfig(topics mqtt.Topics, statusTopic string, dev entity.Device, version, name string, e entity.SensorEntity) SensorConfig {
	return SensorConfig{
		Name:                e.Name,
		UniqueID:            e.UniqueID,
		StateTopic:          topics.SensorState(name),
		ValueTemplate:       sensorValueTemplate,
		JSONAttributesTopic: topics.SensorAttributes(name),
		StateClass:          e.StateClass,
		Availability:        availability(topics, statusTopic),
		AvailabilityMode:    "all",
		Device:              deviceConfig(dev, version),
		Origin:              Origin{Name: originName, SWVersion: version},
	}
}
