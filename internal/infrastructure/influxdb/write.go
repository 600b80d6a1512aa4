package influxdb

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/biotinker/viam-homeassistant/internal/dataapi"
	"github.com/biotinker/viam-homeassistant/internal/robot"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// nestedSeparator joins keys of nested reading maps into one field name.
const nestedSeparator = "."

// RecordReading queues r as one point. Readings with no storable fields
// are dropped. Non-blocking.
func (c *Client) RecordReading(r sensor.Reading) {
	if !c.IsConnected() {
		return
	}
	point := readingPoint(c.robotID, r)
	if point == nil {
		return
	}
	c.writer.WritePoint(point)
}

// readingPoint converts a reading into a point in the readings measurement.
func readingPoint(robotID string, r sensor.Reading) *write.Point {
	fields := make(map[string]any, len(r.Values))
	flatten("", r.Values, fields)
	if len(fields) == 0 {
		return nil
	}

	at := r.ObservedAt
	if !r.RecordedAt.IsZero() {
		at = r.RecordedAt
	}
	if at.IsZero() {
		at = time.Now()
	}

	tags := map[string]string{
		dataapi.TagComponent: r.SensorName,
		dataapi.TagSource:    string(r.Source),
	}
	if robotID != "" {
		tags[dataapi.TagRobot] = robotID
	}

	return write.NewPoint(dataapi.Measurement, tags, fields, at)
}

// flatten copies scalar values into fields. Nested maps become dotted
// names; lists are stored as their JSON text; nulls are skipped.
func flatten(prefix string, values map[string]any, fields map[string]any) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := k
		if prefix != "" {
			name = prefix + nestedSeparator + k
		}
		switch v := values[k].(type) {
		case nil:
		case map[string]any:
			flatten(name, v, fields)
		case robot.Readings:
			flatten(name, v, fields)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				fields[name] = f
			} else {
				fields[name] = v.String()
			}
		case bool, string, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			fields[name] = v
		default:
			if data, err := json.Marshal(v); err == nil {
				fields[name] = string(data)
			}
		}
	}
}
