package sensor

import (
	"time"

	"github.com/biotinker/viam-homeassistant/internal/robot"
)

// Source identifies where a reading came from.
type Source string

// Reading sources.
const (
	SourceDirect Source = "direct"
	SourceCloud  Source = "cloud"
)

// Reading is one successful read of a sensor from one source.
type Reading struct {
	SensorName string         `json:"sensor_name"`
	Source     Source         `json:"source"`
	Values     robot.Readings `json:"values"`
	// ObservedAt is when the bridge obtained the values.
	ObservedAt time.Time `json:"observed_at"`
	// RecordedAt is the stored record time of a cloud reading.
	RecordedAt time.Time `json:"recorded_at,omitzero"`
}

// Fresh reports whether r is no older than staleAfter at now.
func (r *Reading) Fresh(now time.Time, staleAfter time.Duration) bool {
	return r != nil && now.Sub(r.ObservedAt) <= staleAfter
}

// Presented is the merged view of one logical sensor.
type Presented struct {
	SensorName string         `json:"sensor_name"`
	Source     Source         `json:"source"`
	Values     robot.Readings `json:"values"`
	ObservedAt time.Time      `json:"observed_at"`
	Stale      bool           `json:"stale"`

	// Direct and Cloud are the raw per-source readings.
	Direct *Reading `json:"direct,omitempty"`
	Cloud  *Reading `json:"cloud,omitempty"`
}

// Present merges the per-source readings of one sensor.
//
// A fresh direct reading wins, then a fresh cloud reading. Otherwise the
// newest known reading is presented and marked stale. ok is false when
// neither source has ever produced a reading.
func Present(direct, cloud *Reading, now time.Time, staleAfter time.Duration) (p Presented, ok bool) {
	var chosen *Reading
	stale := false
	switch {
	case direct.Fresh(now, staleAfter):
		chosen = direct
	case cloud.Fresh(now, staleAfter):
		chosen = cloud
	case direct != nil && (cloud == nil || !cloud.ObservedAt.After(direct.ObservedAt)):
		chosen, stale = direct, true
	case cloud != nil:
		chosen, stale = cloud, true
	default:
		return Presented{}, false
	}

	return Presented{
		SensorName: chosen.SensorName,
		Source:     chosen.Source,
		Values:     chosen.Values,
		ObservedAt: chosen.ObservedAt,
		Stale:      stale,
		Direct:     direct,
		Cloud:      cloud,
	}, true
}
