package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/biotinker/viam-homeassistant/internal/dataapi"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/sensor"
)

// Sensor history window bounds, in hours.
const (
	defaultHistoryHours = 24
	maxHistoryHours     = 24 * 7
)

// sensorResponse pairs the host entity with the raw per-source readings.
type sensorResponse struct {
	Entity entity.SensorEntity `json:"entity"`
	Source sensor.Source       `json:"source"`
	Stale  bool                `json:"stale"`
	Direct *sensor.Reading     `json:"direct,omitempty"`
	Cloud  *sensor.Reading     `json:"cloud,omitempty"`
}

func (s *Server) sensorResponse(p sensor.Presented) sensorResponse {
	return sensorResponse{
		Entity: entity.Sensor(s.device, p),
		Source: p.Source,
		Stale:  p.Stale,
		Direct: p.Direct,
		Cloud:  p.Cloud,
	}
}

func (s *Server) handleListSensors(w http.ResponseWriter, _ *http.Request) {
	all := s.sensors.All()
	out := make([]sensorResponse, 0, len(all))
	for _, p := range all {
		out = append(out, s.sensorResponse(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sensors": out, "count": len(out)})
}

func (s *Server) handleGetSensor(w http.ResponseWriter, r *http.Request) {
	p, ok := s.sensors.Get(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "sensor not found")
		return
	}
	writeJSON(w, http.StatusOK, s.sensorResponse(p))
}

// handleSensorHistory returns recorded samples from the cloud store for the
// last ?hours= hours, newest first.
func (s *Server) handleSensorHistory(w http.ResponseWriter, r *http.Request) {
	if s.samples == nil {
		writeUnavailable(w, "data api is disabled")
		return
	}
	name := chi.URLParam(r, "name")

	hours, ok := queryInt(w, r, "hours", defaultHistoryHours)
	if !ok {
		return
	}
	hours = min(hours, maxHistoryHours)

	end := time.Now().UTC()
	start := end.Add(-time.Duration(hours) * time.Hour)
	samples, err := s.samples.QueryRange(r.Context(), name, start, end)
	switch {
	case errors.Is(err, dataapi.ErrNoData):
		samples = []dataapi.Sample{}
	case err != nil:
		s.logger.Warn("sensor history query failed", "sensor", name, "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, "data api query failed")
		return
	}
	if samples == nil {
		samples = []dataapi.Sample{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sensor":  name,
		"start":   start,
		"end":     end,
		"samples": samples,
		"count":   len(samples),
	})
}
