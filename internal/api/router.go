package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/biotinker/viam-homeassistant/internal/connection"
	"github.com/biotinker/viam-homeassistant/internal/history"
)

// healthCheckTimeout bounds each dependency check in GET /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Health and the WebSocket upgrade do their own auth.
		r.Get("/health", s.handleHealth)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/covers", func(r chi.Router) {
				r.Get("/", s.handleListCovers)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetCover)
					r.Get("/history", s.handleCoverHistory)
					r.Post("/{action:open|close|stop}", s.handleCoverCommand)
				})
			})

			r.Route("/sensors", func(r chi.Router) {
				r.Get("/", s.handleListSensors)
				r.Route("/{name}", func(r chi.Router) {
					r.Get("/", s.handleGetSensor)
					r.Get("/history", s.handleSensorHistory)
				})
			})

			r.Get("/connection", s.handleConnection)
			r.Get("/connection/events", s.handleConnectionEvents)
		})
	})

	return r
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Robot    connection.Health `json:"robot"`
	LastPoll time.Time         `json:"last_poll,omitzero"`
	Checks   map[string]string `json:"checks,omitempty"`
}

// handleHealth reports the robot session and every dependency check. The
// status is "degraded" while the robot is disconnected or a check fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  s.version,
		Robot:    s.conn.HealthStatus(),
		LastPoll: s.sensors.LastPoll(),
	}
	if !resp.Robot.Connected {
		resp.Status = "degraded"
	}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]string, len(s.checks))
		for name, c := range s.checks {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := c.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleConnection returns the robot session health.
func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.conn.HealthStatus())
}

func (s *Server) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "history is disabled")
		return
	}
	limit, ok := queryInt(w, r, "limit", history.DefaultLimit)
	if !ok {
		return
	}
	events, err := s.history.ConnectionEvents(r.Context(), limit)
	if err != nil {
		s.logger.Error("connection events query failed", "error", err)
		writeInternalError(w, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
