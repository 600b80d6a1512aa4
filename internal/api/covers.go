package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/biotinker/viam-homeassistant/internal/cover"
	"github.com/biotinker/viam-homeassistant/internal/entity"
	"github.com/biotinker/viam-homeassistant/internal/executor"
	"github.com/biotinker/viam-homeassistant/internal/history"
)

// coverResponse pairs the host entity with the raw snapshot.
type coverResponse struct {
	Entity   entity.CoverEntity `json:"entity"`
	Snapshot cover.Snapshot     `json:"snapshot"`
}

// commandResponse is returned by the command endpoints.
type commandResponse struct {
	Motor     string       `json:"motor"`
	CommandID string       `json:"command_id"`
	Intent    cover.Intent `json:"intent"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
}

func (s *Server) coverResponse(snap cover.Snapshot) coverResponse {
	return coverResponse{Entity: entity.Cover(s.device, snap), Snapshot: snap}
}

func (s *Server) findCover(name string) (cover.Snapshot, bool) {
	for _, snap := range s.covers.Snapshots() {
		if snap.Motor == name {
			return snap, true
		}
	}
	return cover.Snapshot{}, false
}

func (s *Server) handleListCovers(w http.ResponseWriter, _ *http.Request) {
	snaps := s.covers.Snapshots()
	out := make([]coverResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, s.coverResponse(snap))
	}
	writeJSON(w, http.StatusOK, map[string]any{"covers": out, "count": len(out)})
}

func (s *Server) handleGetCover(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.findCover(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w, "cover not found")
		return
	}
	writeJSON(w, http.StatusOK, s.coverResponse(snap))
}

// handleCoverCommand dispatches open, close or stop.
//
// The response is 202 Accepted with the command id as soon as the command
// is in flight. With ?wait=true the handler waits for the outcome and
// answers 200 on success or maps the command error to a status.
func (s *Server) handleCoverCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	intent, err := cover.ParseIntent(chi.URLParam(r, "action"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	cmd, err := s.covers.Dispatch(r.Context(), name, intent)
	if err != nil {
		switch {
		case errors.Is(err, cover.ErrUnknownMotor):
			writeNotFound(w, "cover not found")
		case cover.IsRejected(err):
			writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		default:
			s.logger.Error("cover command dispatch failed", "motor", name, "intent", intent, "error", err)
			writeInternalError(w, "dispatch failed")
		}
		return
	}

	resp := commandResponse{Motor: name, CommandID: cmd.ID, Intent: intent, Status: "accepted"}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")) //nolint:errcheck // Invalid values mean no wait
	if !wait || cmd.Done == nil {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	select {
	case err := <-cmd.Done:
		if err == nil {
			resp.Status = "completed"
			writeJSON(w, http.StatusOK, resp)
			return
		}
		resp.Status = "failed"
		resp.Error = err.Error()
		writeJSON(w, commandErrorStatus(err), resp)
	case <-r.Context().Done():
		// Client went away; the command keeps running.
	}
}

// commandErrorStatus maps a command outcome to an HTTP status.
func commandErrorStatus(err error) int {
	switch executor.KindOf(err) {
	case executor.KindTimeout:
		return http.StatusGatewayTimeout
	case executor.KindRejected:
		return http.StatusConflict
	case executor.KindUnavailable:
		return http.StatusServiceUnavailable
	case executor.KindExhausted, executor.KindFailed:
		return http.StatusBadGateway
	}
	if errors.Is(err, cover.ErrSuperseded) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) handleCoverHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.findCover(name); !ok {
		writeNotFound(w, "cover not found")
		return
	}
	if s.history == nil {
		writeUnavailable(w, "history is disabled")
		return
	}

	limit, ok := queryInt(w, r, "limit", history.DefaultLimit)
	if !ok {
		return
	}
	entries, err := s.history.CoverHistory(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("cover history query failed", "motor", name, "error", err)
		writeInternalError(w, "history query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"motor": name, "transitions": entries, "count": len(entries)})
}

// queryInt parses a positive integer query parameter, writing a 400 and
// returning false when it is malformed.
func queryInt(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeBadRequest(w, key+" must be a positive integer")
		return 0, false
	}
	return n, true
}
