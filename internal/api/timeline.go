package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/conductor"
)

// handleSubmitState accepts a resolved timeline state. The body is the same
// StateMessage accepted on tsr/timeline/state.
func (s *Server) handleSubmitState(w http.ResponseWriter, r *http.Request) {
	var msg conductor.StateMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if msg.State.Time.IsZero() || msg.State.Time.UnixMilli() <= 0 {
		writeBadRequest(w, "state time is required")
		return
	}

	if err := s.conductor.HandleState(msg.State, msg.Mappings); err != nil {
		if errors.Is(err, conductor.ErrClosed) {
			writeUnavailable(w, "conductor is shutting down")
			return
		}
		s.logger.Warn("timeline state rejected", "time", msg.State.Time, "error", err)
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"time":   msg.State.Time.UnixMilli(),
		"layers": len(msg.State.Layers),
	})
}

// handleClearTimeline drops future states. An empty body or a body without
// "after" clears everything.
func (s *Server) handleClearTimeline(w http.ResponseWriter, r *http.Request) {
	var msg conductor.ClearMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	s.conductor.ApplyClear(msg)

	resp := map[string]any{"cleared": "all"}
	if msg.After != nil {
		resp["cleared"] = "after"
		resp["after"] = *msg.After
	}
	writeJSON(w, http.StatusAccepted, resp)
}
