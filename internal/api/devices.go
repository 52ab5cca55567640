package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/conductor"
	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/reports"
)

// handleListDevices returns the status of every running device.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.conductor.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns one device's status including queued states and
// pending commands.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.conductor.DeviceStatus(id)
	if err != nil {
		if errors.Is(err, conductor.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device status")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListReports returns stored state change reports for a device,
// most recent first.
//
// Query parameters: since, until (epoch ms or RFC 3339), limit, offset.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeUnavailable(w, "report store not configured")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	list, err := s.reports.ListByDevice(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list reports", "device_id", filter.DeviceID, "error", err)
		writeInternalError(w, "failed to list reports")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reports": list,
		"count":   len(list),
	})
}

// handleListErrors returns stored error events for a device.
func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeUnavailable(w, "report store not configured")
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	list, err := s.reports.ListErrors(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list device errors", "device_id", filter.DeviceID, "error", err)
		writeInternalError(w, "failed to list errors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"errors": list,
		"count":  len(list),
	})
}

// parseFilter reads the device id and paging parameters of a list request.
// Reports of devices no longer configured stay readable.
func parseFilter(r *http.Request) (reports.Filter, error) {
	q := r.URL.Query()
	f := reports.Filter{DeviceID: chi.URLParam(r, "id")}

	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		return f, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		return f, fmt.Errorf("invalid until: %w", err)
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
	}
	return f, nil
}

// parseTimeParam accepts epoch milliseconds or RFC 3339. Empty is the zero time.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}
