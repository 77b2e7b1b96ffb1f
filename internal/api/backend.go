package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nerrad567/homedash-core/internal/automation"
	"github.com/nerrad567/homedash-core/internal/homeassistant"
)

// alarmRequest is the request body for POST /backend/alarm. Code is
// forwarded to the backend and never logged.
type alarmRequest struct {
	EntityID string  `json:"entity_id"`
	Service  string  `json:"service"`
	Code     *string `json:"code,omitempty"`
}

// alarmResponse is the body of every /backend/alarm answer.
type alarmResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// handleAlarm sends one alarm panel command through the dispatcher.
func (s *Server) handleAlarm(w http.ResponseWriter, r *http.Request) {
	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "backend dispatch not configured")
		return
	}
	var req alarmRequest
	if !decodeBody(w, r, &req) {
		return
	}

	cmd := automation.AlarmCommand{
		EntityID: strings.TrimSpace(req.EntityID),
		Service:  strings.TrimSpace(req.Service),
		Code:     req.Code,
	}
	res := s.dispatcher.DispatchAlarm(r.Context(), cmd)
	if !res.Success {
		status := statusFor(res.Err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("alarm command failed",
				"entity_id", cmd.EntityID,
				"service", cmd.Service,
				"code", res.Err.Code,
				"error", res.Err,
			)
		}
		writeJSON(w, status, alarmResponse{Error: res.Err.Message, Code: res.Err.Code})
		return
	}

	s.logger.Info("alarm command sent", "entity_id", cmd.EntityID, "service", cmd.Service)
	writeJSON(w, http.StatusOK, alarmResponse{
		Success: true,
		Message: fmt.Sprintf("%s sent to %s", cmd.Service, cmd.EntityID),
		Data:    res.Data,
	})
}

// handleSearchEntities lists backend entities.
//
// Query parameters:
//   - query: substring of entity ID or friendly name
//   - domain, device_class, state: comma-separated or repeated values
//   - limit: max results (default 20, max 100)
func (s *Server) handleSearchEntities(w http.ResponseWriter, r *http.Request) {
	if s.entities == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "backend not configured")
		return
	}

	q := r.URL.Query()
	query := homeassistant.EntityQuery{
		Query:         q.Get("query"),
		Domains:       splitValues(q["domain"]),
		DeviceClasses: splitValues(q["device_class"]),
		States:        splitValues(q["state"]),
	}
	if len(query.Query) > maxQueryParamLen {
		writeBadRequest(w, ErrCodeInvalidQuery, "query exceeds maximum length")
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, ErrCodeInvalidQuery, "limit must be an integer")
			return
		}
		query.Limit = n
	}

	entities, err := s.entities.SearchEntities(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, r, automation.RemapBackendError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities, "count": len(entities)})
}

// splitValues flattens repeated and comma-separated parameter values.
func splitValues(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
