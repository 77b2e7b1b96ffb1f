package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/homedash-core/internal/automation"
)

// maxQueryParamLen limits query parameter length to prevent DoS via oversized URL params.
const maxQueryParamLen = 100

// ErrCodeBodyTooLarge is returned when a body exceeds maxRequestBodySize.
const ErrCodeBodyTooLarge = "PAYLOAD_TOO_LARGE"

// pathID parses a positive integer route parameter. It writes the 400 and
// returns false when the parameter is malformed.
func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeBadRequest(w, ErrCodeInvalidID, param+" must be a positive integer")
		return 0, false
	}
	return id, true
}

// decodeBody decodes the JSON request body into v. It writes the error and
// returns false on failure. An empty body decodes as {}.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBodyTooLarge, "request body too large")
		return false
	}
	writeBadRequest(w, ErrCodeInvalidJSON, "invalid JSON body")
	return false
}

// ─── Automations ────────────────────────────────────────────────────

// handleListAutomations returns all automations with their children.
//
// Query parameters:
//   - enabled: true or false
//   - tag: exact tag match
//   - search: case-insensitive substring of the name
func (s *Server) handleListAutomations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter automation.ListFilter

	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			writeBadRequest(w, ErrCodeInvalidQuery, "enabled must be true or false")
			return
		}
		filter.Enabled = &enabled
	}
	filter.Tag = q.Get("tag")
	filter.Search = q.Get("search")
	if len(filter.Tag) > maxQueryParamLen || len(filter.Search) > maxQueryParamLen {
		writeBadRequest(w, ErrCodeInvalidQuery, "query parameter exceeds maximum length")
		return
	}

	list, err := s.repo.List(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"automations": list, "count": len(list)})
}

// handleCreateAutomation creates an automation with optional nested children.
func (s *Server) handleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var in automation.AutomationInput
	if !decodeBody(w, r, &in) {
		return
	}

	a, err := s.repo.Create(r.Context(), in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleGetAutomation returns one automation with its children.
func (s *Server) handleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	a, err := s.repo.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleUpdateAutomation patches name, enabled, and tags.
func (s *Server) handleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in automation.AutomationInput
	if !decodeBody(w, r, &in) {
		return
	}

	a, err := s.repo.Update(r.Context(), id, in)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleDeleteAutomation removes an automation and its children.
func (s *Server) handleDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	a, err := s.repo.Delete(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "automation deleted",
		"automation": a,
	})
}

// handleToggleAutomation flips the enabled flag.
func (s *Server) handleToggleAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	res, err := s.lifecycle.Toggle(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         res.Message(),
		"previousEnabled": res.PreviousEnabled,
		"newEnabled":      res.NewEnabled,
		"automation":      res.Automation,
	})
}

// ─── Runs ───────────────────────────────────────────────────────────

// handleRunAutomation queues a manual firing. The run itself happens on
// the automation's worker; its outcome appears under /runs.
func (s *Server) handleRunAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	accepted, err := s.engine.Trigger(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	message := "run queued"
	if !accepted {
		message = "automation is busy; run discarded by backpressure"
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"automationId": id,
		"accepted":     accepted,
		"message":      message,
	})
}

// handleListRuns returns recent runs, newest first.
//
// Query parameters:
//   - limit: max results (default 20, max 100)
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	runs, err := s.repo.ListRuns(r.Context(), id, limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleAutomationStatus returns the evaluator's view of one automation.
func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	st, found := s.engine.Status(id)
	if !found {
		s.writeDomainError(w, r, automation.ErrAutomationNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleListStatuses returns the evaluator's view of every automation.
func (s *Server) handleListStatuses(w http.ResponseWriter, _ *http.Request) {
	statuses := s.engine.Statuses()
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses, "count": len(statuses)})
}
