package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// healthCheckTimeout bounds each component check behind /health.
const healthCheckTimeout = 3 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route(apiPrefix, func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/automations", func(r chi.Router) {
				r.Get("/", s.handleListAutomations)
				r.Post("/", s.handleCreateAutomation)
				r.Get("/status", s.handleListStatuses)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetAutomation)
					r.Put("/", s.handleUpdateAutomation)
					r.Delete("/", s.handleDeleteAutomation)
					r.Put("/toggle", s.handleToggleAutomation)
					r.Post("/run", s.handleRunAutomation)
					r.Get("/runs", s.handleListRuns)
					r.Get("/status", s.handleAutomationStatus)

					r.Route("/triggers", func(r chi.Router) {
						r.Get("/", s.handleListTriggers)
						r.Post("/", s.handleCreateTrigger)
						r.Get("/{childId}", s.handleGetTrigger)
						r.Put("/{childId}", s.handleUpdateTrigger)
						r.Delete("/{childId}", s.handleDeleteTrigger)
					})
					r.Route("/conditions", func(r chi.Router) {
						r.Get("/", s.handleListConditions)
						r.Post("/", s.handleCreateCondition)
						r.Get("/{childId}", s.handleGetCondition)
						r.Put("/{childId}", s.handleUpdateCondition)
						r.Delete("/{childId}", s.handleDeleteCondition)
					})
					r.Route("/actions", func(r chi.Router) {
						r.Get("/", s.handleListActions)
						r.Post("/", s.handleCreateAction)
						r.Get("/{childId}", s.handleGetAction)
						r.Put("/{childId}", s.handleUpdateAction)
						r.Delete("/{childId}", s.handleDeleteAction)
					})
				})
			})

			r.Route("/backend", func(r chi.Router) {
				r.Post("/alarm", s.handleAlarm)
				r.Get("/entities", s.handleSearchEntities)
			})

			r.Get("/audit", s.handleListAuditLogs)
			r.Get("/metrics", s.handleMetrics)

			r.Get(s.wsRoute(), s.handleWebSocket)
		})
	})

	return r
}

// handleHealth returns the server health status. Any failing component
// turns the response into a 503 with status "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := make(map[string]string, len(s.checks))
	healthy := true
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			healthy = false
			components[name] = err.Error()
			continue
		}
		components[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"components":     components,
	})
}
