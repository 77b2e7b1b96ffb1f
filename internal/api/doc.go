// Package api implements the HTTP REST API and WebSocket server for HomeDash.
//
// This package provides:
//   - REST endpoints for automation CRUD and their triggers, conditions, and actions
//   - Toggle, manual run, run history, and evaluator status endpoints
//   - Direct alarm panel commands and entity search against Home Assistant
//   - WebSocket hub for automation.fired and automation.toggled broadcasts
//   - Middleware stack (request ID, logging, recovery, CORS, body limit, JWT)
//
// # Architecture
//
// Handlers are thin: they parse the request, call the automation Repository,
// Lifecycle, Engine, or Dispatcher, and map any *automation.Error to a status
// in one place (statusFor). Every error body has the form
//
//	{"error": "...", "code": "MACHINE_CODE", "details": {...}}
//
// # Security
//
// When security.jwt.secret is set, every route except /health requires an
// HS256 bearer token. The WebSocket upgrade may pass it as ?token= instead.
// The token subject is recorded as the user on audit entries.
//
// # Graceful Degradation
//
// The server runs without a Home Assistant connection or audit store; the
// endpoints that need them answer 503 until they are configured.
package api
