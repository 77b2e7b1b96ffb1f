package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/homedash-core/internal/audit"
	"github.com/nerrad567/homedash-core/internal/automation"
	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/config"
	"github.com/nerrad567/homedash-core/internal/infrastructure/database"
	"github.com/nerrad567/homedash-core/internal/infrastructure/logging"
	"github.com/nerrad567/homedash-core/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// ─── Fakes ──────────────────────────────────────────────────────────────────

// fakeEngine records manual runs and serves canned statuses.
type fakeEngine struct {
	mu        sync.Mutex
	triggered []int64
	reject    bool  // report the firing as discarded
	err       error // returned by Trigger when set
	statuses  []automation.MachineStatus
}

func (f *fakeEngine) Trigger(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.triggered = append(f.triggered, id)
	return !f.reject, nil
}

func (f *fakeEngine) Status(id int64) (automation.MachineStatus, bool) {
	for _, st := range f.Statuses() {
		if st.AutomationID == id {
			return st, true
		}
	}
	return automation.MachineStatus{}, false
}

func (f *fakeEngine) Statuses() []automation.MachineStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]automation.MachineStatus(nil), f.statuses...)
}

func (f *fakeEngine) getTriggered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.triggered...)
}

// backendCall is one CallService invocation seen by fakeBackend.
type backendCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// fakeBackend answers service calls with a fixed result or error.
type fakeBackend struct {
	mu     sync.Mutex
	calls  []backendCall
	result *homeassistant.ServiceResult
	err    error
}

func (f *fakeBackend) CallService(_ context.Context, domain, service string, data map[string]any) (*homeassistant.ServiceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, backendCall{Domain: domain, Service: service, Data: data})
	return f.result, f.err
}

func (f *fakeBackend) getCalls() []backendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backendCall(nil), f.calls...)
}

// fakeEntities captures the last query.
type fakeEntities struct {
	mu       sync.Mutex
	query    homeassistant.EntityQuery
	entities []homeassistant.Entity
	err      error
}

func (f *fakeEntities) SearchEntities(_ context.Context, q homeassistant.EntityQuery) ([]homeassistant.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query = q
	return f.entities, f.err
}

// fakeCheck is a HealthChecker with a fixed answer.
type fakeCheck struct{ err error }

func (f fakeCheck) HealthCheck(context.Context) error { return f.err }

// ─── Harness ────────────────────────────────────────────────────────────────

type testEnv struct {
	srv      *Server
	router   http.Handler
	repo     *automation.Repository
	store    *automation.SQLiteStore
	audit    *audit.SQLiteRepository
	engine   *fakeEngine
	backend  *fakeBackend
	entities *fakeEntities
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testWSConfig() config.WebSocketConfig {
	return config.WebSocketConfig{Path: "/ws", MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10}
}

// newTestEnv builds a server over an in-memory database with the
// production schema. mutate may adjust Deps before New.
func newTestEnv(t *testing.T, mutate func(*Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenMemory(ctx)
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	log := testLogger()
	store := automation.NewSQLiteStore(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log)

	repo := automation.NewRepository(store, true)
	repo.SetAuditSink(recorder)
	lifecycle := automation.NewLifecycle(store, nil)
	lifecycle.SetAuditSink(recorder)

	hub := NewHub(testWSConfig(), log)
	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go hub.Run(hubCtx)
	lifecycle.SetHub(hub)

	env := &testEnv{
		repo:     repo,
		store:    store,
		audit:    auditRepo,
		engine:   &fakeEngine{},
		backend:  &fakeBackend{},
		entities: &fakeEntities{},
	}

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS:          testWSConfig(),
		Logger:      log,
		Repository:  repo,
		Lifecycle:   lifecycle,
		Engine:      env.engine,
		Dispatcher:  automation.NewDispatcher(env.backend, nil, time.Second, nil),
		Entities:    env.entities,
		AuditRepo:   auditRepo,
		Checks:      map[string]HealthChecker{"database": db},
		ExternalHub: hub,
		Version:     "test",
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.srv = srv
	env.router = srv.buildRouter()
	return env
}

// do sends one request through the router. A non-empty token is sent as
// a bearer header.
func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

// expectError checks status and code of an error response.
func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) Error {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	e := decode[Error](t, w)
	if e.Code != code {
		t.Errorf("code = %q, want %q", e.Code, code)
	}
	if e.Error == "" {
		t.Error("error message is empty")
	}
	return e
}

func signToken(t *testing.T, secret, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return signed
}

// ─── Construction ───────────────────────────────────────────────────────────

func TestNew_RequiredDeps(t *testing.T) {
	env := newTestEnv(t, nil)
	base := Deps{
		Logger:     testLogger(),
		Repository: env.repo,
		Lifecycle:  env.srv.lifecycle,
		Engine:     env.engine,
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"no logger", func(d *Deps) { d.Logger = nil }},
		{"no repository", func(d *Deps) { d.Repository = nil }},
		{"no lifecycle", func(d *Deps) { d.Lifecycle = nil }},
		{"no engine", func(d *Deps) { d.Engine = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}

	if _, err := New(base); err != nil {
		t.Errorf("New(minimal) error = %v", err)
	}
}

// ─── Health ─────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	resp := decode[map[string]any](t, w)
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
	components, _ := resp["components"].(map[string]any)
	if components["database"] != "ok" {
		t.Errorf("components = %v", components)
	}
}

func TestHealth_Degraded(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Checks["influxdb"] = fakeCheck{err: errors.New("influxdb: not connected")}
	})

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", w.Code)
	}
	resp := decode[map[string]any](t, w)
	if resp["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", resp["status"])
	}
	components, _ := resp["components"].(map[string]any)
	if components["influxdb"] != "influxdb: not connected" || components["database"] != "ok" {
		t.Errorf("components = %v", components)
	}
}

// ─── Middleware ─────────────────────────────────────────────────────────────

func TestRequestID_Generated(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/health", "", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want %q", got, "client-123")
	}
}

func TestCORS_Preflight(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Config.CORS.AllowedOrigins = []string{"http://dash.local"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/automations", nil)
	req.Header.Set("Origin", "http://dash.local")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("ACAO = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/automations", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("ACAO for disallowed origin = %q, want empty", got)
	}
}

func TestBodySizeLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	big := `{"name":"` + strings.Repeat("x", maxRequestBodySize) + `"}`
	w := env.do(t, http.MethodPost, "/api/v1/automations", big, "")
	expectError(t, w, http.StatusRequestEntityTooLarge, ErrCodeBodyTooLarge)
}

func TestRecovery(t *testing.T) {
	env := newTestEnv(t, nil)
	handler := env.srv.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	expectError(t, w, http.StatusInternalServerError, ErrCodeInternal)
}

func TestNotFoundRoute(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/v1/nonexistent", "", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", w.Code)
	}
}

// ─── Auth ───────────────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"not bearer", "Basic YWRtaW46YWRtaW4=", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + signToken(t, "another-secret-that-is-long-enough!!", "alice", time.Hour), http.StatusUnauthorized},
		{"expired", "Bearer " + signToken(t, testSecret, "alice", -time.Minute), http.StatusUnauthorized},
		{"valid", "Bearer " + signToken(t, testSecret, "alice", time.Hour), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/automations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want == http.StatusUnauthorized {
				expectError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
			}
		})
	}
}

func TestAuth_NoneAlgRejected(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "mallory",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	raw, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/automations", "", raw)
	expectError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestAuth_HealthIsPublic(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })

	if w := env.do(t, http.MethodGet, "/api/v1/health", "", ""); w.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", w.Code)
	}
}

func TestAuth_QueryTokenOnlyForWebSocket(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })
	token := signToken(t, testSecret, "alice", time.Hour)

	w := env.do(t, http.MethodGet, "/api/v1/automations?token="+token, "", "")
	expectError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestAuth_SubjectReachesAudit(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Security.JWT.Secret = testSecret })
	token := signToken(t, testSecret, "alice", time.Hour)

	w := env.do(t, http.MethodPost, "/api/v1/automations", `{"name":"Porch"}`, token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	result, err := env.audit.List(context.Background(), audit.Filter{EntityType: "automation"})
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	if len(result.Logs) != 1 {
		t.Fatalf("audit logs = %d, want 1", len(result.Logs))
	}
	if got := result.Logs[0]; got.UserID != "alice" || got.Source != audit.SourceAPI || got.Action != "create" {
		t.Errorf("audit entry = %+v", got)
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  *automation.Error
		want int
	}{
		{"validation", &automation.Error{Class: automation.ErrValidation}, http.StatusBadRequest},
		{"not found", automation.ErrAutomationNotFound, http.StatusNotFound},
		{"child not owned", &automation.Error{Class: automation.ErrChildNotOwned}, http.StatusNotFound},
		{"auth failed", &automation.Error{Class: automation.ErrAuthFailed}, http.StatusUnauthorized},
		{"entity not found", &automation.Error{Class: automation.ErrEntityNotFound}, http.StatusNotFound},
		{"invalid command", &automation.Error{Class: automation.ErrInvalidCommand}, http.StatusBadRequest},
		{"timeout", &automation.Error{Class: automation.ErrBackendUnreachable, Timeout: true}, http.StatusRequestTimeout},
		{"network", &automation.Error{Class: automation.ErrBackendUnreachable}, http.StatusServiceUnavailable},
		{"backend", &automation.Error{Class: automation.ErrBackend}, http.StatusInternalServerError},
		{"internal", &automation.Error{Class: automation.ErrInternal}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteDomainError_HidesCause(t *testing.T) {
	env := newTestEnv(t, nil)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	env.srv.writeDomainError(w, r, errors.New("sqlite: disk I/O error at /var/lib/secret.db"))

	e := expectError(t, w, http.StatusInternalServerError, automation.CodeInternal)
	if strings.Contains(e.Error, "secret.db") {
		t.Errorf("error body leaks cause: %q", e.Error)
	}
}

// ─── Metrics ────────────────────────────────────────────────────────────────

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) {
		d.Connections = map[string]ConnectionReporter{"mqtt": fakeConn(true), "homeassistant": fakeConn(false)}
	})
	env.engine.statuses = []automation.MachineStatus{
		{AutomationID: 1, State: automation.StateArmed, Runs: 3},
		{AutomationID: 2, State: automation.StateFiring, Pending: 1, Runs: 5, Dropped: 2},
		{AutomationID: 3, State: automation.StateDisabled},
	}

	w := env.do(t, http.MethodGet, "/api/v1/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	m := decode[SystemMetrics](t, w)
	a := m.Automations
	if a.Machines != 3 || a.Runs != 8 || a.Dropped != 2 || a.Pending != 1 {
		t.Errorf("automations = %+v", a)
	}
	if a.ByState["armed"] != 1 || a.ByState["firing"] != 1 || a.ByState["disabled"] != 1 {
		t.Errorf("by_state = %v", a.ByState)
	}
	if !m.Connections["mqtt"] || m.Connections["homeassistant"] {
		t.Errorf("connections = %v", m.Connections)
	}
	if m.Version != "test" || m.Runtime.Goroutines == 0 {
		t.Errorf("metrics = %+v", m)
	}
}
