package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/homedash-core/internal/audit"
	"github.com/nerrad567/homedash-core/internal/automation"
	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/config"
	"github.com/nerrad567/homedash-core/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// apiPrefix is the mount point of every route.
const apiPrefix = "/api/v1"

// EngineControl is the evaluator surface the API drives. [automation.Engine]
// satisfies it.
type EngineControl interface {
	Trigger(ctx context.Context, id int64) (accepted bool, err error)
	Status(id int64) (automation.MachineStatus, bool)
	Statuses() []automation.MachineStatus
}

// AlarmDispatcher sends direct alarm panel commands. [automation.Dispatcher]
// satisfies it.
type AlarmDispatcher interface {
	DispatchAlarm(ctx context.Context, cmd automation.AlarmCommand) automation.DispatchResult
}

// EntitySearcher lists backend entities. [homeassistant.Client] satisfies it.
type EntitySearcher interface {
	SearchEntities(ctx context.Context, q homeassistant.EntityQuery) ([]homeassistant.Entity, error)
}

// HealthChecker is a component that can report its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Repository *automation.Repository
	Lifecycle  *automation.Lifecycle
	Engine     EngineControl
	Dispatcher AlarmDispatcher
	Entities   EntitySearcher
	AuditRepo  audit.Repository
	// Checks are reported by /health, keyed by component name.
	Checks map[string]HealthChecker
	// Connections and DBStats feed /metrics; both are optional.
	Connections map[string]ConnectionReporter
	DBStats     DBStatsProvider
	ExternalHub *Hub // If set, the server uses this hub instead of creating its own
	Version     string
}

// Server is the HTTP API server for HomeDash.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	repo        *automation.Repository
	lifecycle   *automation.Lifecycle
	engine      EngineControl
	dispatcher  AlarmDispatcher
	entities    EntitySearcher
	auditRepo   audit.Repository
	checks      map[string]HealthChecker
	connections map[string]ConnectionReporter
	dbStats     DBStatsProvider
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	externalHub bool               // true if hub was injected externally
	cancel      context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. Dispatcher, Entities,
// and AuditRepo are optional; their endpoints answer 503 without them.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("automation repository is required")
	}
	if deps.Lifecycle == nil {
		return nil, fmt.Errorf("lifecycle controller is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		repo:        deps.Repository,
		lifecycle:   deps.Lifecycle,
		engine:      deps.Engine,
		dispatcher:  deps.Dispatcher,
		entities:    deps.Entities,
		auditRepo:   deps.AuditRepo,
		checks:      deps.Checks,
		connections: deps.Connections,
		dbStats:     deps.DBStats,
		version:     deps.Version,
		startTime:   time.Now(),
	}

	// The engine and lifecycle broadcast through the same hub, so main
	// creates it first and injects it here.
	if deps.ExternalHub != nil {
		s.hub = deps.ExternalHub
		s.externalHub = true
	}

	return s, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub unless one was injected,
// and launches the HTTP listener in a background goroutine. The server can
// be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// Hub returns the server's WebSocket hub, or nil before Start.
func (s *Server) Hub() *Hub {
	return s.hub
}

// wsRoute is the WebSocket path relative to the API prefix.
func (s *Server) wsRoute() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}
