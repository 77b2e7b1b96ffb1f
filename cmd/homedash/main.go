// HomeDash Core - home automation rule engine
//
// This is the main entry point. It loads configuration, opens the
// database, connects to Home Assistant and the MQTT broker, starts the
// automation evaluator, and serves the REST and WebSocket API until a
// shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/homedash-core/internal/api"
	"github.com/nerrad567/homedash-core/internal/audit"
	"github.com/nerrad567/homedash-core/internal/automation"
	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/config"
	"github.com/nerrad567/homedash-core/internal/infrastructure/database"
	"github.com/nerrad567/homedash-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/homedash-core/internal/infrastructure/logging"
	"github.com/nerrad567/homedash-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/homedash-core/internal/telemetry"
	"github.com/nerrad567/homedash-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds telemetry flush and engine drain on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting HomeDash Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Telemetry first, so the configured logger also exports over OTLP.
	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := shutdownTelemetry(flushCtx); shutdownErr != nil {
			log.Error("error shutting down telemetry", "error", shutdownErr)
		}
	}()

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"otlp", telemetry.Enabled(cfg.Telemetry),
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS, migrations.Dir); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := automation.NewSQLiteStore(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log)

	// Home Assistant
	ha, err := homeassistant.New(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, cfg.GetBackendTimeout(), log.Logger)
	if err != nil {
		return fmt.Errorf("creating Home Assistant client: %w", err)
	}
	if pingErr := ha.Ping(ctx); pingErr != nil {
		// Actions fail with BACKEND_UNREACHABLE until it comes back.
		log.Warn("Home Assistant not reachable at startup", "url", cfg.HomeAssistant.URL, "error", pingErr)
	} else {
		log.Info("Home Assistant connected", "url", cfg.HomeAssistant.URL)
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Evaluator
	var local automation.LocalDeviceController
	if mqttClient != nil {
		local = automation.NewMQTTDeviceController(mqttClient)
	}
	dispatcher := automation.NewDispatcher(ha, local, cfg.GetActionTimeout(), log.With("component", "dispatcher"))

	loc := cfg.Location()
	engine := automation.NewEngine(store, dispatcher, automation.EngineOptions{
		Location:      loc,
		Solar:         automation.NewSolarClock(cfg.Site.Location.Latitude, cfg.Site.Location.Longitude, loc),
		Backpressure:  cfg.Automation.Backpressure,
		QueueLimit:    cfg.Automation.QueueLimit,
		IngressBuffer: cfg.Automation.IngressBuffer,
		ZWavePrefix:   cfg.MQTT.ZWave.TopicPrefix,
		QoS:           byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
	}, log.With("component", "engine"))
	engine.SetStateReader(ha)
	if mqttClient != nil {
		engine.SetMQTT(mqttClient)
		engine.SetSubscriber(mqttClient)
	}
	if influxClient != nil {
		engine.SetPointWriter(influxClient)
	}

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)
	engine.SetHub(hub)

	repo := automation.NewRepository(store, cfg.Automation.DefaultEnabled)
	repo.SetObserver(engine)
	repo.SetAuditSink(recorder)
	repo.SetLogger(log)

	lifecycle := automation.NewLifecycle(store, engine)
	lifecycle.SetAuditSink(recorder)
	lifecycle.SetHub(hub)
	lifecycle.SetLogger(log)

	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	if cfg.HomeAssistant.Events {
		go subscribeStateChanges(ctx, ha, engine, log)
	}

	// API
	checks := map[string]api.HealthChecker{
		"database":      db,
		"homeassistant": haCheck{ha},
	}
	connections := map[string]api.ConnectionReporter{}
	if mqttClient != nil {
		checks["mqtt"] = mqttClient
		connections["mqtt"] = mqttClient
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
		connections["influxdb"] = influxClient
	}

	srv, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Security:    cfg.Security,
		Logger:      log,
		Repository:  repo,
		Lifecycle:   lifecycle,
		Engine:      engine,
		Dispatcher:  dispatcher,
		Entities:    ha,
		AuditRepo:   auditRepo,
		Checks:      checks,
		Connections: connections,
		DBStats:     db,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
		<-engineDone
	case runErr := <-engineDone:
		if runErr != nil {
			return fmt.Errorf("automation engine: %w", runErr)
		}
	}

	log.Info("HomeDash Core stopped")
	return nil
}

// subscribeStateChanges feeds Home Assistant state_changed events into the
// engine, reconnecting until ctx is cancelled.
func subscribeStateChanges(ctx context.Context, ha *homeassistant.Client, engine *automation.Engine, log *logging.Logger) {
	if err := ha.Connect(ctx); err != nil {
		log.Error("Home Assistant WebSocket connect failed, state triggers disabled", "error", err)
		return
	}
	defer func() {
		if err := ha.Close(); err != nil {
			log.Warn("error closing Home Assistant WebSocket", "error", err)
		}
	}()
	log.Info("subscribed to Home Assistant state changes")

	for {
		err := ha.Subscribe(ctx, engine.HandleStateChange)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, homeassistant.ErrNoWebSocket) {
			return
		}
		log.Warn("Home Assistant subscription ended, retrying", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// haCheck reports Home Assistant reachability to /health.
type haCheck struct {
	client *homeassistant.Client
}

func (h haCheck) HealthCheck(ctx context.Context) error {
	return h.client.Ping(ctx)
}

// getConfigPath returns the configuration file path.
// Uses HOMEDASH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("HOMEDASH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
