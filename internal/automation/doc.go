// Package automation provides the rule engine for HomeDash Core.
//
// An automation is a named rule made of triggers (what starts evaluation),
// conditions (gates that must all hold), and actions (side effects sent to
// Home Assistant or to local devices). Each kind is a closed set of typed
// variants built only through the validators in validation.go.
//
// Architecture:
//
//	┌────────────────────────────────────────────────────────┐
//	│   REST handlers                                         │
//	│      │                    │                             │
//	│      ▼                    ▼                             │
//	│  ┌──────────────┐   ┌──────────────┐                    │
//	│  │  Repository  │   │  Lifecycle   │  (toggle)          │
//	│  │(repository.go)│  │(lifecycle.go)│                    │
//	│  └──────┬───────┘   └──────┬───────┘                    │
//	│         │  Store (store.go) │  Observer.Apply/Remove    │
//	│         ▼                   ▼                           │
//	│  ┌──────────────────────────────────────────────┐       │
//	│  │  Engine (engine.go)                           │       │
//	│  │  HA events ─┐                                 │       │
//	│  │  MQTT ──────┼─▶ ingress chan ─▶ router        │       │
//	│  │  minute tick┘        │                        │       │
//	│  │                      ▼                        │       │
//	│  │     machine per automation (machine.go)       │       │
//	│  │     Disabled ◀──▶ Armed ──▶ Firing            │       │
//	│  │                      │                        │       │
//	│  │                      ▼                        │       │
//	│  │     Dispatcher (dispatcher.go) ─▶ backend     │       │
//	│  └──────────────────────────────────────────────┘       │
//	└────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Automation: rule aggregate with its triggers, conditions, and actions
//   - TriggerSpec / ActionSpec: sealed variant interfaces
//   - Repository: validated CRUD over a Store
//   - Lifecycle: enable/disable toggling with synchronous engine hand-off
//   - Dispatcher: action execution and backend error classification
//   - Engine: event routing, condition checks, backpressure, run history
//
// # Errors
//
// Every failure is an *Error whose Class is one of the Err* sentinels, so
// callers map errors to responses with errors.Is.
//
// # Thread Safety
//
// Repository, Lifecycle, Dispatcher, and Engine are safe for concurrent use.
// Each automation fires at most once at a time; different automations fire
// independently.
//
// # Usage
//
//	store := automation.NewSQLiteStore(db.DB)
//	dispatcher := automation.NewDispatcher(ha, automation.NewMQTTDeviceController(mq), timeout, log)
//	engine := automation.NewEngine(store, dispatcher, automation.EngineOptions{Location: loc}, log)
//
//	repo := automation.NewRepository(store, cfg.Automation.DefaultEnabled)
//	repo.SetObserver(engine)
//	lifecycle := automation.NewLifecycle(store, engine)
//
//	go engine.Run(ctx)
package automation
