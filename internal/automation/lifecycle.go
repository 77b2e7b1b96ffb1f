package automation

import (
	"context"
	"fmt"
)

// ToggleResult reports an automation's enabled flag before and after a toggle.
type ToggleResult struct {
	PreviousEnabled bool        `json:"previousEnabled"`
	NewEnabled      bool        `json:"newEnabled"`
	Automation      *Automation `json:"automation"`
}

// Message is the human summary returned alongside a toggle.
func (t ToggleResult) Message() string {
	state := "disabled"
	if t.NewEnabled {
		state = "enabled"
	}
	return fmt.Sprintf("automation %q %s", t.Automation.Name, state)
}

// Lifecycle owns enable/disable toggling. The evaluator is armed or
// disarmed before Toggle returns.
type Lifecycle struct {
	store    Store
	observer Observer
	audit    AuditSink
	hub      WSHub
	logger   Logger
}

// NewLifecycle creates a lifecycle controller. observer may be nil.
func NewLifecycle(store Store, observer Observer) *Lifecycle {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Lifecycle{
		store:    store,
		observer: observer,
		audit:    noopAudit{},
		logger:   noopLogger{},
	}
}

// SetAuditSink registers where toggles are recorded.
func (l *Lifecycle) SetAuditSink(a AuditSink) {
	if a == nil {
		a = noopAudit{}
	}
	l.audit = a
}

// SetHub registers a WebSocket hub for automation.toggled events.
func (l *Lifecycle) SetHub(hub WSHub) {
	l.hub = hub
}

// SetLogger sets the logger for the controller.
func (l *Lifecycle) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.logger = logger
}

// Toggle flips the automation's enabled flag in one storage update. Each
// call flips; callers wanting a specific state read first.
func (l *Lifecycle) Toggle(ctx context.Context, id int64) (*ToggleResult, error) {
	enabled, err := l.store.ToggleAutomation(ctx, id)
	if err != nil {
		return nil, internalError("toggling automation", err)
	}

	a, err := l.store.GetAutomation(ctx, id)
	if err != nil {
		return nil, internalError("loading automation", err)
	}
	// The pair reports what this toggle wrote, even if a concurrent
	// update has since changed the stored flag.
	l.observer.Apply(ctx, a.DeepCopy())

	result := &ToggleResult{
		PreviousEnabled: !enabled,
		NewEnabled:      enabled,
		Automation:      a,
	}

	l.logger.Info("automation toggled", "automation_id", id, "enabled", enabled)
	l.audit.Record(ctx, "toggle", entityAutomation, idString(id), map[string]any{
		"previousEnabled": result.PreviousEnabled,
		"newEnabled":      result.NewEnabled,
	})
	if l.hub != nil {
		l.hub.Broadcast("automation.toggled", map[string]any{
			"automation_id": id,
			"enabled":       enabled,
		})
	}
	return result, nil
}
