package automation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/mqtt"
)

// MQTTClient is the interface for publishing to the broker.
type MQTTClient interface {
	// Publish sends a message to the specified MQTT topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber is the interface for receiving broker messages.
// [mqtt.Client] satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte) error) error
	Unsubscribe(topic string) error
}

// WSHub is the interface for broadcasting WebSocket events.
type WSHub interface {
	// Broadcast sends an event to all clients subscribed to the given channel.
	Broadcast(channel string, payload any)
}

// StateReader reads current entity state for conditions.
// [homeassistant.Client] satisfies it.
type StateReader interface {
	GetState(ctx context.Context, entityID string) (*homeassistant.State, error)
}

// ActionDispatcher executes one action. [Dispatcher] satisfies it.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, a Action) DispatchResult
}

// EngineStore is the part of [Store] the engine needs.
type EngineStore interface {
	ListAutomations(ctx context.Context, filter ListFilter) ([]Automation, error)
	CreateRun(ctx context.Context, run *Run) error
}

// automationReader is implemented by stores that can read one automation
// back. The SQLite store satisfies it.
type automationReader interface {
	GetAutomation(ctx context.Context, id int64) (*Automation, error)
}

// PointWriter records time-series points. The InfluxDB client satisfies it.
type PointWriter interface {
	WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time)
}

// runMeasurement is the time-series measurement for automation runs.
const runMeasurement = "automation_run"

// Engine defaults.
const (
	DefaultIngressBuffer = 256
	DefaultQueueLimit    = 8
)

var errNoStateReader = errors.New("automation: no state reader configured")

// EngineOptions configures an Engine. Zero values select defaults.
type EngineOptions struct {
	// Location is the site timezone for time triggers and conditions.
	Location *time.Location

	// Solar computes sunrise and sunset for the site.
	Solar SolarClock

	// Backpressure is PolicyCoalesce (default), PolicyDrop, or PolicyQueue.
	Backpressure string

	// QueueLimit caps pending firings under PolicyQueue.
	QueueLimit int

	// IngressBuffer is the capacity of the event channel.
	IngressBuffer int

	// ZWavePrefix is the topic root Z-Wave node events arrive under.
	ZWavePrefix string

	// QoS is used for subscriptions and run notifications.
	QoS byte

	// DisableClock stops Run from generating minute ticks, for callers
	// that submit ticks themselves.
	DisableClock bool

	// Now overrides the wall clock.
	Now func() time.Time
}

// Engine evaluates automations. Every input (backend state changes, MQTT
// messages, and minute ticks) goes through one buffered ingress channel.
// A single router matches events against armed triggers and hands firings
// to a per-automation machine, whose worker checks conditions and then
// dispatches actions in order.
//
// Engine implements [Observer]: the repository and lifecycle controller
// call Apply and Remove so the machines track stored definitions.
//
// Setters must be called before Run.
type Engine struct {
	store      EngineStore
	dispatcher ActionDispatcher
	mqtt       MQTTClient
	subscriber Subscriber
	hub        WSHub
	points     PointWriter
	logger     Logger
	opts       EngineOptions

	match   *matcher
	table   *registry
	ingress chan BackendEvent

	// applyMu orders Apply and Remove calls from concurrent requests.
	applyMu sync.Mutex

	base      context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	runs    metric.Int64Counter
	dropped metric.Int64Counter
	latency metric.Int64Histogram
}

// NewEngine creates an engine. Call Run to start evaluating.
func NewEngine(store EngineStore, dispatcher ActionDispatcher, opts EngineOptions, logger Logger) *Engine {
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Backpressure == "" {
		opts.Backpressure = PolicyCoalesce
	}
	if opts.QueueLimit < 1 {
		opts.QueueLimit = DefaultQueueLimit
	}
	if opts.IngressBuffer < 1 {
		opts.IngressBuffer = DefaultIngressBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Solar.loc == nil {
		opts.Solar.loc = opts.Location
	}

	inst := newInstruments(logger)
	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		opts:       opts,
		match: &matcher{
			loc:      opts.Location,
			solar:    opts.Solar,
			payloads: newPayloadCache(),
		},
		table:   newRegistry(),
		ingress: make(chan BackendEvent, opts.IngressBuffer),
		base:    base,
		cancel:  cancel,
		runs:    inst.counter(metricRuns, "Number of automation runs"),
		dropped: inst.counter(metricDropped, "Number of events or firings dropped"),
		latency: inst.histogram(metricRunLatency, "Duration of automation runs", "ms"),
	}
}

// SetStateReader sets where conditions read entity state.
func (e *Engine) SetStateReader(states StateReader) {
	e.match.states = states
}

// SetMQTT sets the client used to announce runs on the broker.
func (e *Engine) SetMQTT(client MQTTClient) {
	e.mqtt = client
}

// SetSubscriber sets the broker subscription source for mqtt and zwave
// triggers.
func (e *Engine) SetSubscriber(sub Subscriber) {
	e.subscriber = sub
}

// SetHub sets the WebSocket hub for automation.fired events.
func (e *Engine) SetHub(hub WSHub) {
	e.hub = hub
}

// SetPointWriter sets where run metrics are written.
func (e *Engine) SetPointWriter(points PointWriter) {
	e.points = points
}

// ─── Lifecycle ──────────────────────────────────────────────────────

// Load builds a machine for every stored automation and subscribes to the
// Z-Wave topic root.
func (e *Engine) Load(ctx context.Context) error {
	automations, err := e.store.ListAutomations(ctx, ListFilter{})
	if err != nil {
		return internalError("loading automations", err)
	}
	for i := range automations {
		e.Apply(ctx, &automations[i])
	}

	if e.subscriber != nil && e.opts.ZWavePrefix != "" {
		filter := strings.TrimRight(e.opts.ZWavePrefix, "/") + "/#"
		if err := e.subscriber.Subscribe(filter, e.opts.QoS, e.onZWave); err != nil {
			e.logger.Warn("subscribing to zwave events", "topic", filter, "error", err)
		}
	}

	e.logger.Info("automations loaded", "count", len(automations))
	return nil
}

// Run loads automations, then routes events until ctx is cancelled. It
// stops every machine before returning.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Load(ctx); err != nil {
		return err
	}
	if !e.opts.DisableClock {
		e.wg.Add(1)
		go e.clock(ctx)
	}

	e.logger.Info("automation engine started",
		"automations", e.table.count(),
		"backpressure", e.opts.Backpressure,
	)
	for {
		select {
		case <-ctx.Done():
			e.Close()
			e.logger.Info("automation engine stopped")
			return nil
		case ev := <-e.ingress:
			e.route(ev)
		}
	}
}

// Close stops all machines and waits for running firings to finish.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		for _, m := range e.table.snapshot() {
			m.stop()
		}
		e.wg.Wait()
	})
}

// clock submits a tick at the start of every minute.
func (e *Engine) clock(ctx context.Context) {
	defer e.wg.Done()
	for {
		now := e.opts.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-e.base.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		e.Submit(BackendEvent{Kind: EventTick, Time: next})
	}
}

// ─── Observer ───────────────────────────────────────────────────────

// Apply creates or replaces the machine for a. It returns once the new
// definition is in effect: a disabled automation starts no new firing
// after Apply returns.
//
// When the store can read the automation back, the committed row is
// applied instead of a, so a snapshot taken before a concurrent toggle or
// delete cannot overwrite it.
func (e *Engine) Apply(ctx context.Context, a *Automation) {
	if a == nil {
		return
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	id := a.ID
	a, ok := e.committed(ctx, a)
	if !ok {
		e.remove(id)
		return
	}

	m, added := e.table.getOrAdd(a.ID, newMachine(a, e.opts.Backpressure, e.opts.QueueLimit))
	if added {
		e.start(m)
	} else {
		m.update(a)
	}

	acquired, released := e.table.bind(a.ID, topicsOf(a))
	e.syncSubscriptions(acquired, released)

	e.logger.Debug("automation applied", "automation_id", a.ID, "enabled", a.Enabled)
}

// committed returns a private copy of the stored definition of a. ok is
// false when the automation no longer exists. A failed read falls back to
// a copy of a.
func (e *Engine) committed(ctx context.Context, a *Automation) (*Automation, bool) {
	reader, ok := e.store.(automationReader)
	if !ok {
		return a.DeepCopy(), true
	}
	stored, err := reader.GetAutomation(ctx, a.ID)
	switch {
	case err == nil:
		return stored, true
	case errors.Is(err, ErrNotFound):
		return nil, false
	default:
		e.logger.Warn("re-reading automation failed, applying snapshot", "automation_id", a.ID, "error", err)
		return a.DeepCopy(), true
	}
}

// Remove stops and forgets the machine for id.
func (e *Engine) Remove(_ context.Context, id int64) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	e.remove(id)
}

func (e *Engine) remove(id int64) {
	m, released := e.table.remove(id)
	if m == nil {
		return
	}
	m.stop()
	e.syncSubscriptions(nil, released)
	e.logger.Debug("automation removed", "automation_id", id)
}

func (e *Engine) start(m *machine) {
	if e.base.Err() != nil {
		return
	}
	e.wg.Add(1)
	go e.work(m)
}

func (e *Engine) work(m *machine) {
	defer e.wg.Done()
	for {
		select {
		case <-e.base.Done():
			return
		case <-m.quit:
			return
		case <-m.wake:
		}
		for {
			select {
			case <-m.quit:
				return
			default:
			}
			f, a, ok := m.next()
			if !ok {
				break
			}
			m.done(e.fire(e.base, a, f))
		}
	}
}

func (e *Engine) syncSubscriptions(acquired, released []string) {
	if e.subscriber == nil {
		return
	}
	for _, t := range acquired {
		if err := e.subscriber.Subscribe(t, e.opts.QoS, e.onMQTT); err != nil {
			e.logger.Warn("subscribing to trigger topic", "topic", t, "error", err)
		}
	}
	for _, t := range released {
		if err := e.subscriber.Unsubscribe(t); err != nil {
			e.logger.Warn("unsubscribing from trigger topic", "topic", t, "error", err)
		}
	}
}

// ─── Ingress ────────────────────────────────────────────────────────

// Submit queues ev without blocking. It reports false when the ingress
// buffer is full and the event was dropped.
func (e *Engine) Submit(ev BackendEvent) bool {
	if ev.Time.IsZero() {
		ev.Time = e.opts.Now()
	}
	select {
	case e.ingress <- ev:
		return true
	default:
		e.dropped.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("reason", "ingress_full"),
			attribute.String("event.kind", string(ev.Kind)),
		))
		e.logger.Warn("engine ingress full, event dropped", "kind", ev.Kind, "entity_id", ev.EntityID, "topic", ev.Topic)
		return false
	}
}

// HandleStateChange submits a backend state change. It has the signature
// [homeassistant.Client.Subscribe] expects.
func (e *Engine) HandleStateChange(ch homeassistant.StateChange) {
	if ch.State == nil {
		return // entity removed
	}
	e.Submit(BackendEvent{
		Kind:       EventStateChanged,
		EntityID:   ch.EntityID,
		State:      ch.State.State,
		Attributes: ch.State.Attributes,
	})
}

func (e *Engine) onMQTT(topic string, payload []byte) error {
	e.Submit(BackendEvent{Kind: EventMQTT, Topic: topic, Payload: string(payload)})
	return nil
}

// zwaveMessage is the JSON shape of a Z-Wave node event. Payloads that are
// not JSON objects are taken as the bare state.
type zwaveMessage struct {
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

func (e *Engine) onZWave(topic string, payload []byte) error {
	entityID, ok := mqtt.Topics{}.ZWaveEntity(e.opts.ZWavePrefix, topic)
	if !ok {
		return nil
	}
	ev := BackendEvent{Kind: EventZWave, EntityID: entityID, Topic: topic, Payload: string(payload)}

	var msg zwaveMessage
	if err := json.Unmarshal(payload, &msg); err == nil && msg.State != nil {
		ev.State = scalarString(msg.State)
		ev.Attributes = msg.Attributes
	} else {
		ev.State = strings.TrimSpace(string(payload))
	}
	e.Submit(ev)
	return nil
}

func scalarString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// route offers ev to every enabled automation with a matching trigger.
// One event fires an automation at most once.
func (e *Engine) route(ev BackendEvent) {
	if ev.Kind == EventMQTT {
		e.match.payloads.store(ev.Topic, ev.Payload)
	}

	source := SourceEvent
	if ev.Kind == EventTick {
		source = SourceTick
	}

	for _, m := range e.table.snapshot() {
		a := m.definition()
		if !a.Enabled {
			continue
		}
		for _, t := range a.Triggers {
			if !e.match.matches(t.Spec, ev) {
				continue
			}
			triggerID := t.ID
			if !m.offer(firing{source: source, triggerID: &triggerID, event: ev}) {
				e.dropped.Add(context.Background(), 1, metric.WithAttributes(
					attribute.String("reason", "backpressure"),
					attribute.Int64("automation.id", a.ID),
				))
				e.logger.Debug("firing dropped", "automation_id", a.ID, "trigger_id", t.ID)
			}
			break
		}
	}
}

// Trigger starts a manual run through the same path as an event. accepted
// is false when backpressure discarded the firing.
func (e *Engine) Trigger(_ context.Context, id int64) (accepted bool, err error) {
	m, ok := e.table.get(id)
	if !ok {
		return false, ErrAutomationNotFound
	}
	if !m.definition().Enabled {
		return false, &Error{
			Class:   ErrValidation,
			Code:    CodeAutomationDisabled,
			Message: "automation is disabled; enable it before running it",
		}
	}
	return m.offer(firing{source: SourceManual, event: BackendEvent{Time: e.opts.Now()}}), nil
}

// Status returns the machine status for id.
func (e *Engine) Status(id int64) (MachineStatus, bool) {
	m, ok := e.table.get(id)
	if !ok {
		return MachineStatus{}, false
	}
	return m.status(), true
}

// Statuses returns the status of every machine, ordered by ID.
func (e *Engine) Statuses() []MachineStatus {
	machines := e.table.snapshot()
	out := make([]MachineStatus, len(machines))
	for i, m := range machines {
		out[i] = m.status()
	}
	return out
}

// ─── Firing ─────────────────────────────────────────────────────────

// fire checks conditions and dispatches a's actions in order. Every action
// is attempted; failures are collected into the run.
func (e *Engine) fire(ctx context.Context, a *Automation, f firing) *Run {
	ctx, span := tracer().Start(ctx, spanFire)
	defer span.End()
	span.SetAttributes(
		attribute.Int64("automation.id", a.ID),
		attribute.String("run.source", string(f.source)),
	)

	start := time.Now()
	run := &Run{
		ID:           GenerateID(),
		AutomationID: a.ID,
		TriggerID:    f.triggerID,
		Source:       f.source,
		TriggeredAt:  e.opts.Now().UTC(),
		ActionsTotal: len(a.Actions),
	}

	at := f.event.Time
	if at.IsZero() {
		at = e.opts.Now()
	}
	run.ConditionsMet = e.conditionsHold(ctx, a, at)

	if run.ConditionsMet {
		for i, act := range a.Actions {
			res := e.dispatcher.Dispatch(ctx, act)
			if res.Err == nil {
				run.ActionsSucceeded++
				continue
			}
			run.ActionsFailed++
			run.Failures = append(run.Failures, ActionFailure{
				ActionID:    act.ID,
				ActionIndex: i,
				Type:        actionType(act),
				Code:        res.Err.Code,
				Message:     res.Err.Message,
			})
		}
	}
	run.Status = runStatus(run)
	run.DurationMS = time.Since(start).Milliseconds()

	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if run.Status == RunFailed || run.Status == RunPartial {
		span.SetStatus(codes.Error, string(run.Status))
	}

	e.record(ctx, a, run)
	return run
}

func (e *Engine) conditionsHold(ctx context.Context, a *Automation, at time.Time) bool {
	for _, c := range a.Conditions {
		ok, err := e.match.holds(ctx, c.Spec, at)
		if err != nil {
			e.logger.Warn("condition evaluation failed",
				"automation_id", a.ID,
				"condition_id", c.ID,
				"error", err,
			)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func runStatus(run *Run) RunStatus {
	switch {
	case !run.ConditionsMet:
		return RunSkipped
	case run.ActionsFailed == 0:
		return RunCompleted
	case run.ActionsSucceeded == 0:
		return RunFailed
	default:
		return RunPartial
	}
}

func actionType(a Action) ActionType {
	if a.Spec == nil {
		return ""
	}
	return a.Spec.Type()
}

// record persists and announces a finished run. Each sink is best effort.
func (e *Engine) record(ctx context.Context, a *Automation, run *Run) {
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.logger.Error("failed to record run", "automation_id", a.ID, "run_id", run.ID, "error", err)
	}

	attrs := metric.WithAttributes(
		attribute.String("run.status", string(run.Status)),
		attribute.String("run.source", string(run.Source)),
	)
	e.runs.Add(ctx, 1, attrs)
	e.latency.Record(ctx, run.DurationMS, attrs)

	if e.points != nil {
		e.points.WritePointWithTime(runMeasurement,
			map[string]string{
				"automation_id": strconv.FormatInt(a.ID, 10),
				"source":        string(run.Source),
				"status":        string(run.Status),
			},
			map[string]any{
				"duration_ms":       run.DurationMS,
				"actions_total":     run.ActionsTotal,
				"actions_succeeded": run.ActionsSucceeded,
				"actions_failed":    run.ActionsFailed,
			},
			run.TriggeredAt,
		)
	}

	if e.mqtt != nil {
		if payload, err := json.Marshal(run); err == nil {
			topic := mqtt.Topics{}.AutomationFired(strconv.FormatInt(a.ID, 10))
			if err := e.mqtt.Publish(topic, payload, e.opts.QoS, false); err != nil {
				e.logger.Warn("failed to publish run", "topic", topic, "error", err)
			}
		}
	}

	if e.hub != nil {
		e.hub.Broadcast("automation.fired", map[string]any{
			"automation_id":   a.ID,
			"automation_name": a.Name,
			"run_id":          run.ID,
			"source":          string(run.Source),
			"status":          string(run.Status),
			"actions_failed":  run.ActionsFailed,
			"duration_ms":     run.DurationMS,
		})
	}

	e.logger.Info("automation fired",
		"automation_id", a.ID,
		"run_id", run.ID,
		"source", run.Source,
		"status", run.Status,
		"succeeded", run.ActionsSucceeded,
		"failed", run.ActionsFailed,
		"duration_ms", run.DurationMS,
	)
}
