package automation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/database"
	"github.com/nerrad567/homedash-core/migrations"
)

// ─── Storage ────────────────────────────────────────────────────────────────

// setupStore returns a store over an in-memory database with the
// production schema.
func setupStore(t *testing.T) *SQLiteStore {
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
	return NewSQLiteStore(db.DB)
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }

// ─── Mock Dependencies ──────────────────────────────────────────────────────

// mockMQTT captures all published messages.
type mockMQTT struct {
	messages []mqttMessage
	mu       sync.Mutex
	failOn   string // Topic to fail on (for error testing)
}

type mqttMessage struct {
	Topic    string
	Payload  map[string]any
	QoS      byte
	Retained bool
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failOn != "" && topic == m.failOn {
		return errors.New("MQTT publish failed")
	}

	var parsed map[string]any
	_ = json.Unmarshal(payload, &parsed)

	m.messages = append(m.messages, mqttMessage{Topic: topic, Payload: parsed, QoS: qos, Retained: retained})
	return nil
}

func (m *mockMQTT) getMessages() []mqttMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]mqttMessage, len(m.messages))
	copy(cpy, m.messages)
	return cpy
}

// mockWSHub captures all broadcasts.
type mockWSHub struct {
	broadcasts []wsBroadcast
	mu         sync.Mutex
}

type wsBroadcast struct {
	Channel string
	Payload any
}

func (m *mockWSHub) Broadcast(channel string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcasts = append(m.broadcasts, wsBroadcast{Channel: channel, Payload: payload})
}

func (m *mockWSHub) getBroadcasts() []wsBroadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]wsBroadcast, len(m.broadcasts))
	copy(cpy, m.broadcasts)
	return cpy
}

// serviceCall is one recorded backend call.
type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// mockBackend records service calls and fails with err when set.
type mockBackend struct {
	mu    sync.Mutex
	calls []serviceCall
	err   error
	delay time.Duration
}

func (m *mockBackend) CallService(ctx context.Context, domain, service string, data map[string]any) (*homeassistant.ServiceResult, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, serviceCall{Domain: domain, Service: service, Data: data})
	if m.err != nil {
		return nil, m.err
	}
	return &homeassistant.ServiceResult{}, nil
}

func (m *mockBackend) getCalls() []serviceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]serviceCall, len(m.calls))
	copy(cpy, m.calls)
	return cpy
}

// mockStates serves entity state from a map.
type mockStates struct {
	mu     sync.RWMutex
	states map[string]*homeassistant.State
	err    error
}

func newMockStates() *mockStates {
	return &mockStates{states: make(map[string]*homeassistant.State)}
}

func (m *mockStates) set(entityID, state string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[entityID] = &homeassistant.State{EntityID: entityID, State: state, Attributes: attrs}
}

func (m *mockStates) GetState(_ context.Context, entityID string) (*homeassistant.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	st, ok := m.states[entityID]
	if !ok {
		return nil, &homeassistant.Error{Kind: homeassistant.KindNotFound, Status: 404, Message: "Entity not found."}
	}
	return st, nil
}

// mockSubscriber records subscriptions and lets tests deliver messages.
type mockSubscriber struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte) error
	unsubs   []string
}

func newMockSubscriber() *mockSubscriber {
	return &mockSubscriber{handlers: make(map[string]func(string, []byte) error)}
}

func (m *mockSubscriber) Subscribe(topic string, _ byte, handler func(string, []byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockSubscriber) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubs = append(m.unsubs, topic)
	return nil
}

func (m *mockSubscriber) deliver(filter, topic, payload string) error {
	m.mu.Lock()
	h, ok := m.handlers[filter]
	m.mu.Unlock()
	if !ok {
		return errors.New("no subscription for " + filter)
	}
	return h(topic, []byte(payload))
}

func (m *mockSubscriber) has(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// recordingObserver captures Apply and Remove calls.
type recordingObserver struct {
	mu      sync.Mutex
	applied []*Automation
	removed []int64
}

func (o *recordingObserver) Apply(_ context.Context, a *Automation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, a)
}

func (o *recordingObserver) Remove(_ context.Context, id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, id)
}

func (o *recordingObserver) last() *Automation {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.applied) == 0 {
		return nil
	}
	return o.applied[len(o.applied)-1]
}

// auditEntry is one recorded audit call.
type auditEntry struct {
	Action     string
	EntityType string
	EntityID   string
	Details    map[string]any
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []auditEntry
}

func (a *recordingAudit) Record(_ context.Context, action, entityType, entityID string, details map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, auditEntry{action, entityType, entityID, details})
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.Action + " " + e.EntityType
	}
	return out
}

// memoryEngineStore serves a fixed automation list and reports each
// recorded run on a channel.
type memoryEngineStore struct {
	mu          sync.Mutex
	automations []Automation
	runs        []Run
	recorded    chan Run
}

func newMemoryEngineStore(automations ...Automation) *memoryEngineStore {
	return &memoryEngineStore{automations: automations, recorded: make(chan Run, 64)}
}

func (s *memoryEngineStore) ListAutomations(context.Context, ListFilter) ([]Automation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Automation, len(s.automations))
	for i := range s.automations {
		out[i] = *s.automations[i].DeepCopy()
	}
	return out, nil
}

func (s *memoryEngineStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	s.runs = append(s.runs, *run)
	s.mu.Unlock()
	s.recorded <- *run
	return nil
}

// waitRun returns the next recorded run or fails the test.
func (s *memoryEngineStore) waitRun(t *testing.T) Run {
	t.Helper()
	select {
	case run := <-s.recorded:
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a run")
		return Run{}
	}
}

// expectNoRun fails if a run is recorded within d.
func (s *memoryEngineStore) expectNoRun(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case run := <-s.recorded:
		t.Fatalf("unexpected run %+v", run)
	case <-time.After(d):
	}
}

// mockPoints records written points.
type mockPoints struct {
	mu     sync.Mutex
	points []point
}

type point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
}

func (m *mockPoints) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, _ time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, point{measurement, tags, fields})
}

func (m *mockPoints) getPoints() []point {
	m.mu.Lock()
	defer m.mu.Unlock()
	cpy := make([]point, len(m.points))
	copy(cpy, m.points)
	return cpy
}
