//go:build integration

package mqtt_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homedash-core/internal/automation"
	"github.com/nerrad567/homedash-core/internal/infrastructure/config"
	"github.com/nerrad567/homedash-core/internal/infrastructure/mqtt"
)

// Integration tests against a broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -count=1 -v ./internal/infrastructure/mqtt/...

func integrationConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func connect(t *testing.T, clientID string) *mqtt.Client {
	t.Helper()
	client, err := mqtt.Connect(integrationConfig(clientID))
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

type message struct {
	topic   string
	payload []byte
}

// collect subscribes to filter and forwards every delivery.
func collect(t *testing.T, client *mqtt.Client, filter string) <-chan message {
	t.Helper()
	ch := make(chan message, 16)
	if err := client.Subscribe(filter, 1, func(topic string, payload []byte) error {
		ch <- message{topic: topic, payload: payload}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe(%s) error = %v", filter, err)
	}
	// Give the broker time to register the subscription.
	time.Sleep(100 * time.Millisecond)
	return ch
}

func receive(t *testing.T, ch <-chan message) message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return message{}
	}
}

// ─── Local device commands ──────────────────────────────────────────

func TestIntegration_DeviceCommandReachesBridge(t *testing.T) {
	bridge := connect(t, "homedash-int-bridge")
	core := connect(t, "homedash-int-core")
	commands := collect(t, bridge, mqtt.Topics{}.AllDeviceCommands())

	ctrl := automation.NewMQTTDeviceController(core)
	err := ctrl.Command(context.Background(), "switch.garage_fan", "turn_on", map[string]any{"speed": "high"})
	if err != nil {
		t.Fatalf("Command() error = %v", err)
	}

	m := receive(t, commands)
	if m.topic != "homedash/command/switch.garage_fan" {
		t.Errorf("topic = %q", m.topic)
	}
	var cmd struct {
		ID         string         `json:"id"`
		EntityID   string         `json:"entity_id"`
		Service    string         `json:"service"`
		Parameters map[string]any `json:"parameters"`
		Source     string         `json:"source"`
	}
	if err := json.Unmarshal(m.payload, &cmd); err != nil {
		t.Fatalf("command payload %q: %v", m.payload, err)
	}
	if cmd.ID == "" || cmd.EntityID != "switch.garage_fan" || cmd.Service != "turn_on" || cmd.Source != "automation" {
		t.Errorf("command = %+v", cmd)
	}
	if cmd.Parameters["speed"] != "high" {
		t.Errorf("parameters = %v", cmd.Parameters)
	}
}

// ─── Trigger topics ─────────────────────────────────────────────────

func TestIntegration_WildcardTriggerTopic(t *testing.T) {
	sub := connect(t, "homedash-int-wildcard-sub")
	pub := connect(t, "homedash-int-wildcard-pub")

	const filter = "homedash-int/+/door"
	got := collect(t, sub, filter)
	if !sub.HasSubscription(filter) {
		t.Fatalf("HasSubscription(%s) = false", filter)
	}

	if err := pub.Publish("homedash-int/garage/door", []byte("open"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	m := receive(t, got)
	if m.topic != "homedash-int/garage/door" || string(m.payload) != "open" {
		t.Errorf("message = %s %q", m.topic, m.payload)
	}
	if !mqtt.Matches(filter, m.topic) {
		t.Errorf("Matches(%s, %s) = false for a delivered message", filter, m.topic)
	}

	if err := sub.Unsubscribe(filter); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if sub.HasSubscription(filter) {
		t.Error("subscription tracked after Unsubscribe")
	}
}

func TestIntegration_ZWaveNodeTopic(t *testing.T) {
	sub := connect(t, "homedash-int-zwave-sub")
	pub := connect(t, "homedash-int-zwave-pub")

	const prefix = "zwave-int"
	got := collect(t, sub, prefix+"/#")

	topic := mqtt.Topics{}.ZWaveNode(prefix, "binary_sensor.hall_motion")
	if err := pub.Publish(topic, []byte(`{"state": "on"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	m := receive(t, got)
	entityID, ok := mqtt.Topics{}.ZWaveEntity(prefix, m.topic)
	if !ok || entityID != "binary_sensor.hall_motion" {
		t.Errorf("ZWaveEntity(%s) = %q, %v", m.topic, entityID, ok)
	}
}

// ─── Engine over a live broker ──────────────────────────────────────

// staticStore serves a fixed automation list and records runs.
type staticStore struct {
	automations []automation.Automation
	runs        chan automation.Run
}

func (s *staticStore) ListAutomations(context.Context, automation.ListFilter) ([]automation.Automation, error) {
	return s.automations, nil
}

func (s *staticStore) CreateRun(_ context.Context, run *automation.Run) error {
	s.runs <- *run
	return nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	actions []automation.Action
}

func (d *recordingDispatcher) Dispatch(_ context.Context, a automation.Action) automation.DispatchResult {
	d.mu.Lock()
	d.actions = append(d.actions, a)
	d.mu.Unlock()
	return automation.DispatchResult{Success: true}
}

func TestIntegration_EngineFiresOnBrokerMessage(t *testing.T) {
	core := connect(t, "homedash-int-engine")
	pub := connect(t, "homedash-int-engine-pub")
	announcements := collect(t, pub, "homedash/automation/+/fired")

	payload := "away"
	store := &staticStore{
		automations: []automation.Automation{{
			ID:      501,
			Name:    "Away mode",
			Enabled: true,
			Triggers: []automation.Trigger{{
				ID: 1, AutomationID: 501,
				Spec: automation.MQTTSpec{Topic: "homedash-int/+/mode", Payload: &payload},
			}},
			Actions: []automation.Action{{
				ID: 1, AutomationID: 501,
				Spec: automation.SceneAction{SceneID: "away"},
			}},
		}},
		runs: make(chan automation.Run, 4),
	}
	dispatcher := &recordingDispatcher{}

	engine := automation.NewEngine(store, dispatcher, automation.EngineOptions{QoS: 1, DisableClock: true}, nil)
	engine.SetSubscriber(core)
	engine.SetMQTT(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx) //nolint:errcheck // Run only fails when loading does

	deadline := time.Now().Add(5 * time.Second)
	for !core.HasSubscription("homedash-int/+/mode") {
		if time.Now().After(deadline) {
			t.Fatal("engine did not subscribe to the trigger topic")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := pub.Publish("homedash-int/house/mode", []byte("home"), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := pub.Publish("homedash-int/house/mode", []byte(payload), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case run := <-store.runs:
		if run.AutomationID != 501 || run.Status != automation.RunCompleted {
			t.Errorf("run = %+v", run)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a run")
	}

	m := receive(t, announcements)
	if want := (mqtt.Topics{}).AutomationFired("501"); m.topic != want {
		t.Errorf("announcement topic = %q", m.topic)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.actions) != 1 {
		t.Errorf("dispatched %d actions, want 1", len(dispatcher.actions))
	}
}
