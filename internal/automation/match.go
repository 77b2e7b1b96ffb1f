package automation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/homedash-core/internal/homeassistant"
	"github.com/nerrad567/homedash-core/internal/infrastructure/mqtt"
)

// EventKind names the source of a BackendEvent.
type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventMQTT         EventKind = "mqtt"
	EventZWave        EventKind = "zwave"
	EventTick         EventKind = "tick"
)

// BackendEvent is one input to the engine. Which fields are set depends on
// Kind: entity events carry EntityID, State and Attributes; MQTT events
// carry Topic and Payload; ticks carry only Time.
type BackendEvent struct {
	Kind       EventKind
	EntityID   string
	State      string
	Attributes map[string]any
	Topic      string
	Payload    string
	Time       time.Time
}

// matcher decides whether triggers fire and conditions hold.
type matcher struct {
	loc      *time.Location
	solar    SolarClock
	states   StateReader
	payloads *payloadCache
}

// matches reports whether ev fires a trigger with spec.
func (m *matcher) matches(spec TriggerSpec, ev BackendEvent) bool {
	switch s := spec.(type) {
	case EntityStateSpec:
		return ev.Kind == EventStateChanged && ev.EntityID == s.EntityID &&
			stateMatches(s.Attribute, s.State, eventState(ev))
	case ZWaveSpec:
		return (ev.Kind == EventZWave || ev.Kind == EventStateChanged) && ev.EntityID == s.EntityID &&
			stateMatches(s.Attribute, s.State, eventState(ev))
	case TimeSpec:
		return ev.Kind == EventTick && ev.Time.In(m.loc).Format(clockLayout) == s.At
	case SolarSpec:
		return ev.Kind == EventTick && m.solar.Matches(s, ev.Time)
	case MQTTSpec:
		return ev.Kind == EventMQTT && mqtt.Matches(s.Topic, ev.Topic) &&
			(s.Payload == nil || *s.Payload == ev.Payload)
	default:
		return false
	}
}

const clockLayout = "15:04"

// holds evaluates one condition against current state. A lookup failure
// is returned so the caller can log it; it never counts as holding.
func (m *matcher) holds(ctx context.Context, spec TriggerSpec, now time.Time) (bool, error) {
	switch s := spec.(type) {
	case EntityStateSpec:
		return m.entityHolds(ctx, s.EntityID, s.Attribute, s.State)
	case ZWaveSpec:
		return m.entityHolds(ctx, s.EntityID, s.Attribute, s.State)
	case TimeSpec:
		// HH:MM strings are zero padded, so they order lexically.
		return now.In(m.loc).Format(clockLayout) >= s.At, nil
	case SolarSpec:
		return m.solar.Passed(s, now), nil
	case MQTTSpec:
		return m.payloads.holds(s.Topic, s.Payload), nil
	default:
		return false, nil
	}
}

func (m *matcher) entityHolds(ctx context.Context, entityID string, attribute, want *string) (bool, error) {
	if m.states == nil {
		return false, errNoStateReader
	}
	st, err := m.states.GetState(ctx, entityID)
	if err != nil {
		if homeassistant.IsKind(err, homeassistant.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if st == nil {
		return false, nil
	}
	return stateMatches(attribute, want, st), nil
}

func eventState(ev BackendEvent) *homeassistant.State {
	return &homeassistant.State{EntityID: ev.EntityID, State: ev.State, Attributes: ev.Attributes}
}

// stateMatches compares want with the attribute named attribute, or with
// the state itself when attribute is nil. A nil want matches anything.
func stateMatches(attribute, want *string, st *homeassistant.State) bool {
	if want == nil {
		return true
	}
	if attribute != nil {
		v, ok := st.Attribute(*attribute)
		return ok && v == *want
	}
	return st.State == *want
}

// payloadCache remembers the last payload seen on each MQTT topic.
type payloadCache struct {
	mu     sync.RWMutex
	topics map[string]string
}

func newPayloadCache() *payloadCache {
	return &payloadCache{topics: make(map[string]string)}
}

func (c *payloadCache) store(topic, payload string) {
	c.mu.Lock()
	c.topics[topic] = payload
	c.mu.Unlock()
}

func (c *payloadCache) last(topic string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.topics[topic]
	return p, ok
}

// holds reports whether a topic matching filter last carried want. A nil
// want holds once any matching topic has been seen. Wildcard filters are
// checked against every cached topic.
func (c *payloadCache) holds(filter string, want *string) bool {
	if last, ok := c.last(filter); ok && (want == nil || *want == last) {
		return true
	}
	if !strings.ContainsAny(filter, "+#") {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic, last := range c.topics {
		if mqtt.Matches(filter, topic) && (want == nil || *want == last) {
			return true
		}
	}
	return false
}
