package automation

import (
	"sort"
	"sync"
)

// Logger defines the logging interface used by the repository, dispatcher,
// and engine. This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// registry is the engine's table of live machines, keyed by automation ID.
// It also reference-counts the MQTT topics those automations listen on, so
// a broker subscription is made once however many automations share it.
//
// All methods are thread-safe.
type registry struct {
	mu       sync.RWMutex
	machines map[int64]*machine
	bindings map[int64][]string // automation ID -> its topics
	topics   map[string]int     // topic -> number of automations bound
}

func newRegistry() *registry {
	return &registry{
		machines: make(map[int64]*machine),
		bindings: make(map[int64][]string),
		topics:   make(map[string]int),
	}
}

// get returns the machine for id.
func (r *registry) get(id int64) (*machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[id]
	return m, ok
}

// getOrAdd returns the machine for id, or stores m and reports added.
func (r *registry) getOrAdd(id int64, m *machine) (existing *machine, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.machines[id]; ok {
		return cur, false
	}
	r.machines[id] = m
	return m, true
}

// remove deletes the machine for id and returns it with the topics that no
// automation listens on any more.
func (r *registry) remove(id int64) (*machine, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.machines[id]
	delete(r.machines, id)
	_, released := r.rebind(id, nil)
	return m, released
}

// bind records the topics automation id listens on. It returns the topics
// gaining their first listener and those losing their last.
func (r *registry) bind(id int64, topics []string) (acquired, released []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebind(id, topics)
}

func (r *registry) rebind(id int64, topics []string) (acquired, released []string) {
	for _, t := range r.bindings[id] {
		r.topics[t]--
		if r.topics[t] == 0 {
			delete(r.topics, t)
			released = append(released, t)
		}
	}
	if len(topics) == 0 {
		delete(r.bindings, id)
	} else {
		r.bindings[id] = topics
	}
	for _, t := range topics {
		r.topics[t]++
		if r.topics[t] == 1 {
			acquired = append(acquired, t)
		}
	}
	// A topic kept across the rebind was both released and acquired.
	return subtract(acquired, released), subtract(released, acquired)
}

// snapshot returns the live machines ordered by automation ID.
func (r *registry) snapshot() []*machine {
	r.mu.RLock()
	out := make([]*machine, 0, len(r.machines))
	for _, m := range r.machines {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// count returns the number of live machines.
func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}

// subscribedTopics returns every topic with at least one listener, sorted.
func (r *registry) subscribedTopics() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.topics))
	for t := range r.topics {
		out = append(out, t)
	}
	r.mu.RUnlock()

	sort.Strings(out)
	return out
}

func subtract(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return a
	}
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := drop[s]; !ok {
			out = append(out, s)
		}
	}
	return out
}

// topicsOf returns the distinct MQTT topics an automation's triggers and
// conditions listen on, in first-seen order.
func topicsOf(a *Automation) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(spec TriggerSpec) {
		s, ok := spec.(MQTTSpec)
		if !ok {
			return
		}
		if _, dup := seen[s.Topic]; dup {
			return
		}
		seen[s.Topic] = struct{}{}
		out = append(out, s.Topic)
	}
	for _, t := range a.Triggers {
		add(t.Spec)
	}
	for _, c := range a.Conditions {
		add(c.Spec)
	}
	return out
}
