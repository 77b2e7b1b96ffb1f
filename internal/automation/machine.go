package automation

import (
	"sync"
	"time"
)

// MachineState is where an automation is in its evaluation lifecycle.
type MachineState string

const (
	// StateDisabled ignores every event.
	StateDisabled MachineState = "disabled"
	// StateArmed waits for a matching trigger.
	StateArmed MachineState = "armed"
	// StateFiring is running conditions and actions.
	StateFiring MachineState = "firing"
)

// Backpressure policies for a match that arrives while the automation is
// already firing.
const (
	PolicyCoalesce = "coalesce" // keep only the latest pending firing
	PolicyDrop     = "drop"     // discard the new firing
	PolicyQueue    = "queue"    // keep up to the queue limit, in order
)

// firing is one request to run an automation.
type firing struct {
	source    RunSource
	triggerID *int64
	event     BackendEvent
}

// MachineStatus is a point-in-time view of one machine.
type MachineStatus struct {
	AutomationID int64        `json:"automationId"`
	State        MachineState `json:"state"`
	Pending      int          `json:"pending"`
	Runs         int64        `json:"runs"`
	Dropped      int64        `json:"dropped"`
	LastRunAt    *time.Time   `json:"lastRunAt,omitempty"`
	LastStatus   RunStatus    `json:"lastStatus,omitempty"`
}

// machine serialises the firings of one automation. Its worker goroutine
// runs one firing at a time; different automations run independently.
type machine struct {
	id     int64
	policy string
	limit  int

	mu         sync.Mutex
	automation *Automation
	busy       bool
	pending    []firing
	runs       int64
	dropped    int64
	lastRunAt  time.Time
	lastStatus RunStatus

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newMachine(a *Automation, policy string, limit int) *machine {
	if limit < 1 {
		limit = 1
	}
	return &machine{
		id:         a.ID,
		policy:     policy,
		limit:      limit,
		automation: a,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}
}

// update swaps in a new definition. Disabling discards pending firings; a
// firing already running finishes.
func (m *machine) update(a *Automation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.automation = a
	if !a.Enabled {
		m.pending = nil
	}
}

// offer hands f to the machine under its backpressure policy. It reports
// whether f will run (possibly in place of an earlier pending firing).
func (m *machine) offer(f firing) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.automation.Enabled {
		return false
	}
	if !m.busy && len(m.pending) == 0 {
		m.pending = append(m.pending, f)
		m.signal()
		return true
	}

	switch m.policy {
	case PolicyDrop:
		m.dropped++
		return false
	case PolicyQueue:
		if len(m.pending) >= m.limit {
			m.dropped++
			return false
		}
		m.pending = append(m.pending, f)
	default:
		if len(m.pending) > 0 {
			m.dropped++ // the replaced firing
		}
		m.pending = []firing{f}
	}
	m.signal()
	return true
}

func (m *machine) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next takes the oldest pending firing and marks the machine busy.
func (m *machine) next() (firing, *Automation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 || !m.automation.Enabled {
		m.pending = nil
		return firing{}, nil, false
	}
	f := m.pending[0]
	m.pending = m.pending[1:]
	m.busy = true
	return f, m.automation, true
}

// done records a finished run and clears the busy flag.
func (m *machine) done(run *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy = false
	if run != nil {
		m.runs++
		m.lastRunAt = run.TriggeredAt
		m.lastStatus = run.Status
	}
}

func (m *machine) stop() {
	m.once.Do(func() { close(m.quit) })
}

func (m *machine) status() MachineStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := MachineStatus{
		AutomationID: m.id,
		State:        m.stateLocked(),
		Pending:      len(m.pending),
		Runs:         m.runs,
		Dropped:      m.dropped,
		LastStatus:   m.lastStatus,
	}
	if !m.lastRunAt.IsZero() {
		t := m.lastRunAt
		st.LastRunAt = &t
	}
	return st
}

func (m *machine) stateLocked() MachineState {
	switch {
	case m.busy:
		return StateFiring
	case !m.automation.Enabled:
		return StateDisabled
	default:
		return StateArmed
	}
}

// definition returns the current automation. Callers must not modify it.
func (m *machine) definition() *Automation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.automation
}
