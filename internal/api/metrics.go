package api

import (
	"database/sql"
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/homedash-core/internal/automation"
)

// ConnectionReporter is a client that knows whether it is connected.
type ConnectionReporter interface {
	IsConnected() bool
}

// DBStatsProvider exposes connection pool statistics. [database.DB] satisfies it.
type DBStatsProvider interface {
	Stats() sql.DBStats
}

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	Automations   AutomationMetrics `json:"automations"`
	Connections   map[string]bool   `json:"connections,omitempty"`
	Database      *DatabaseMetrics  `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// AutomationMetrics summarises the evaluator's machines.
type AutomationMetrics struct {
	Machines int            `json:"machines"`
	ByState  map[string]int `json:"by_state"`
	Pending  int            `json:"pending"`
	Runs     int64          `json:"runs"`
	Dropped  int64          `json:"dropped"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns process and evaluator metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Automations: summarise(s.engine.Statuses()),
	}
	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}

	if len(s.connections) > 0 {
		metrics.Connections = make(map[string]bool, len(s.connections))
		for name, c := range s.connections {
			metrics.Connections[name] = c.IsConnected()
		}
	}

	if s.dbStats != nil {
		st := s.dbStats.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: st.OpenConnections,
			InUse:           st.InUse,
			Idle:            st.Idle,
			WaitCount:       st.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func summarise(statuses []automation.MachineStatus) AutomationMetrics {
	m := AutomationMetrics{
		Machines: len(statuses),
		ByState: map[string]int{
			string(automation.StateDisabled): 0,
			string(automation.StateArmed):    0,
			string(automation.StateFiring):   0,
		},
	}
	for _, st := range statuses {
		m.ByState[string(st.State)]++
		m.Pending += st.Pending
		m.Runs += st.Runs
		m.Dropped += st.Dropped
	}
	return m
}
