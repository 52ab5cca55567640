package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/tv2norge/sofie-timeline-state-resolver-sub001/internal/infrastructure/database"
)

// SystemMetrics represents the /system response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	Database      *DBMetrics     `json:"database,omitempty"`
	Devices       DeviceMetrics  `json:"devices"`
}

// DBMetrics describes the report store schema.
type DBMetrics struct {
	Schema *database.MigrationStatus `json:"schema,omitempty"`
	Error  string                    `json:"error,omitempty"`
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

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics summarises device pipelines.
type DeviceMetrics struct {
	Total           int            `json:"total"`
	ByPipeline      map[string]int `json:"by_pipeline"`
	QueuedStates    int            `json:"queued_states"`
	PendingCommands int            `json:"pending_commands"`
	Terminated      int            `json:"terminated"`
}

// handleSystem returns runtime and pipeline statistics as JSON.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Devices: DeviceMetrics{ByPipeline: make(map[string]int)},
	}

	if s.mqtt != nil {
		m.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.db != nil {
		m.Database = &DBMetrics{}
		if status, err := s.db.MigrationStatus(r.Context()); err != nil {
			m.Database.Error = err.Error()
		} else {
			m.Database.Schema = &status
		}
	}

	for _, d := range s.conductor.Devices() {
		m.Devices.Total++
		m.Devices.ByPipeline[d.Pipeline]++
		m.Devices.QueuedStates += len(d.QueuedStates)
		m.Devices.PendingCommands += d.PendingCommands
		if d.Terminated {
			m.Devices.Terminated++
		}
	}

	writeJSON(w, http.StatusOK, m)
}

// handleMetrics serves the Prometheus exposition.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeNotFound(w, "metrics disabled")
		return
	}
	s.metrics.ServeHTTP(w, r)
}
