package gateway

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"lia-terminal/internal/usecase/eventbus"
	"lia-terminal/internal/usecase/scheduling"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service     ServiceStatus           `json:"service"`
	Tabs        TabStatus               `json:"tabs"`
	Commands    CommandStatus           `json:"commands"`
	Connections int64                   `json:"connections"`
	Events      *eventbus.Stats         `json:"events,omitempty"`
	History     HistoryStatus           `json:"history"`
	Tasks       []scheduling.TaskStatus `json:"tasks,omitempty"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TabStatus holds tab counts.
type TabStatus struct {
	Open        int   `json:"open"`
	OpenedTotal int64 `json:"opened_total"`
}

// CommandStatus holds command execution stats.
type CommandStatus struct {
	Total            int64 `json:"total"`
	ErrorsTotal      int64 `json:"errors_total"`
	DirectoryChanges int64 `json:"directory_changes"`
}

// HistoryStatus reports the persistent history store.
type HistoryStatus struct {
	Enabled bool   `json:"enabled"`
	Breaker string `json:"breaker,omitempty"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	CommandsTotal         atomic.Int64
	CommandErrorsTotal    atomic.Int64
	DirectoryChangesTotal atomic.Int64
	TabsOpenedTotal       atomic.Int64
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "lia-terminal",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Tabs: TabStatus{
				OpenedTotal: metrics.TabsOpenedTotal.Load(),
			},
			Commands: CommandStatus{
				Total:            metrics.CommandsTotal.Load(),
				ErrorsTotal:      metrics.CommandErrorsTotal.Load(),
				DirectoryChanges: metrics.DirectoryChangesTotal.Load(),
			},
			Connections: s.Connections(),
		}
		if deps.Tabs != nil {
			resp.Tabs.Open = deps.Tabs.Len()
		}
		if deps.Events != nil {
			stats := deps.Events.Stats()
			resp.Events = &stats
		}
		if deps.History != nil {
			resp.History = HistoryStatus{Enabled: true, Breaker: deps.History.State().String()}
		}
		if deps.Scheduler != nil {
			resp.Tasks = deps.Scheduler.Tasks()
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
