package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/sony/gobreaker/v2"
)

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// Tab metrics.
		open := 0
		if deps.Tabs != nil {
			open = deps.Tabs.Len()
		}
		fmt.Fprintf(w, "# HELP liaterm_tabs_open Number of open terminal tabs.\n")
		fmt.Fprintf(w, "# TYPE liaterm_tabs_open gauge\n")
		fmt.Fprintf(w, "liaterm_tabs_open %d\n", open)

		fmt.Fprintf(w, "# HELP liaterm_tabs_opened_total Total tabs opened.\n")
		fmt.Fprintf(w, "# TYPE liaterm_tabs_opened_total counter\n")
		fmt.Fprintf(w, "liaterm_tabs_opened_total %d\n", metrics.TabsOpenedTotal.Load())

		// Command metrics.
		fmt.Fprintf(w, "# HELP liaterm_commands_total Total commands executed.\n")
		fmt.Fprintf(w, "# TYPE liaterm_commands_total counter\n")
		fmt.Fprintf(w, "liaterm_commands_total %d\n", metrics.CommandsTotal.Load())

		fmt.Fprintf(w, "# HELP liaterm_command_errors_total Commands that could not be run or timed out.\n")
		fmt.Fprintf(w, "# TYPE liaterm_command_errors_total counter\n")
		fmt.Fprintf(w, "liaterm_command_errors_total %d\n", metrics.CommandErrorsTotal.Load())

		fmt.Fprintf(w, "# HELP liaterm_directory_changes_total Successful directory changes.\n")
		fmt.Fprintf(w, "# TYPE liaterm_directory_changes_total counter\n")
		fmt.Fprintf(w, "liaterm_directory_changes_total %d\n", metrics.DirectoryChangesTotal.Load())

		fmt.Fprintf(w, "# HELP liaterm_gateway_connections Connected WebSocket clients.\n")
		fmt.Fprintf(w, "# TYPE liaterm_gateway_connections gauge\n")
		fmt.Fprintf(w, "liaterm_gateway_connections %d\n", s.Connections())

		// Event bus metrics.
		if deps.Events != nil {
			stats := deps.Events.Stats()
			fmt.Fprintf(w, "# HELP liaterm_events_published_total Events published on the bus.\n")
			fmt.Fprintf(w, "# TYPE liaterm_events_published_total counter\n")
			fmt.Fprintf(w, "liaterm_events_published_total %d\n", stats.Published)

			fmt.Fprintf(w, "# HELP liaterm_event_handler_panics_total Recovered event handler panics.\n")
			fmt.Fprintf(w, "# TYPE liaterm_event_handler_panics_total counter\n")
			fmt.Fprintf(w, "liaterm_event_handler_panics_total %d\n", stats.Panics)
		}

		// History breaker state (1 = open).
		if deps.History != nil {
			openState := 0
			if deps.History.State() == gobreaker.StateOpen {
				openState = 1
			}
			fmt.Fprintf(w, "# HELP liaterm_history_breaker_open Whether the history circuit breaker is open.\n")
			fmt.Fprintf(w, "# TYPE liaterm_history_breaker_open gauge\n")
			fmt.Fprintf(w, "liaterm_history_breaker_open %d\n", openState)
		}

		// Uptime.
		fmt.Fprintf(w, "# HELP liaterm_uptime_seconds Seconds since the gateway started.\n")
		fmt.Fprintf(w, "# TYPE liaterm_uptime_seconds gauge\n")
		fmt.Fprintf(w, "liaterm_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		// Go runtime metrics.
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	}
}
