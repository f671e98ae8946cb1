package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"orchestra-ai/internal/usecase/multiagent"
)

// breakerStates maps gobreaker state names to the numeric gauge value.
var breakerStates = map[string]int{"closed": 0, "half-open": 1, "open": 2}

// metricsHandler returns an HTTP handler for GET /metrics in Prometheus text format.
// This uses the lightweight text format to avoid pulling in the full prometheus client.
func metricsHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		writeMetrics(w, deps.Dispatcher.Status(), deps.StartedAt)
	}
}

func writeMetrics(w io.Writer, st multiagent.EngineStatus, startedAt time.Time) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %v\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}

	// Registry and admission.
	gauge("orchestra_agents_registered", "Number of registered agents.", st.Agents)
	gauge("orchestra_admission_capacity", "Maximum concurrent agent invocations.", st.Admission.Capacity)
	gauge("orchestra_admission_in_use", "Invocations currently holding a slot.", st.Admission.InUse)
	gauge("orchestra_admission_waiting", "Invocations waiting for a slot.", st.Admission.Waiting)
	gauge("orchestra_admission_high_water", "Highest observed slot occupancy.", st.Admission.HighWater)
	counter("orchestra_admission_admitted_total", "Invocations admitted to the pool.", st.Admission.Admitted)
	counter("orchestra_admission_rejected_total", "Invocations rejected by the pool.", st.Admission.Rejected)

	// Dispatch counters.
	counter("orchestra_requests_total", "Task requests received.", st.Counters.Requests)
	counter("orchestra_request_errors_total", "Task requests refused before any agent ran.", st.Counters.RequestErrors)
	fmt.Fprintf(w, "# HELP orchestra_invocations_total Agent invocations by terminal status.\n")
	fmt.Fprintf(w, "# TYPE orchestra_invocations_total counter\n")
	fmt.Fprintf(w, "orchestra_invocations_total{status=\"succeeded\"} %d\n", st.Counters.Succeeded)
	fmt.Fprintf(w, "orchestra_invocations_total{status=\"failed\"} %d\n", st.Counters.Failed)
	fmt.Fprintf(w, "orchestra_invocations_total{status=\"timed_out\"} %d\n", st.Counters.TimedOut)
	fmt.Fprintf(w, "orchestra_invocations_total{status=\"rejected\"} %d\n", st.Counters.Rejected)

	// Breakers.
	if len(st.Breakers) > 0 {
		fmt.Fprintf(w, "# HELP orchestra_breaker_state Circuit state per agent (0 closed, 1 half-open, 2 open).\n")
		fmt.Fprintf(w, "# TYPE orchestra_breaker_state gauge\n")
		for _, b := range st.Breakers {
			fmt.Fprintf(w, "orchestra_breaker_state{agent=%q} %d\n", b.AgentID, breakerStates[b.State])
		}
		fmt.Fprintf(w, "# HELP orchestra_breaker_consecutive_failures Consecutive failures per agent.\n")
		fmt.Fprintf(w, "# TYPE orchestra_breaker_consecutive_failures gauge\n")
		for _, b := range st.Breakers {
			fmt.Fprintf(w, "orchestra_breaker_consecutive_failures{agent=%q} %d\n", b.AgentID, b.ConsecutiveFailures)
		}
	}

	gauge("orchestra_history_entries", "Task responses held in history.", st.History)
	if !startedAt.IsZero() {
		gauge("orchestra_uptime_seconds", "Seconds since the engine started.", fmt.Sprintf("%.0f", time.Since(startedAt).Seconds()))
	}

	// Go runtime metrics.
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	gauge("go_goroutines", "Number of goroutines.", runtime.NumGoroutine())
	gauge("go_memstats_alloc_bytes", "Bytes of allocated heap objects.", mem.Alloc)
	gauge("go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", mem.Sys)
	gauge("go_gc_duration_seconds", "Total GC pause duration.", fmt.Sprintf("%f", float64(mem.PauseTotalNs)/1e9))
}
