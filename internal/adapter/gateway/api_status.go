package gateway

import (
	"net/http"
	"time"

	"orchestra-ai/internal/usecase/multiagent"
	"orchestra-ai/internal/usecase/scheduling"
)

// Version is reported by the status endpoint. Overridden at build time.
var Version = "dev"

// StatusResponse is the JSON body returned by GET /agents/status.
type StatusResponse struct {
	multiagent.EngineStatus
	Scheduler     []scheduling.EntryStatus `json:"scheduler,omitempty"`
	Version       string                   `json:"version"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
}

func buildStatus(deps HandlerDeps) StatusResponse {
	resp := StatusResponse{
		EngineStatus: deps.Dispatcher.Status(),
		Version:      Version,
	}
	if !deps.StartedAt.IsZero() {
		resp.UptimeSeconds = int64(time.Since(deps.StartedAt).Seconds())
	}
	if deps.Scheduler != nil {
		resp.Scheduler = deps.Scheduler.Entries()
	}
	return resp
}

// statusHandler returns an HTTP handler for GET /agents/status.
func statusHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, buildStatus(deps))
	}
}

// healthHandler answers liveness probes.
func healthHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"agents": deps.Dispatcher.Registry().Len(),
		})
	}
}
