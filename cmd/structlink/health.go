package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/journal"
	"github.com/rickgao/structlink/internal/version"
)

type statsSource interface {
	Stats() connection.ManagerStats
}

type journalStats interface {
	Stats() journal.Stats
}

type healthReport struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Connection connectionInfo `json:"connection"`
	Retry      retryInfo      `json:"retry"`
	Events     eventsInfo     `json:"events"`
	Journal    *journal.Stats `json:"journal,omitempty"`
}

type connectionInfo struct {
	State     string `json:"state"`
	ConnID    string `json:"conn_id,omitempty"`
	Connected bool   `json:"connected"`
	Pending   int    `json:"pending_requests"`
	Logins    int64  `json:"logins"`
}

type retryInfo struct {
	Enabled     bool  `json:"enabled"`
	Queued      int   `json:"queued"`
	Deferred    int64 `json:"deferred"`
	Resubmitted int64 `json:"resubmitted"`
	Failed      int64 `json:"failed"`
}

type eventsInfo struct {
	Received    int64 `json:"received"`
	Routed      int64 `json:"routed"`
	Unknown     int64 `json:"unknown"`
	ParseErrors int64 `json:"parse_errors"`
}

// newHealthHandler serves a JSON status report at path. It answers 503
// unless the connection is authenticated.
func newHealthHandler(path string, mgr statsSource, rec journalStats) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		report := healthReport{
			Status:  "healthy",
			Version: version.Version,
			Connection: connectionInfo{
				State:     stats.State.String(),
				ConnID:    stats.ConnID,
				Connected: stats.Connected,
				Pending:   stats.PendingRequests,
				Logins:    stats.Logins,
			},
			Retry: retryInfo{
				Enabled:     stats.RetryEnabled,
				Queued:      stats.Retry.Queued,
				Deferred:    stats.Retry.Deferred,
				Resubmitted: stats.Retry.Resubmitted,
				Failed:      stats.Retry.Failed,
			},
			Events: eventsInfo{
				Received:    stats.Router.MessagesReceived,
				Routed:      stats.Router.MessagesRouted,
				Unknown:     stats.Router.UnknownMessages,
				ParseErrors: stats.Router.ParseErrors,
			},
		}
		if rec != nil {
			js := rec.Stats()
			report.Journal = &js
		}

		w.Header().Set("Content-Type", "application/json")
		if stats.State != connection.StateAuthenticated {
			report.Status = "unhealthy"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(report)
	})

	return mux
}
