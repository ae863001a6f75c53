package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/journal"
	"github.com/rickgao/structlink/internal/retry"
	"github.com/rickgao/structlink/internal/router"
)

type fakeStats struct {
	stats connection.ManagerStats
}

func (f fakeStats) Stats() connection.ManagerStats { return f.stats }

type fakeJournal struct{}

func (fakeJournal) Stats() journal.Stats { return journal.Stats{Received: 7, Inserts: 6, Conflicts: 1} }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		state      connection.State
		rec        journalStats
		wantCode   int
		wantStatus string
	}{
		{"authenticated", connection.StateAuthenticated, nil, http.StatusOK, "healthy"},
		{"awaiting auth", connection.StateAwaitingAuth, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"closed with journal", connection.StateClosed, fakeJournal{}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := fakeStats{stats: connection.ManagerStats{
				State:           tt.state,
				ConnID:          "c-1",
				Connected:       tt.state != connection.StateClosed,
				PendingRequests: 2,
				RetryEnabled:    true,
				Retry:           retry.Stats{Queued: 3, Deferred: 4},
				Router:          router.Stats{MessagesReceived: 10, UnknownMessages: 1},
			}}
			h := newHealthHandler("/health", src, tt.rec)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var report healthReport
			if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", report.Status, tt.wantStatus)
			}
			if report.Connection.State != tt.state.String() || report.Connection.Pending != 2 ||
				report.Connection.Connected != (tt.state != connection.StateClosed) {
				t.Errorf("connection = %+v", report.Connection)
			}
			if !report.Retry.Enabled || report.Retry.Queued != 3 {
				t.Errorf("retry = %+v", report.Retry)
			}
			if report.Events.Unknown != 1 {
				t.Errorf("events = %+v", report.Events)
			}
			if (tt.rec != nil) != (report.Journal != nil) {
				t.Errorf("journal = %+v", report.Journal)
			}
			if report.Journal != nil && report.Journal.Received != 7 {
				t.Errorf("journal.received = %d, want 7", report.Journal.Received)
			}
		})
	}
}

func TestHealthHandler_UnknownPath(t *testing.T) {
	h := newHealthHandler("/health", fakeStats{}, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}
