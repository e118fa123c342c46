package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dabla/taskrunner/internal/model"
)

func getStats(t *testing.T, srv *Server) statsResponse {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return stats
}

func TestGetStatsEmpty(t *testing.T) {
	stats := getStats(t, newTestServer(t))

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	for range 3 {
		seedTaskInstance(t, srv, model.StateSuccess)
	}
	seedTaskInstance(t, srv, model.StateFailed)
	seedTaskInstance(t, srv, model.StateQueued)

	stats := getStats(t, srv)

	if stats.Total != 5 {
		t.Errorf("total = %d, want 5", stats.Total)
	}
	if stats.ByState["success"] != 3 {
		t.Errorf("by_state[success] = %d, want 3", stats.ByState["success"])
	}
	if stats.ByState["failed"] != 1 {
		t.Errorf("by_state[failed] = %d, want 1", stats.ByState["failed"])
	}
	if stats.ByState["queued"] != 1 {
		t.Errorf("by_state[queued] = %d, want 1", stats.ByState["queued"])
	}
	if stats.ByDag["greet"] != 5 {
		t.Errorf("by_dag[greet] = %d, want 5", stats.ByDag["greet"])
	}
}
