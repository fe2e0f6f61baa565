package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []any{"miner"}, body["agents"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"player": body["player"],
			"mode":   "selective",
			"agents": []string{"miner"},
			"results": map[string]any{
				"miner": map[string]any{"agent": "miner", "actions": []any{map[string]any{"item": "Gold"}}},
			},
		})
	})
	mux.HandleFunc("GET /api/v1/memories", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "run,ok", r.URL.Query().Get("tag"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entries": []map[string]any{{
				"id": "0123456789abcdef", "topic": "player:Alice", "agent": "miner",
				"content": "mined gold", "datetime": "2024-05-01T10:00:00Z", "tags": []string{"run", "ok"},
			}},
			"count": 1,
		})
	})
	mux.HandleFunc("POST /mcp/context", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown agent", "agent": "dragon", "code": "AGENT_UNKNOWN"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunPrintsReportTable(t *testing.T) {
	srv := fakeServer(t)
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"agentctl", "--server", srv.URL, "run", "--player", "Alice", "--agent", "miner"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "miner")
	assert.Contains(t, out.String(), "Gold")
}

func TestMemoriesPrintsTable(t *testing.T) {
	srv := fakeServer(t)
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"agentctl", "--server", srv.URL, "memories", "--tag", "run,ok"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "player:Alice")
	assert.Contains(t, out.String(), "01234567")
}

func TestDispatchFailureReturnsError(t *testing.T) {
	srv := fakeServer(t)
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"agentctl", "--server", srv.URL, "dispatch", "--agent", "dragon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AGENT_UNKNOWN")
}
