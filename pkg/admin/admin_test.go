package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-wald/pkg/config"
	"github.com/dd0wney/cluso-wald/pkg/engine"
	"github.com/dd0wney/cluso-wald/pkg/metrics"
)

func startTestServer(t *testing.T, role string) (*httptest.Server, *engine.Engine) {
	t.Helper()

	cfg := config.Default()
	cfg.Node.Role = role
	cfg.Node.DataDir = t.TempDir()
	cfg.WAL.SegmentSize = 4096
	cfg.WAL.FsyncOnAppend = false
	cfg.WAL.RecycleInterval = time.Hour
	cfg.Replication.ListenAddr = "127.0.0.1:0"
	if role == "standby" {
		cfg.Replication.PrimaryAddr = "127.0.0.1:1" // never reachable
		cfg.Replication.SlotName = "standby_test"
	}

	reg := metrics.NewRegistry()
	e := engine.New(cfg, nil, reg)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop() })

	srv := httptest.NewServer(New(e, nil, reg).Handler())
	t.Cleanup(srv.Close)
	return srv, e
}

func TestStatusEndpoint(t *testing.T) {
	srv, e := startTestServer(t, "primary")

	_, err := e.Put(context.Background(), []byte("k"), []byte("v"))
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status engine.NodeStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "primary", status.Role)
	require.NotEqual(t, "0/0", status.LastLSN)
}

func TestCheckpointEndpoint(t *testing.T) {
	srv, e := startTestServer(t, "primary")

	payload := make([]byte, 512)
	for i := 0; i < 30; i++ {
		_, err := e.Put(context.Background(), []byte("key"), payload)
		require.NoError(t, err)
	}

	resp, err := http.Post(srv.URL+"/v1/checkpoint", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result CheckpointResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.NotEqual(t, "0/0", result.RedoLSN)
}

func TestRestorePointEndpoint(t *testing.T) {
	srv, _ := startTestServer(t, "primary")

	body := strings.NewReader(`{"name":"pre-migration"}`)
	resp, err := http.Post(srv.URL+"/v1/restore-point", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result RestorePointResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "pre-migration", result.Name)
	require.NotEmpty(t, result.LSN)

	// Missing name is rejected
	resp, err = http.Post(srv.URL+"/v1/restore-point", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWriteOpsRejectedOnStandby(t *testing.T) {
	srv, _ := startTestServer(t, "standby")

	resp, err := http.Post(srv.URL+"/v1/checkpoint", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := strings.NewReader(`{"name":"x"}`)
	resp, err = http.Post(srv.URL+"/v1/restore-point", "application/json", body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPromoteEndpoint(t *testing.T) {
	srv, _ := startTestServer(t, "standby")

	resp, err := http.Post(srv.URL+"/v1/promote", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result PromoteResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, "primary", result.Role)
	require.GreaterOrEqual(t, result.Timeline, uint32(2))

	// Promoting a primary fails
	resp2, err := http.Post(srv.URL+"/v1/promote", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestSlotsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t, "primary")

	resp, err := http.Get(srv.URL + "/v1/slots")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Pre-create a slot, then see it in the list
	created, err := http.Post(srv.URL+"/v1/slots", "application/json",
		strings.NewReader(`{"name":"seeded","sync":true}`))
	require.NoError(t, err)
	created.Body.Close()
	require.Equal(t, http.StatusCreated, created.StatusCode)

	listResp, err := http.Get(srv.URL + "/v1/slots")
	require.NoError(t, err)
	var slots []map[string]any
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&slots))
	listResp.Body.Close()
	require.Len(t, slots, 1)
	require.Equal(t, "seeded", slots[0]["name"])

	// Duplicate create is rejected
	dup, err := http.Post(srv.URL+"/v1/slots", "application/json",
		strings.NewReader(`{"name":"seeded"}`))
	require.NoError(t, err)
	dup.Body.Close()
	require.Equal(t, http.StatusConflict, dup.StatusCode)

	// Dropping an unknown slot is a 404
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/slots/missing", nil)
	require.NoError(t, err)
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	srv, _ := startTestServer(t, "primary")

	for _, path := range []string{"/healthz", "/livez", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "endpoint %s", path)
	}
}
