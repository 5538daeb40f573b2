package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, readOnly bool) (*httptest.Server, *manager.Manager) {
	t.Helper()
	cfg := config.Default()
	cfg.RetryBaseDelay = time.Millisecond
	mgr, err := manager.NewManager(cfg, manager.Options{Store: storage.NewMemoryStore()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Stop() })

	srv := httptest.NewServer(NewServer(mgr, Config{ReadOnly: readOnly}).Handler())
	t.Cleanup(srv.Close)
	return srv, mgr
}

func do(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestWorkloadLifecycle(t *testing.T) {
	srv, mgr := newTestServer(t, false)

	resp := do(t, http.MethodPost, srv.URL+"/v1/resources", RegisterRequest{
		ResourceInstance: types.ResourceInstance{ID: "node-a", Capacity: types.Requirements{CPU: 4, Memory: 2048}},
		Config:           map[string]string{"zone": "east"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/v1/workloads", types.WorkloadSpec{
		ID:           "web",
		Requirements: types.Requirements{CPU: 1, Memory: 256},
		Priority:     types.PriorityHigh,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var w types.Workload
	decodeBody(t, resp, &w)
	assert.Equal(t, types.WorkloadPending, w.Status)

	resp = do(t, http.MethodGet, srv.URL+"/v1/queue", nil)
	var queue []QueueEntry
	decodeBody(t, resp, &queue)
	require.Len(t, queue, 1)
	assert.Equal(t, "web", queue[0].WorkloadID)
	assert.Equal(t, types.PriorityHigh, queue[0].Priority)
	assert.Positive(t, queue[0].Score)

	res := mgr.ScheduleOnce(t.Context())
	require.Equal(t, []string{"web"}, res.Scheduled)

	resp = do(t, http.MethodGet, srv.URL+"/v1/workloads/web", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &w)
	assert.Equal(t, types.WorkloadRunning, w.Status)
	assert.Equal(t, "node-a", w.ResourceID)

	resp = do(t, http.MethodGet, srv.URL+"/v1/workloads?status=running", nil)
	var list []types.Workload
	decodeBody(t, resp, &list)
	assert.Len(t, list, 1)

	resp = do(t, http.MethodPost, srv.URL+"/v1/workloads/web/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &w)
	assert.Equal(t, types.WorkloadCompleted, w.Status)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/workloads/web", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/workloads/web", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, false)

	spec := types.WorkloadSpec{ID: "web", Requirements: types.Requirements{CPU: 1}, Priority: types.PriorityLow}
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, srv.URL+"/v1/workloads", spec).StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"duplicate workload", http.MethodPost, "/v1/workloads", spec, http.StatusConflict},
		{"invalid workload", http.MethodPost, "/v1/workloads", types.WorkloadSpec{Requirements: types.Requirements{CPU: -1}}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/v1/workloads", map[string]any{"bogus": 1}, http.StatusBadRequest},
		{"missing workload", http.MethodGet, "/v1/workloads/nope", nil, http.StatusNotFound},
		{"missing statistics", http.MethodGet, "/v1/workloads/nope/statistics", nil, http.StatusNotFound},
		{"missing scaling", http.MethodGet, "/v1/workloads/nope/scaling", nil, http.StatusNotFound},
		{"missing resource", http.MethodGet, "/v1/resources/nope", nil, http.StatusNotFound},
		{"deregister missing", http.MethodDelete, "/v1/resources/nope", nil, http.StatusNotFound},
		{"bad orphan flag", http.MethodDelete, "/v1/resources/nope?orphan=maybe", nil, http.StatusBadRequest},
		{"wrong method", http.MethodPut, "/v1/workloads", nil, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestDeregisterOrphans(t *testing.T) {
	srv, mgr := newTestServer(t, false)
	ctx := t.Context()

	require.NoError(t, mgr.RegisterResource(ctx, &types.ResourceInstance{
		ID:       "node-a",
		Capacity: types.Requirements{CPU: 2, Memory: 1024},
	}, nil))
	_, err := mgr.Submit(ctx, types.WorkloadSpec{ID: "web", Requirements: types.Requirements{CPU: 1, Memory: 128}})
	require.NoError(t, err)
	mgr.ScheduleOnce(ctx)

	resp := do(t, http.MethodDelete, srv.URL+"/v1/resources/node-a", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/v1/resources/node-a?orphan=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out DeregisterResponse
	decodeBody(t, resp, &out)
	assert.Equal(t, []string{"web"}, out.Orphaned)
}

func TestStatus(t *testing.T) {
	srv, mgr := newTestServer(t, false)
	require.NoError(t, mgr.RegisterResource(t.Context(), &types.ResourceInstance{
		ID:       "node-a",
		Capacity: types.Requirements{CPU: 2, Memory: 1024},
	}, nil))

	resp := do(t, http.MethodGet, srv.URL+"/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status StatusResponse
	decodeBody(t, resp, &status)
	assert.Equal(t, "proportional", status.Strategy)
	assert.Equal(t, 1, status.Resources[types.HealthAvailable])
	assert.Equal(t, types.Requirements{CPU: 2, Memory: 1024}, status.Capacity)
}

func TestReadOnly(t *testing.T) {
	srv, _ := newTestServer(t, true)

	resp := do(t, http.MethodPost, srv.URL+"/v1/workloads", types.WorkloadSpec{ID: "web"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/v1/workloads", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/live", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
