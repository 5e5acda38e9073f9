package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/system"
)

func startCluster(t *testing.T, replicas int) *system.Cluster {
	t.Helper()
	cfg := coordinator.DefaultConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Retry = retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 20}
	c := system.Start(system.Options{Targets: 4, Replicas: replicas, Rebuild: cfg, Log: logr.Discard()})
	t.Cleanup(c.Close)
	return c
}

// startAPI serves replica i of c. targets are the base URLs faults are
// forwarded to.
func startAPI(t *testing.T, c *system.Cluster, i int, targets map[uint32]string) *httptest.Server {
	t.Helper()
	srv := newServer(c.Services[i].Store().ID(), c.Services[i], c.Coordinators[i], c.Faults, targets, logr.Discard())
	ts := httptest.NewServer(srv.routes(metrics.New(false)))
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, method, url string, body, out any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode/100 == 2 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestPoolLifecycle(t *testing.T) {
	c := startCluster(t, 1)
	ts := startAPI(t, c, 0, nil)

	var created poolmap.Map
	resp := call(t, http.MethodPost, ts.URL+"/pools", CreatePoolRequest{Name: "tank", Ranks: []uint32{0, 1, 2, 3}}, &created)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, created.Targets, 4)

	var excluded poolmap.Map
	resp = call(t, http.MethodPost, ts.URL+"/pools/tank/targets/1/exclude", nil, &excluded)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Greater(t, excluded.Version, created.Version)
	assert.False(t, excluded.InPlacement(1))

	require.Eventually(t, func() bool {
		var p rdb.PoolState
		if call(t, http.MethodGet, ts.URL+"/pools/tank", nil, &p).StatusCode != http.StatusOK {
			return false
		}
		tgt, ok := p.Map.Target(1)
		return ok && tgt.State == poolmap.StateExcluded && p.Active == nil
	}, 5*time.Second, 10*time.Millisecond)

	var st poolsvc.StatusResponse
	resp = call(t, http.MethodGet, ts.URL+"/pools/tank/status", nil, &st)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "tank", st.Pool)
	assert.True(t, st.Status.Done)
	assert.Equal(t, "svc-0", st.Leader)

	var list []poolsvc.StatusResponse
	resp = call(t, http.MethodGet, ts.URL+"/pools", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, "tank", list[0].Pool)

	resp = call(t, http.MethodPost, ts.URL+"/pools/tank/abort", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var added poolmap.Map
	resp = call(t, http.MethodPost, ts.URL+"/pools/tank/targets/1/add", nil, &added)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, added.IsAdding(1))

	resp = call(t, http.MethodDelete, ts.URL+"/pools/tank", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCreatePoolUsesConfiguredTargets(t *testing.T) {
	c := startCluster(t, 1)
	targets := map[uint32]string{0: "http://t0:8081", 1: "http://t1:8081", 2: "http://t2:8081"}
	ts := startAPI(t, c, 0, targets)

	var m poolmap.Map
	resp := call(t, http.MethodPost, ts.URL+"/pools", CreatePoolRequest{Name: "tank"}, &m)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Len(t, m.Targets, 3)
	for _, tgt := range m.Targets {
		assert.Equal(t, targets[uint32(tgt.Rank)], tgt.Addr)
		assert.Equal(t, poolmap.StateUp, tgt.State)
	}
}

func TestBadRequests(t *testing.T) {
	c := startCluster(t, 1)
	ts := startAPI(t, c, 0, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "bad json", method: http.MethodPost, path: "/pools", body: "{", want: http.StatusBadRequest},
		{name: "missing name", method: http.MethodPost, path: "/pools", body: CreatePoolRequest{Ranks: []uint32{0}}, want: http.StatusBadRequest},
		{name: "no targets", method: http.MethodPost, path: "/pools", body: CreatePoolRequest{Name: "p"}, want: http.StatusBadRequest},
		{name: "bad rank", method: http.MethodPost, path: "/pools/p/targets/x/exclude", want: http.StatusBadRequest},
		{name: "unknown pool status", method: http.MethodGet, path: "/pools/nope/status", want: http.StatusNotFound},
		{name: "unknown pool", method: http.MethodGet, path: "/pools/nope", want: http.StatusNotFound},
		{name: "exclude in unknown pool", method: http.MethodPost, path: "/pools/nope/targets/1/exclude", want: http.StatusNotFound},
		{name: "unknown fault point", method: http.MethodPost, path: "/faults", body: cluster.FaultRequest{Point: "nope", Mode: "once"}, want: http.StatusBadRequest},
		{name: "unknown fault mode", method: http.MethodPost, path: "/faults", body: cluster.FaultRequest{Point: string(fault.ScanHang), Mode: "sometimes"}, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := call(t, tt.method, ts.URL+tt.path, tt.body, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestWritesOnFollowerAreRedirected(t *testing.T) {
	c := startCluster(t, 2)
	follower := startAPI(t, c, 1, nil)

	resp := call(t, http.MethodPost, follower.URL+"/pools", CreatePoolRequest{Name: "tank", Ranks: []uint32{0, 1}}, nil)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)
	assert.Equal(t, "svc-0", resp.Header.Get("X-Leader"))

	resp = call(t, http.MethodPost, follower.URL+"/pools/tank/abort", nil, nil)
	assert.Equal(t, http.StatusMisdirectedRequest, resp.StatusCode)

	var lr LeaderResponse
	call(t, http.MethodGet, follower.URL+"/leader", nil, &lr)
	assert.Equal(t, "svc-1", lr.ID)
	assert.Equal(t, "svc-0", lr.Leader)
	assert.False(t, lr.Leading)
}

func TestLeaderEndpoint(t *testing.T) {
	c := startCluster(t, 1)
	ts := startAPI(t, c, 0, nil)

	require.Eventually(t, func() bool {
		var lr LeaderResponse
		call(t, http.MethodGet, ts.URL+"/leader", nil, &lr)
		return lr.Leading && lr.Incarnation > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFaultsAreForwardedToTargets(t *testing.T) {
	c := startCluster(t, 1)

	targets := map[uint32]string{}
	injectors := map[uint32]*fault.Injector{}
	for rank := uint32(0); rank < 2; rank++ {
		in := fault.NewInjector()
		r := mux.NewRouter()
		cluster.RegisterFaultRoutes(r, in)
		ts := httptest.NewServer(r)
		t.Cleanup(ts.Close)
		targets[rank] = ts.URL
		injectors[rank] = in
	}
	// A target that is down is reported, not fatal.
	targets[2] = "http://127.0.0.1:1"
	api := startAPI(t, c, 0, targets)

	var out FaultResponse
	resp := call(t, http.MethodPost, api.URL+"/faults", cluster.FaultRequest{Point: string(fault.DropScanReply), Mode: "persistent"}, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, out.SentTo)
	require.Len(t, out.Results, 3)
	assert.Empty(t, out.Results[0].Err)
	assert.Empty(t, out.Results[1].Err)
	assert.NotEmpty(t, out.Results[2].Err)

	assert.Contains(t, c.Faults.Active(), fault.DropScanReply)
	for _, in := range injectors {
		assert.Contains(t, in.Active(), fault.DropScanReply)
	}

	var active map[fault.Point]fault.Setting
	call(t, http.MethodGet, api.URL+"/faults", nil, &active)
	assert.Equal(t, fault.Persistent, active[fault.DropScanReply].Mode)

	resp = call(t, http.MethodDelete, api.URL+"/faults", nil, &out)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, c.Faults.Active())
	for _, in := range injectors {
		assert.Empty(t, in.Active())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	c := startCluster(t, 1)
	ts := startAPI(t, c, 0, nil)

	resp := call(t, http.MethodGet, ts.URL+"/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = call(t, http.MethodGet, ts.URL+"/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
