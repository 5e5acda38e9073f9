package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/config"
	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/shard"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	fast := retry.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 20}
	cfg.Target.ScanRetry = fast
	cfg.Target.ReportRetry = fast
	cfg.Target.Pull.Retry = fast
	cfg.Target.Pull.ResumePoll = 10 * time.Millisecond
	return cfg
}

func put(t *testing.T, url string, value []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(value))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestNodeServesRecords(t *testing.T) {
	n := newNode(testConfig(t), false, logr.Discard())
	t.Cleanup(n.agent.Close)
	ts := httptest.NewServer(n.handler)
	t.Cleanup(ts.Close)

	oid := shard.NewOID(shard.ClassRP2, 0, 9)
	url := ts.URL + "/pools/tank/objects/" + oid.String() + "/dk/ak"
	put(t, url, []byte("hello"))

	code, body := get(t, url)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "hello", string(body))

	code, _ = get(t, ts.URL+cluster.PathHealth)
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)

	require.NoError(t, cluster.PostJSON(context.Background(), ts.URL+cluster.PathFaults,
		cluster.FaultRequest{Point: string(fault.ScanHang), Mode: "once"}, nil))
	assert.Contains(t, n.faults.Active(), fault.ScanHang)
}

func TestRunRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing file", args: []string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}},
		{name: "bad log format", args: []string{"--log-format", "xml"}},
		{name: "stray argument", args: []string{"extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCmd()
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			root.SetArgs(tt.args)
			assert.Error(t, root.Execute())
		})
	}
}

// TestRebuildOverHTTP runs a rebuild with every message on the wire:
// control calls, work items, fetches and reports.
func TestRebuildOverHTTP(t *testing.T) {
	const targets = 4

	// Target URLs must exist before the nodes that serve them.
	handlers := make([]http.Handler, targets)
	urls := make(map[uint32]string, targets)
	var peers []config.TargetAddr
	for i := 0; i < targets; i++ {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handlers[i].ServeHTTP(w, r)
		}))
		t.Cleanup(ts.Close)
		urls[uint32(i)] = ts.URL
		peers = append(peers, config.TargetAddr{Rank: uint32(i), Addr: ts.URL})
	}

	group := rdb.NewMemGroup("c0")
	svc := poolsvc.New(group.Replica(0), fault.Nop{}, logr.Discard())
	rcfg := coordinator.DefaultConfig()
	rcfg.AckTimeout = 200 * time.Millisecond
	rcfg.PollInterval = 10 * time.Millisecond
	rcfg.Retry = retry.Policy{Initial: time.Millisecond, Max: 10 * time.Millisecond, MaxRetries: 20}
	rcfg.HealthInterval = 0
	coord := coordinator.New(svc, &cluster.HTTPTargetClient{Resolve: cluster.StaticResolver(urls)}, rcfg, metrics.New(false), logr.Discard())
	r := mux.NewRouter()
	cluster.RegisterReportRoutes(r, coord)
	cts := httptest.NewServer(r)
	t.Cleanup(cts.Close)

	nodes := make([]*node, targets)
	for i := range nodes {
		cfg := testConfig(t)
		cfg.Node.Rank = uint32(i)
		cfg.Node.Targets = peers
		cfg.Node.Coordinators = []string{cts.URL}
		nodes[i] = newNode(cfg, false, logr.Discard())
		handlers[i] = nodes[i].handler
		t.Cleanup(nodes[i].agent.Close)
	}

	group.Elect(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = coord.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	pool := make([]poolmap.Target, targets)
	for i := range pool {
		pool[i] = poolmap.Target{Rank: poolmap.Rank(i), Addr: urls[uint32(i)]}
	}
	m, err := svc.CreatePool(ctx, "tank", pool)
	require.NoError(t, err)

	oids := make([]shard.OID, 40)
	for i := range oids {
		oids[i] = shard.NewOID(shard.ClassRP2, 0, uint64(i)+1)
		l, err := placement.Layout(oids[i], m)
		require.NoError(t, err)
		for _, rank := range l.Shards {
			put(t, fmt.Sprintf("%s/pools/tank/objects/%s/dk/ak", urls[uint32(rank)], oids[i]), []byte(oids[i].String()))
		}
	}

	_, err = svc.ExcludeTarget(ctx, "tank", 1)
	require.NoError(t, err)

	var final *rdb.PoolState
	require.Eventually(t, func() bool {
		p, err := svc.Pool("tank")
		if err != nil || p.Active != nil || p.NeedsRebuild() {
			return false
		}
		final = p
		return true
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, rebuild.PhaseDone, final.Status().Phase, final.Status().Reason)

	for _, oid := range oids {
		l, err := placement.Layout(oid, final.Map)
		require.NoError(t, err)
		for _, rank := range l.Shards {
			require.NotEqual(t, poolmap.Rank(1), rank)
			v, err := nodes[rank].agent.Fetch("tank", oid, "dk", "ak", 0, ^uint64(0))
			require.NoError(t, err, "%s on %s", oid, rank)
			assert.Equal(t, oid.String(), string(v))
		}
	}
}
