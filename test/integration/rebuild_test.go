package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/shard"
)

const configTemplate = `
node:
  id: c1
  listen: ":18080"
  coordinators:
    - http://127.0.0.1:18080
  targets:
%s
raft:
  bind: 127.0.0.1:17000
  data_dir: %s
  bootstrap: true
rebuild:
  ack_timeout: 200ms
  poll_interval: 20ms
  health_interval: 0s
target:
  pull:
    resume_poll: 50ms
log:
  level: debug
`

// TestSystem runs the coordinator and target binaries as separate processes.
type TestSystem struct {
	t          *testing.T
	bin        string
	config     string
	coord      *exec.Cmd
	targets    []*exec.Cmd
	coordAddr  string
	targetAddr []string
	httpClient *http.Client
}

// NewTestSystem prepares a system with n targets. Binaries are taken from
// REBUILDD_BIN, or bin/ at the repository root.
func NewTestSystem(t *testing.T, n int) *TestSystem {
	bin := os.Getenv("REBUILDD_BIN")
	if bin == "" {
		bin = filepath.Join("..", "..", "bin")
	}
	ts := &TestSystem{
		t:          t,
		bin:        bin,
		coordAddr:  "http://127.0.0.1:18080", // high ports to avoid conflicts
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
	var targets bytes.Buffer
	for i := 0; i < n; i++ {
		addr := fmt.Sprintf("http://127.0.0.1:%d", 18081+i)
		ts.targetAddr = append(ts.targetAddr, addr)
		fmt.Fprintf(&targets, "    - rank: %d\n      addr: %s\n", i, addr)
	}
	dir := t.TempDir()
	ts.config = filepath.Join(dir, "rebuildd.yaml")
	body := fmt.Sprintf(configTemplate, targets.String(), filepath.Join(dir, "raft"))
	if err := os.WriteFile(ts.config, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return ts
}

// Start launches the coordinator and every target.
func (ts *TestSystem) Start() error {
	ts.t.Log("Starting coordinator...")
	ts.coord = exec.Command(filepath.Join(ts.bin, "coordinator"), "--config", ts.config)
	ts.coord.Stdout = os.Stdout
	ts.coord.Stderr = os.Stderr
	if err := ts.coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	if err := ts.waitForService(ts.coordAddr + "/health"); err != nil {
		return fmt.Errorf("coordinator failed to start: %w", err)
	}

	ts.targets = make([]*exec.Cmd, len(ts.targetAddr))
	for i := range ts.targetAddr {
		if err := ts.StartTarget(i); err != nil {
			return err
		}
	}
	return ts.waitForLeader()
}

// StartTarget launches target i, replacing a stopped one.
func (ts *TestSystem) StartTarget(i int) error {
	ts.t.Logf("Starting target %d...", i)
	cmd := exec.Command(filepath.Join(ts.bin, "target"), "--config", ts.config,
		"--rank", fmt.Sprint(i), "--listen", fmt.Sprintf(":%d", 18081+i))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start target %d: %w", i, err)
	}
	ts.targets[i] = cmd
	if err := ts.waitForService(ts.targetAddr[i] + cluster.PathHealth); err != nil {
		return fmt.Errorf("target %d failed to start: %w", i, err)
	}
	return nil
}

// StopTarget kills target i. Its records are lost with the process.
func (ts *TestSystem) StopTarget(i int) {
	if cmd := ts.targets[i]; cmd != nil && cmd.Process != nil {
		ts.t.Logf("Stopping target %d...", i)
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		ts.targets[i] = nil
	}
}

// Stop shuts down every process.
func (ts *TestSystem) Stop() {
	for i := range ts.targets {
		ts.StopTarget(i)
	}
	if ts.coord != nil && ts.coord.Process != nil {
		ts.t.Log("Stopping coordinator...")
		_ = ts.coord.Process.Kill()
		_ = ts.coord.Wait()
	}
}

// waitForService waits for an HTTP service to become available
func (ts *TestSystem) waitForService(url string) error {
	return ts.poll(10*time.Second, func() bool {
		resp, err := ts.httpClient.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
}

func (ts *TestSystem) waitForLeader() error {
	return ts.poll(10*time.Second, func() bool {
		var lr struct {
			Leading bool `json:"leading"`
		}
		return ts.getJSON(ts.coordAddr+"/leader", &lr) == nil && lr.Leading
	})
}

func (ts *TestSystem) poll(limit time.Duration, ok func() bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	for !ok() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func (ts *TestSystem) do(method, url string, body []byte) (int, []byte, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	return resp.StatusCode, out, err
}

func (ts *TestSystem) getJSON(url string, out any) error {
	code, body, err := ts.do(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("GET %s: %d %s", url, code, body)
	}
	return json.Unmarshal(body, out)
}

// Pool returns the replicated state of a pool.
func (ts *TestSystem) Pool(name string) (*rdb.PoolState, error) {
	var p rdb.PoolState
	if err := ts.getJSON(ts.coordAddr+"/pools/"+name, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// WaitRebuilt waits until the pool has nothing left to rebuild.
func (ts *TestSystem) WaitRebuilt(name string) (*rdb.PoolState, error) {
	var last *rdb.PoolState
	err := ts.poll(30*time.Second, func() bool {
		p, err := ts.Pool(name)
		if err != nil {
			return false
		}
		last = p
		return p.Active == nil && !p.NeedsRebuild()
	})
	return last, err
}

func recordURL(base, pool string, oid shard.OID) string {
	return fmt.Sprintf("%s/pools/%s/objects/%s/dk/ak", base, pool, oid)
}

func TestRebuildAcrossProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ts := NewTestSystem(t, 4)
	for _, name := range []string{"coordinator", "target"} {
		if _, err := os.Stat(filepath.Join(ts.bin, name)); os.IsNotExist(err) {
			t.Skipf("Skipping integration test: %s binary not found (go build -o bin/ ./cmd/...)", name)
		}
	}
	if err := ts.Start(); err != nil {
		ts.Stop()
		t.Fatalf("Failed to start test system: %v", err)
	}
	defer ts.Stop()

	code, body, err := ts.do(http.MethodPost, ts.coordAddr+"/pools", []byte(`{"name":"tank"}`))
	if err != nil || code != http.StatusCreated {
		t.Fatalf("Create pool: %d %s %v", code, body, err)
	}
	var m poolmap.Map
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("Decode map: %v", err)
	}

	oids := make([]shard.OID, 50)
	for i := range oids {
		oids[i] = shard.NewOID(shard.ClassRP2, 0, uint64(i)+1)
		l, err := placement.Layout(oids[i], &m)
		if err != nil {
			t.Fatalf("Layout: %v", err)
		}
		for _, rank := range l.Shards {
			code, body, err := ts.do(http.MethodPut, recordURL(ts.targetAddr[rank], "tank", oids[i]), []byte(oids[i].String()))
			if err != nil || code != http.StatusOK {
				t.Fatalf("Write %s to %s: %d %s %v", oids[i], rank, code, body, err)
			}
		}
	}

	verify := func(t *testing.T, p *rdb.PoolState) {
		t.Helper()
		for _, oid := range oids {
			l, err := placement.Layout(oid, p.Map)
			if err != nil {
				t.Fatalf("Layout: %v", err)
			}
			for _, rank := range l.Shards {
				code, body, err := ts.do(http.MethodGet, recordURL(ts.targetAddr[rank], "tank", oid), nil)
				if err != nil || code != http.StatusOK || string(body) != oid.String() {
					t.Errorf("%s on %s: %d %q %v", oid, rank, code, body, err)
				}
			}
		}
	}

	t.Run("ExcludeDeadTarget", func(t *testing.T) {
		ts.StopTarget(1)
		code, body, err := ts.do(http.MethodPost, ts.coordAddr+"/pools/tank/targets/1/exclude", nil)
		if err != nil || code != http.StatusOK {
			t.Fatalf("Exclude: %d %s %v", code, body, err)
		}
		p, err := ts.WaitRebuilt("tank")
		if err != nil {
			t.Fatalf("Rebuild did not finish: %v", err)
		}
		if st := p.Status(); st.Phase != rebuild.PhaseDone {
			t.Fatalf("Expected DONE, got %s (%s)", st.Phase, st.Reason)
		}
		if tgt, _ := p.Map.Target(1); tgt.State != poolmap.StateExcluded {
			t.Errorf("Expected rank 1 EXCLUDED, got %s", tgt.State)
		}
		verify(t, p)
	})

	t.Run("ReintegrateEmptyTarget", func(t *testing.T) {
		if err := ts.StartTarget(1); err != nil {
			t.Fatal(err)
		}
		code, body, err := ts.do(http.MethodPost, ts.coordAddr+"/pools/tank/targets/1/add", nil)
		if err != nil || code != http.StatusOK {
			t.Fatalf("Add: %d %s %v", code, body, err)
		}
		p, err := ts.WaitRebuilt("tank")
		if err != nil {
			t.Fatalf("Rebuild did not finish: %v", err)
		}
		if tgt, _ := p.Map.Target(1); tgt.State != poolmap.StateUp {
			t.Errorf("Expected rank 1 UP, got %s", tgt.State)
		}
		verify(t, p)
	})

	t.Run("FaultsReachTargets", func(t *testing.T) {
		code, body, err := ts.do(http.MethodPost, ts.coordAddr+cluster.PathFaults, []byte(`{"point":"out-of-space","mode":"persistent"}`))
		if err != nil || code != http.StatusOK {
			t.Fatalf("Set fault: %d %s %v", code, body, err)
		}
		for i, addr := range ts.targetAddr {
			active := map[string]any{}
			if err := ts.getJSON(addr+cluster.PathFaults, &active); err != nil {
				t.Fatalf("List faults on %d: %v", i, err)
			}
			if _, ok := active["out-of-space"]; !ok {
				t.Errorf("Target %d missing fault: %v", i, active)
			}
		}
		if code, _, err := ts.do(http.MethodDelete, ts.coordAddr+cluster.PathFaults, nil); err != nil || code != http.StatusOK {
			t.Fatalf("Clear faults: %d %v", code, err)
		}
	})
}
