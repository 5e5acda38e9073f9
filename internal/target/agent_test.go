package target

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/pull"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/shard"
)

var fast = retry.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxRetries: 5}

// recorder stands in for the coordinator.
type recorder struct {
	mu    sync.Mutex
	scans []cluster.ScanDone
	pulls []cluster.PullDone
}

func (r *recorder) HandleScanDone(_ context.Context, rep cluster.ScanDone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scans = append(r.scans, rep)
	return nil
}

func (r *recorder) HandlePullDone(_ context.Context, rep cluster.PullDone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, rep)
	return nil
}

func (r *recorder) scanReports() []cluster.ScanDone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.ScanDone(nil), r.scans...)
}

func (r *recorder) pullReports() []cluster.PullDone {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.PullDone(nil), r.pulls...)
}

type testCluster struct {
	net    *cluster.LocalNetwork
	rec    *recorder
	agents []*Agent
	m      *poolmap.Map
	oids   []shard.OID
}

func newTestCluster(t *testing.T, n int, policy fault.Policy) *testCluster {
	t.Helper()
	tc := &testCluster{net: cluster.NewLocalNetwork(), rec: &recorder{}}
	tc.net.SetCoordinator(tc.rec)
	targets := make([]poolmap.Target, n)
	for i := range targets {
		targets[i] = poolmap.Target{Rank: poolmap.Rank(i)}
	}
	tc.m = poolmap.New(targets)
	cfg := Config{
		ScanRetry:   fast,
		ReportRetry: fast,
		Pull:        pull.Config{Workers: 4, ErrorBudget: -1, Retry: fast},
	}
	for i := 0; i < n; i++ {
		a := New(poolmap.Rank(i), cfg, tc.net, tc.net, policy, nil, logr.Discard())
		tc.net.AddTarget(poolmap.Rank(i), a)
		tc.agents = append(tc.agents, a)
		t.Cleanup(a.Close)
	}
	return tc
}

// seed writes n RP3 objects to their owners under the initial map.
func (tc *testCluster) seed(t *testing.T, pool string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		oid := shard.NewOID(shard.ClassRP3, 3, uint64(i))
		l, err := placement.Layout(oid, tc.m)
		require.NoError(t, err)
		for _, r := range l.Shards {
			for k := 0; k < 4; k++ {
				value := []byte(fmt.Sprintf("value-%d-%d", i, k))
				require.NoError(t, tc.agents[r].Update(pool, oid, fmt.Sprintf("d%d", k), "a", 0, value, uint64(10+i)))
			}
		}
		tc.oids = append(tc.oids, oid)
	}
}

func (tc *testCluster) scanAll(t *testing.T, ref cluster.TaskRef, to *poolmap.Map) {
	t.Helper()
	for _, r := range to.PlacementRanks() {
		require.NoError(t, tc.net.ScanStart(context.Background(), r, cluster.ScanStart{TaskRef: ref, From: tc.m, To: to}))
	}
}

func (tc *testCluster) pullAll(t *testing.T, ref cluster.TaskRef, to *poolmap.Map) {
	t.Helper()
	for _, r := range to.PlacementRanks() {
		require.NoError(t, tc.net.PullStart(context.Background(), r, cluster.PullStart{TaskRef: ref}))
	}
}

func TestAgentRebuildsExcludedTarget(t *testing.T) {
	tc := newTestCluster(t, 6, nil)
	tc.seed(t, "p", 100)

	to, err := tc.m.Exclude(5)
	require.NoError(t, err)
	tc.net.SetReachable(5, false)
	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: to.Version, Incarnation: 1}

	tc.scanAll(t, ref, to)
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 5 }, 2*time.Second, 5*time.Millisecond)
	var items uint64
	for _, rep := range tc.rec.scanReports() {
		assert.False(t, rep.Failed)
		assert.Equal(t, to.Version, rep.Version)
		items += rep.Counters.WorkItems
	}
	assert.NotZero(t, items)

	tc.pullAll(t, ref, to)
	require.Eventually(t, func() bool { return len(tc.rec.pullReports()) == 5 }, 2*time.Second, 5*time.Millisecond)
	var pulled uint64
	for _, rep := range tc.rec.pullReports() {
		assert.Empty(t, rep.Err)
		pulled += rep.Counters.ObjectsPulled
	}
	assert.Equal(t, items, pulled)

	for i, oid := range tc.oids {
		l, err := placement.Layout(oid, to)
		require.NoError(t, err)
		for _, r := range l.Shards {
			v, err := tc.agents[r].Fetch("p", oid, "d2", "a", 0, ^uint64(0))
			require.NoError(t, err, "rank %s object %s", r, oid)
			assert.Equal(t, fmt.Sprintf("value-%d-2", i), string(v))
		}
	}
}

func TestAgentRepeatsRetainedReports(t *testing.T) {
	tc := newTestCluster(t, 6, nil)
	tc.seed(t, "p", 50)
	to, _ := tc.m.Exclude(4)
	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: to.Version, Incarnation: 1}

	tc.scanAll(t, ref, to)
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 5 }, 2*time.Second, 5*time.Millisecond)
	first := tc.rec.scanReports()[0]

	// A new leader asks again: same result, new incarnation.
	again := ref
	again.Incarnation = 2
	require.NoError(t, tc.net.ScanStart(context.Background(), first.Rank, cluster.ScanStart{TaskRef: again, From: tc.m, To: to}))
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 6 }, 2*time.Second, 5*time.Millisecond)
	last := tc.rec.scanReports()[5]
	assert.Equal(t, first.Rank, last.Rank)
	assert.Equal(t, first.Counters, last.Counters)
	assert.Equal(t, first.ScanEpoch, last.ScanEpoch)
	assert.Equal(t, uint64(2), last.Incarnation)
}

func TestAgentAnswersStaleVersion(t *testing.T) {
	in := fault.NewInjector()
	tc := newTestCluster(t, 6, in)
	tc.seed(t, "p", 10)
	to, _ := tc.m.Exclude(5)
	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: to.Version, Incarnation: 1}

	require.NoError(t, in.Set(fault.StalePoolVersion, fault.Setting{Mode: fault.Once, Value: 0, HasValue: true}))
	start := cluster.ScanStart{TaskRef: ref, From: tc.m, To: to}
	require.NoError(t, tc.net.ScanStart(context.Background(), 0, start))
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, tc.m.Version, tc.rec.scanReports()[0].Version)

	require.NoError(t, tc.net.ScanStart(context.Background(), 0, start))
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, to.Version, tc.rec.scanReports()[1].Version)
}

func TestAgentStartFailure(t *testing.T) {
	in := fault.NewInjector()
	tc := newTestCluster(t, 3, in)
	to, _ := tc.m.Exclude(2)
	require.NoError(t, in.Set(fault.TargetStartFail, fault.Setting{Mode: fault.Once}))
	err := tc.net.ScanStart(context.Background(), 0, cluster.ScanStart{TaskRef: cluster.TaskRef{Pool: "p", Version: to.Version}, From: tc.m, To: to})
	assert.ErrorIs(t, err, fault.ErrInjected)
}

func TestAgentAbortCancelsHungScan(t *testing.T) {
	in := fault.NewInjector()
	tc := newTestCluster(t, 6, in)
	tc.seed(t, "p", 10)
	to, _ := tc.m.Exclude(5)
	require.NoError(t, in.Set(fault.ScanHang, fault.Setting{Mode: fault.Persistent}))

	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: to.Version, Incarnation: 1}
	require.NoError(t, tc.net.ScanStart(context.Background(), 0, cluster.ScanStart{TaskRef: ref, From: tc.m, To: to}))
	require.Eventually(t, func() bool { return in.Hits(fault.ScanHang) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, tc.net.Abort(context.Background(), 0, cluster.Abort{Pool: "p", Reason: "test"}))
	in.Clear(fault.ScanHang)
	assert.Never(t, func() bool { return len(tc.rec.scanReports()) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestAgentKeepsItemsWhenReplyDropped(t *testing.T) {
	in := fault.NewInjector()
	tc := newTestCluster(t, 3, in)
	require.NoError(t, in.Set(fault.DropObjectsReply, fault.Setting{Mode: fault.Once}))

	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: 2}
	item := shard.WorkItem{OID: shard.NewOID(shard.ClassRP2, 0, 1), Source: 1, Dest: 0, Epoch: 5}
	msg := cluster.SendObjects{TaskRef: ref, From: 1, Items: []shard.WorkItem{item}}
	assert.ErrorIs(t, tc.net.SendObjects(context.Background(), 0, msg), fault.ErrDropped)
	assert.NoError(t, tc.net.SendObjects(context.Background(), 0, msg))

	st := tc.agents[0].lookup(ref)
	require.NotNil(t, st)
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Len(t, st.items, 2)
	assert.Len(t, pull.Group(st.items), 1)
}

func TestAgentIgnoresItemsForSupersededAttempt(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	newer := cluster.TaskRef{Pool: "p", Version: 3, Attempt: 1}
	older := cluster.TaskRef{Pool: "p", Version: 3, Attempt: 0}
	item := shard.WorkItem{OID: shard.NewOID(shard.ClassRP2, 0, 1), Source: 1, Dest: 0, Epoch: 5}

	require.NoError(t, tc.agents[0].HandleSendObjects(context.Background(), cluster.SendObjects{TaskRef: newer, Items: []shard.WorkItem{item}}))
	require.NoError(t, tc.agents[0].HandleSendObjects(context.Background(), cluster.SendObjects{TaskRef: older, Items: []shard.WorkItem{item}}))
	assert.Nil(t, tc.agents[0].lookup(older))
}

func TestAgentReclaim(t *testing.T) {
	tc := newTestCluster(t, 6, nil)
	tc.seed(t, "p", 60)
	to, _ := tc.m.Exclude(5)
	settled, _ := to.Settle()

	before := tc.agents[5].Store("p").Stats().Objects
	require.NotZero(t, before)
	usedBefore := tc.agents[5].Space("p").Used()
	require.NoError(t, tc.agents[5].HandleReclaim(context.Background(), cluster.Reclaim{Pool: "p", Map: settled}))
	assert.Zero(t, tc.agents[5].Store("p").Stats().Objects)
	assert.Less(t, tc.agents[5].Space("p").Used(), usedBefore)

	// Owners keep what they hold.
	for r := 0; r < 5; r++ {
		n := tc.agents[r].Store("p").Stats().Objects
		require.NoError(t, tc.agents[r].HandleReclaim(context.Background(), cluster.Reclaim{Pool: "p", Map: settled}))
		assert.Equal(t, n, tc.agents[r].Store("p").Stats().Objects)
	}
}

func TestAgentReclaimKeepsListedObjects(t *testing.T) {
	tc := newTestCluster(t, 6, nil)
	tc.seed(t, "p", 60)
	to, _ := tc.m.Exclude(5)
	settled, _ := to.Settle()

	held := tc.agents[5].Store("p").Objects(^uint64(0))
	require.Greater(t, len(held), 2)
	keep := held[:2]
	require.NoError(t, tc.agents[5].HandleReclaim(context.Background(), cluster.Reclaim{Pool: "p", Map: settled, Keep: keep}))
	assert.Equal(t, keep, tc.agents[5].Store("p").Objects(^uint64(0)))
}

func TestAgentReportsUnpulledObjects(t *testing.T) {
	tc := newTestCluster(t, 6, nil)
	tc.seed(t, "p", 100)
	to, err := tc.m.Exclude(5)
	require.NoError(t, err)
	ref := cluster.TaskRef{Pool: "p", TaskID: "t1", Version: to.Version, Incarnation: 1}

	tc.scanAll(t, ref, to)
	require.Eventually(t, func() bool { return len(tc.rec.scanReports()) == 5 }, 2*time.Second, 5*time.Millisecond)

	// The busiest source goes away before anyone pulls from it.
	var source poolmap.Rank
	var most uint64
	for _, rep := range tc.rec.scanReports() {
		if rep.Counters.WorkItems > most {
			source, most = rep.Rank, rep.Counters.WorkItems
		}
	}
	require.NotZero(t, most)
	tc.net.SetReachable(source, false)
	for _, r := range to.PlacementRanks() {
		if r != source {
			require.NoError(t, tc.net.PullStart(context.Background(), r, cluster.PullStart{TaskRef: ref}))
		}
	}
	require.Eventually(t, func() bool { return len(tc.rec.pullReports()) == 4 }, 2*time.Second, 5*time.Millisecond)

	unsettled := make(map[shard.OID]bool)
	var errs uint64
	for _, rep := range tc.rec.pullReports() {
		assert.Len(t, rep.Unpulled, int(rep.Counters.Errors))
		for _, oid := range rep.Unpulled {
			unsettled[oid] = true
			_, err := tc.agents[rep.Rank].Fetch("p", oid, "d0", "a", 0, ^uint64(0))
			assert.Error(t, err, "rank %s object %s", rep.Rank, oid)
		}
		errs += rep.Counters.Errors
	}
	require.NotZero(t, errs)

	// The released copy of every unpulled object survives reclaim.
	keep := make([]shard.OID, 0, len(unsettled))
	for oid := range unsettled {
		keep = append(keep, oid)
	}
	settled, _ := to.Settle()
	require.NoError(t, tc.agents[5].HandleReclaim(context.Background(), cluster.Reclaim{Pool: "p", Map: settled, Keep: keep}))
	assert.ElementsMatch(t, keep, tc.agents[5].Store("p").Objects(^uint64(0)))
	for _, oid := range keep {
		_, err := tc.agents[5].Fetch("p", oid, "d0", "a", 0, ^uint64(0))
		assert.NoError(t, err)
	}
}

func TestAgentFetchUnknownPool(t *testing.T) {
	tc := newTestCluster(t, 1, nil)
	resp, err := tc.agents[0].HandleFetch(context.Background(), cluster.FetchRequest{Pool: "nope", OID: shard.NewOID(shard.ClassS1, 0, 1), Epoch: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Entries)
}
