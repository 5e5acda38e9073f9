package rdb

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemGroupLeadership(t *testing.T) {
	g := NewMemGroup("a", "b", "c")
	ctx := context.Background()

	_, err := g.Replica(0).Apply(ctx, Command{Type: CmdBumpIncarnation})
	assert.ErrorIs(t, err, ErrNotLeader)

	g.Elect(1)
	assert.True(t, <-g.Replica(1).LeaderCh())
	assert.Equal(t, "b", g.Replica(0).Leader())
	assert.True(t, g.Replica(1).IsLeader())

	watch := g.Replica(2).Watch()
	resp, err := g.Replica(1).Apply(ctx, Command{Type: CmdBumpIncarnation, Leader: "b"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Incarnation)
	select {
	case <-watch:
	default:
		t.Fatal("followers were not notified")
	}
	assert.Equal(t, uint64(1), g.Replica(2).State().Incarnation)

	g.Elect(2)
	assert.False(t, <-g.Replica(1).LeaderCh())
	assert.True(t, <-g.Replica(2).LeaderCh())
	_, err = g.Replica(1).Apply(ctx, Command{Type: CmdBumpIncarnation})
	assert.ErrorIs(t, err, ErrNotLeader)
}

func TestLeaderChKeepsLatestValue(t *testing.T) {
	g := NewMemGroup("a", "b")
	g.Elect(0)
	g.Elect(1)
	g.Elect(0)

	// Only the latest transition for replica 0 is pending.
	assert.True(t, <-g.Replica(0).LeaderCh())
	select {
	case v := <-g.Replica(0).LeaderCh():
		t.Fatalf("unexpected extra notification %v", v)
	default:
	}
}

func TestMemReplicaClose(t *testing.T) {
	g := NewMemGroup("a")
	g.Elect(0)
	require.NoError(t, g.Replica(0).Close())
	_, err := g.Replica(0).Apply(context.Background(), Command{Type: CmdBumpIncarnation})
	assert.ErrorIs(t, err, ErrClosed)
}

func newTestRaft(t *testing.T, dir string) *RaftStore {
	t.Helper()
	_, trans := raft.NewInmemTransport("")
	s, err := NewRaftStore(RaftConfig{
		ID:               "node-1",
		DataDir:          dir,
		Bootstrap:        true,
		HeartbeatTimeout: 50 * time.Millisecond,
		ElectionTimeout:  50 * time.Millisecond,
		Transport:        trans,
		LogOutput:        io.Discard,
	}, logr.Discard())
	require.NoError(t, err)
	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestRaftStoreSingleNode(t *testing.T) {
	s := newTestRaft(t, "")
	defer s.Close()
	ctx := context.Background()

	resp, err := s.Apply(ctx, Command{Type: CmdBumpIncarnation, Leader: s.ID()})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Incarnation)

	_, err = s.Apply(ctx, Command{Type: CmdCreatePool, Pool: "p", Targets: fourTargets()})
	require.NoError(t, err)
	resp, err = s.Apply(ctx, Command{Type: CmdExcludeTarget, Pool: "p", Rank: 2})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), resp.Map.Version)

	_, err = s.Apply(ctx, Command{Type: CmdExcludeTarget, Pool: "missing", Rank: 2})
	assert.ErrorIs(t, err, ErrPoolNotFound)

	require.NoError(t, s.Barrier(ctx))
	assert.Equal(t, "node-1", s.Leader())
	assert.Equal(t, uint32(2), s.State().Pools["p"].Map.Version)
}

func TestRaftStorePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestRaft(t, dir)
	_, err := s.Apply(ctx, Command{Type: CmdCreatePool, Pool: "p", Targets: fourTargets()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = newTestRaft(t, dir)
	defer s.Close()
	require.NoError(t, s.Barrier(ctx))
	require.Contains(t, s.State().Pools, "p")
	assert.Equal(t, uint32(1), s.State().Pools["p"].Map.Version)
}
