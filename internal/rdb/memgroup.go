package rdb

import (
	"context"
	"fmt"
	"sync"
)

// MemGroup is an in-process replica group. All replicas share one FSM, so a
// command committed through the leader is immediately visible to every
// replica, which is what a quorum log guarantees once a command commits.
// Leadership moves only through Elect.
type MemGroup struct {
	mu       sync.Mutex
	fsm      *FSM
	replicas []*MemReplica
	leader   int
}

// MemReplica is one member of a MemGroup.
type MemReplica struct {
	group    *MemGroup
	id       string
	idx      int
	leaderCh chan bool
	closed   bool
}

var _ Store = (*MemReplica)(nil)

// NewMemGroup creates a group with the given replica ids and no leader.
func NewMemGroup(ids ...string) *MemGroup {
	g := &MemGroup{fsm: NewFSM(), leader: -1}
	for i, id := range ids {
		g.replicas = append(g.replicas, &MemReplica{group: g, id: id, idx: i, leaderCh: make(chan bool, 1)})
	}
	return g
}

// Replica returns member i.
func (g *MemGroup) Replica(i int) *MemReplica {
	return g.replicas[i]
}

// Size returns the number of replicas.
func (g *MemGroup) Size() int {
	return len(g.replicas)
}

// FSM exposes the shared state machine.
func (g *MemGroup) FSM() *FSM {
	return g.fsm
}

// Elect makes replica i the leader. The previous leader is told it lost
// leadership before the new one is told it won.
func (g *MemGroup) Elect(i int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if i == g.leader {
		return
	}
	if g.leader >= 0 {
		notify(g.replicas[g.leader].leaderCh, false)
	}
	g.leader = i
	if i >= 0 {
		notify(g.replicas[i].leaderCh, true)
	}
}

// LeaderIndex returns the index of the leader, or -1.
func (g *MemGroup) LeaderIndex() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leader
}

// Apply implements Store.
func (r *MemReplica) Apply(ctx context.Context, cmd Command) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	g := r.group
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.closed {
		return Response{}, ErrClosed
	}
	if g.leader != r.idx {
		return Response{}, fmt.Errorf("%w: %s", ErrNotLeader, r.id)
	}
	data, err := encode(cmd)
	if err != nil {
		return Response{}, err
	}
	res := g.fsm.applyBytes(data)
	return res.resp, res.err
}

func (r *MemReplica) State() *State          { return r.group.fsm.State() }
func (r *MemReplica) Watch() <-chan struct{} { return r.group.fsm.Watch() }
func (r *MemReplica) LeaderCh() <-chan bool  { return r.leaderCh }
func (r *MemReplica) ID() string             { return r.id }

func (r *MemReplica) IsLeader() bool {
	return r.group.LeaderIndex() == r.idx
}

func (r *MemReplica) Leader() string {
	if i := r.group.LeaderIndex(); i >= 0 {
		return r.group.replicas[i].id
	}
	return ""
}

// Barrier is immediate: the shared FSM is always caught up.
func (r *MemReplica) Barrier(ctx context.Context) error {
	return ctx.Err()
}

func (r *MemReplica) Close() error {
	r.group.mu.Lock()
	defer r.group.mu.Unlock()
	r.closed = true
	return nil
}
