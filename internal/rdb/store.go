// Package rdb is the quorum-replicated database behind the pool service.
// It holds every pool's map, the rebuild task checkpoints and the leader
// incarnation, and applies changes through a single FSM whether the log is
// a hashicorp/raft cluster (RaftStore) or an in-process replica group used
// by tests and simulation (MemGroup).
package rdb

import (
	"context"
	"errors"
)

var (
	ErrNotLeader        = errors.New("not the leader")
	ErrPoolNotFound     = errors.New("pool not found")
	ErrPoolExists       = errors.New("pool already exists")
	ErrStaleIncarnation = errors.New("stale leader incarnation")
	ErrSuperseded       = errors.New("superseded")
	ErrInvalidCommand   = errors.New("invalid command")
	ErrClosed           = errors.New("store closed")
)

// Store is one replica's view of the replicated state.
type Store interface {
	// Apply replicates cmd and returns its result. Only the leader may
	// apply; other replicas return ErrNotLeader.
	Apply(ctx context.Context, cmd Command) (Response, error)
	// State returns this replica's current copy of the state.
	State() *State
	// Watch returns a channel closed after the next applied command.
	Watch() <-chan struct{}
	// LeaderCh delivers true when this replica gains leadership and false
	// when it loses it. Only the latest value is kept.
	LeaderCh() <-chan bool
	IsLeader() bool
	// Leader returns the id of the current leader, or "" if unknown.
	Leader() string
	ID() string
	// Barrier returns once every command committed before it is applied.
	Barrier(ctx context.Context) error
	Close() error
}

// notify replaces any pending value in a one-slot channel with v.
func notify(ch chan bool, v bool) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
