package rdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Peer is one voting member of the raft cluster.
type Peer struct {
	ID   string `mapstructure:"id" json:"id"`
	Addr string `mapstructure:"addr" json:"addr"`
}

// RaftConfig configures a RaftStore.
type RaftConfig struct {
	ID        string
	BindAddr  string
	DataDir   string // empty keeps log and snapshots in memory
	Bootstrap bool
	Peers     []Peer

	HeartbeatTimeout time.Duration
	ElectionTimeout  time.Duration
	ApplyTimeout     time.Duration

	// Transport overrides the TCP transport built from BindAddr.
	Transport raft.Transport
	LogOutput io.Writer
}

// RaftStore replicates commands through hashicorp/raft.
type RaftStore struct {
	id      string
	raft    *raft.Raft
	fsm     *FSM
	bolt    *raftboltdb.BoltStore
	timeout time.Duration
	log     logr.Logger
}

var _ Store = (*RaftStore)(nil)

// NewRaftStore starts a raft node. With Bootstrap set the node bootstraps a
// cluster from Peers (or from itself when Peers is empty); bootstrapping an
// existing cluster is not an error.
func NewRaftStore(cfg RaftConfig, log logr.Logger) (*RaftStore, error) {
	conf := raft.DefaultConfig()
	conf.LocalID = raft.ServerID(cfg.ID)
	if cfg.HeartbeatTimeout > 0 {
		conf.HeartbeatTimeout = cfg.HeartbeatTimeout
	}
	if cfg.ElectionTimeout > 0 {
		conf.ElectionTimeout = cfg.ElectionTimeout
	}
	if conf.LeaderLeaseTimeout > conf.HeartbeatTimeout {
		conf.LeaderLeaseTimeout = conf.HeartbeatTimeout
	}
	conf.LogLevel = "WARN"
	out := cfg.LogOutput
	if out == nil {
		out = os.Stderr
	}
	conf.LogOutput = out

	s := &RaftStore{id: cfg.ID, fsm: NewFSM(), timeout: cfg.ApplyTimeout, log: log.WithName("raft")}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}

	var (
		logs   raft.LogStore
		stable raft.StableStore
		snaps  raft.SnapshotStore
	)
	if cfg.DataDir == "" {
		mem := raft.NewInmemStore()
		logs, stable = mem, mem
		snaps = raft.NewInmemSnapshotStore()
	} else {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create raft dir: %w", err)
		}
		bolt, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
		if err != nil {
			return nil, fmt.Errorf("open raft log: %w", err)
		}
		s.bolt = bolt
		logs, stable = bolt, bolt
		fileSnaps, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, out)
		if err != nil {
			_ = bolt.Close()
			return nil, fmt.Errorf("open raft snapshots: %w", err)
		}
		snaps = fileSnaps
	}

	trans := cfg.Transport
	if trans == nil {
		tcp, err := raft.NewTCPTransport(cfg.BindAddr, nil, 3, 10*time.Second, out)
		if err != nil {
			s.closeBolt()
			return nil, fmt.Errorf("raft transport: %w", err)
		}
		trans = tcp
	}

	r, err := raft.NewRaft(conf, s.fsm, logs, stable, snaps, trans)
	if err != nil {
		s.closeBolt()
		return nil, fmt.Errorf("start raft: %w", err)
	}
	s.raft = r

	if cfg.Bootstrap {
		servers := []raft.Server{{ID: conf.LocalID, Address: trans.LocalAddr()}}
		if len(cfg.Peers) > 0 {
			servers = servers[:0]
			for _, p := range cfg.Peers {
				servers = append(servers, raft.Server{
					Suffrage: raft.Voter,
					ID:       raft.ServerID(p.ID),
					Address:  raft.ServerAddress(p.Addr),
				})
			}
		}
		err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error()
		if err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			_ = s.Close()
			return nil, fmt.Errorf("bootstrap raft: %w", err)
		}
	}
	s.log.Info("raft started", "id", cfg.ID, "addr", trans.LocalAddr(), "persistent", cfg.DataDir != "")
	return s, nil
}

func (s *RaftStore) closeBolt() {
	if s.bolt != nil {
		_ = s.bolt.Close()
	}
}

// Apply implements Store.
func (s *RaftStore) Apply(ctx context.Context, cmd Command) (Response, error) {
	if s.raft.State() != raft.Leader {
		return Response{}, fmt.Errorf("%w: %s", ErrNotLeader, s.id)
	}
	data, err := encode(cmd)
	if err != nil {
		return Response{}, err
	}
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	f := s.raft.Apply(data, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return Response{}, fmt.Errorf("%w: %v", ErrNotLeader, err)
		}
		return Response{}, err
	}
	res, ok := f.Response().(*result)
	if !ok {
		return Response{}, fmt.Errorf("unexpected fsm response %T", f.Response())
	}
	return res.resp, res.err
}

func (s *RaftStore) State() *State          { return s.fsm.State() }
func (s *RaftStore) Watch() <-chan struct{} { return s.fsm.Watch() }
func (s *RaftStore) LeaderCh() <-chan bool  { return s.raft.LeaderCh() }
func (s *RaftStore) ID() string             { return s.id }
func (s *RaftStore) IsLeader() bool         { return s.raft.State() == raft.Leader }

func (s *RaftStore) Leader() string {
	_, id := s.raft.LeaderWithID()
	return string(id)
}

// Barrier waits until the local FSM has applied everything committed so far.
func (s *RaftStore) Barrier(ctx context.Context) error {
	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return s.raft.Barrier(timeout).Error()
}

// AddVoter adds a peer to the cluster. Only the leader may call it.
func (s *RaftStore) AddVoter(p Peer) error {
	return s.raft.AddVoter(raft.ServerID(p.ID), raft.ServerAddress(p.Addr), 0, s.timeout).Error()
}

// Snapshot forces a snapshot of the FSM.
func (s *RaftStore) Snapshot() error {
	return s.raft.Snapshot().Error()
}

func (s *RaftStore) Close() error {
	err := s.raft.Shutdown().Error()
	s.closeBolt()
	return err
}
