// Package poolsvc is the pool service: the only writer of pool maps and
// rebuild checkpoints. It runs on every replica of the replicated database
// and forwards nothing; callers must talk to the leader.
package poolsvc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/rebuild"
)

var (
	// ErrNotLeader is returned by every write issued against a non-leader.
	ErrNotLeader = rdb.ErrNotLeader
	// ErrBusy is returned when another map update for the same pool is in flight.
	ErrBusy = errors.New("pool map update in progress")
)

// Service wraps a replica of the replicated database.
type Service struct {
	store  rdb.Store
	policy fault.Policy
	log    logr.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// New returns a service over store. A nil policy disables fault injection.
func New(store rdb.Store, policy fault.Policy, log logr.Logger) *Service {
	if policy == nil {
		policy = fault.Nop{}
	}
	return &Service{
		store:    store,
		policy:   policy,
		log:      log.WithName("poolsvc"),
		inflight: make(map[string]bool),
	}
}

// Store returns the underlying replica.
func (s *Service) Store() rdb.Store {
	return s.store
}

// IsLeader reports whether this replica may accept writes.
func (s *Service) IsLeader() bool {
	return s.store.IsLeader()
}

// Leader returns the id of the current leader.
func (s *Service) Leader() string {
	return s.store.Leader()
}

func (s *Service) apply(ctx context.Context, cmd rdb.Command) (rdb.Response, error) {
	if !s.store.IsLeader() {
		return rdb.Response{}, fmt.Errorf("%w: leader is %q", ErrNotLeader, s.store.Leader())
	}
	return s.store.Apply(ctx, cmd)
}

// CreatePool creates a pool with every target UP at version 1.
func (s *Service) CreatePool(ctx context.Context, name string, targets []poolmap.Target) (*poolmap.Map, error) {
	resp, err := s.apply(ctx, rdb.Command{Type: rdb.CmdCreatePool, Pool: name, Targets: targets})
	if err != nil {
		return nil, err
	}
	s.log.Info("pool created", "pool", name, "map", resp.Map.String())
	return resp.Map, nil
}

// DestroyPool removes a pool. A running rebuild is aborted.
func (s *Service) DestroyPool(ctx context.Context, name string) error {
	if _, err := s.apply(ctx, rdb.Command{Type: rdb.CmdDestroyPool, Pool: name}); err != nil {
		return err
	}
	s.log.Info("pool destroyed", "pool", name)
	return nil
}

// ExcludeTarget takes rank out of placement and returns the new map.
func (s *Service) ExcludeTarget(ctx context.Context, pool string, rank poolmap.Rank) (*poolmap.Map, error) {
	return s.updateTarget(ctx, rdb.CmdExcludeTarget, pool, rank)
}

// AddTarget brings an excluded rank back into placement and returns the new map.
func (s *Service) AddTarget(ctx context.Context, pool string, rank poolmap.Rank) (*poolmap.Map, error) {
	return s.updateTarget(ctx, rdb.CmdAddTarget, pool, rank)
}

func (s *Service) updateTarget(ctx context.Context, typ rdb.CommandType, pool string, rank poolmap.Rank) (*poolmap.Map, error) {
	if !s.store.IsLeader() {
		return nil, fmt.Errorf("%w: leader is %q", ErrNotLeader, s.store.Leader())
	}
	s.mu.Lock()
	if s.inflight[pool] {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: pool %q", ErrBusy, pool)
	}
	s.inflight[pool] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, pool)
		s.mu.Unlock()
	}()

	if err := s.policy.Consult(ctx, fault.HookMapUpdate, fault.Scope{Pool: pool, Rank: rank}); err != nil {
		return nil, fmt.Errorf("update pool %q: %w", pool, err)
	}
	resp, err := s.apply(ctx, rdb.Command{Type: typ, Pool: pool, Rank: rank})
	if err != nil {
		return nil, err
	}
	s.log.Info("pool map updated", "pool", pool, "op", string(typ), "rank", rank.String(), "map", resp.Map.String())
	return resp.Map, nil
}

// BumpIncarnation records a new leader term and returns its incarnation.
func (s *Service) BumpIncarnation(ctx context.Context, leader string) (uint64, error) {
	resp, err := s.apply(ctx, rdb.Command{Type: rdb.CmdBumpIncarnation, Leader: leader})
	if err != nil {
		return 0, err
	}
	return resp.Incarnation, nil
}

// StartTask persists a new task, superseding any running one.
func (s *Service) StartTask(ctx context.Context, task *rebuild.Task, inc uint64) error {
	_, err := s.apply(ctx, rdb.Command{Type: rdb.CmdStartTask, Pool: task.Pool, Task: task, Incarnation: inc, Leader: s.store.ID()})
	return err
}

// PutTask checkpoints a running task.
func (s *Service) PutTask(ctx context.Context, task *rebuild.Task, inc uint64) error {
	_, err := s.apply(ctx, rdb.Command{Type: rdb.CmdPutTask, Pool: task.Pool, Task: task, Incarnation: inc, Leader: s.store.ID()})
	return err
}

// FinishTask records a terminal task. For a DONE task the pool's rebuilt
// version advances and transitional target states settle.
func (s *Service) FinishTask(ctx context.Context, task *rebuild.Task, inc uint64) (*poolmap.Map, error) {
	resp, err := s.apply(ctx, rdb.Command{Type: rdb.CmdFinishTask, Pool: task.Pool, Task: task, Incarnation: inc, Leader: s.store.ID()})
	if err != nil {
		return nil, err
	}
	return resp.Map, nil
}

// AdvanceRebuilt marks the current map rebuilt without a task. It is only
// accepted when the map places data exactly like the rebuilt one.
func (s *Service) AdvanceRebuilt(ctx context.Context, pool string, inc uint64) (*poolmap.Map, error) {
	resp, err := s.apply(ctx, rdb.Command{Type: rdb.CmdAdvanceRebuilt, Pool: pool, Incarnation: inc, Leader: s.store.ID()})
	if err != nil {
		return nil, err
	}
	return resp.Map, nil
}

// Pool returns this replica's view of a pool, including destroyed ones.
func (s *Service) Pool(name string) (*rdb.PoolState, error) {
	p, ok := s.store.State().Pools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", rdb.ErrPoolNotFound, name)
	}
	return p, nil
}

// Map returns the current map of a live pool.
func (s *Service) Map(name string) (*poolmap.Map, error) {
	p, err := s.Pool(name)
	if err != nil {
		return nil, err
	}
	if p.Destroyed {
		return nil, fmt.Errorf("%w: %q destroyed", rdb.ErrPoolNotFound, name)
	}
	return p.Map, nil
}

// StatusResponse answers a status query. Status is identical on every
// leader for a finished task; Leader and Incarnation describe who answered.
type StatusResponse struct {
	Pool        string         `json:"pool"`
	Status      rebuild.Status `json:"status"`
	Leader      string         `json:"leader"`
	Incarnation uint64         `json:"incarnation"`
}

// Status answers a rebuild status query from this replica's state.
func (s *Service) Status(name string) (StatusResponse, error) {
	state := s.store.State()
	p, ok := state.Pools[name]
	if !ok {
		return StatusResponse{}, fmt.Errorf("%w: %q", rdb.ErrPoolNotFound, name)
	}
	return StatusResponse{
		Pool:        name,
		Status:      p.Status(),
		Leader:      s.store.Leader(),
		Incarnation: state.Incarnation,
	}, nil
}
