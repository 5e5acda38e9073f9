package rdb

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"
	jsoniter "github.com/json-iterator/go"

	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rebuild"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CommandType names a replicated state change.
type CommandType string

const (
	CmdCreatePool      CommandType = "create_pool"
	CmdDestroyPool     CommandType = "destroy_pool"
	CmdExcludeTarget   CommandType = "exclude_target"
	CmdAddTarget       CommandType = "add_target"
	CmdBumpIncarnation CommandType = "bump_incarnation"
	CmdStartTask       CommandType = "start_task"
	CmdPutTask         CommandType = "put_task"
	CmdFinishTask      CommandType = "finish_task"
	CmdAdvanceRebuilt  CommandType = "advance_rebuilt"
)

// Command is the unit written to the replicated log.
type Command struct {
	Type        CommandType      `json:"type"`
	Pool        string           `json:"pool,omitempty"`
	Targets     []poolmap.Target `json:"targets,omitempty"`
	Rank        poolmap.Rank     `json:"rank,omitempty"`
	Task        *rebuild.Task    `json:"task,omitempty"`
	Incarnation uint64           `json:"incarnation,omitempty"`
	Leader      string           `json:"leader,omitempty"`
}

// Response is what a successfully applied command returns.
type Response struct {
	Map         *poolmap.Map `json:"map,omitempty"`
	Incarnation uint64       `json:"incarnation,omitempty"`
}

type result struct {
	resp Response
	err  error
}

// PoolState is the replicated record of one pool.
type PoolState struct {
	Name       string        `json:"name"`
	Map        *poolmap.Map  `json:"map"`
	RebuiltMap *poolmap.Map  `json:"rebuilt_map"`
	Active     *rebuild.Task `json:"active,omitempty"`
	Last       *rebuild.Task `json:"last,omitempty"`
	Destroyed  bool          `json:"destroyed,omitempty"`
}

// RebuiltVersion is the newest map version whose data movement finished.
func (p *PoolState) RebuiltVersion() uint32 {
	return p.RebuiltMap.Version
}

// NeedsRebuild reports whether the current map has not been rebuilt and no
// task is running or has already given up on it.
func (p *PoolState) NeedsRebuild() bool {
	if p.Destroyed || p.Active != nil || p.Map.Version <= p.RebuiltVersion() {
		return false
	}
	if p.Last != nil && p.Last.Phase == rebuild.PhaseAborted && p.Last.ToVersion >= p.Map.Version {
		return false
	}
	return true
}

// Status is the rebuild status of the pool: the running task if there is
// one, otherwise the last finished task.
func (p *PoolState) Status() rebuild.Status {
	if p.Active != nil {
		return p.Active.Status()
	}
	return p.Last.Status()
}

// Clone returns a deep copy.
func (p *PoolState) Clone() *PoolState {
	out := *p
	out.Map = p.Map.Clone()
	out.RebuiltMap = p.RebuiltMap.Clone()
	out.Active = p.Active.Clone()
	out.Last = p.Last.Clone()
	return &out
}

// State is the whole replicated state.
type State struct {
	Incarnation uint64                `json:"incarnation"`
	Leader      string                `json:"leader"`
	Pools       map[string]*PoolState `json:"pools"`
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	out := &State{Incarnation: s.Incarnation, Leader: s.Leader, Pools: make(map[string]*PoolState, len(s.Pools))}
	for name, p := range s.Pools {
		out.Pools[name] = p.Clone()
	}
	return out
}

// PoolNames returns the pool names in sorted order.
func (s *State) PoolNames() []string {
	names := make([]string, 0, len(s.Pools))
	for name := range s.Pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FSM applies commands to State. It implements raft.FSM and is shared by
// every Store implementation.
type FSM struct {
	mu      sync.RWMutex
	state   *State
	index   uint64
	changed chan struct{}
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM returns an empty state machine.
func NewFSM() *FSM {
	return &FSM{
		state:   &State{Pools: make(map[string]*PoolState)},
		changed: make(chan struct{}),
	}
}

// State returns a snapshot of the current state.
func (f *FSM) State() *State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state.Clone()
}

// Watch returns a channel closed after the next applied command.
func (f *FSM) Watch() <-chan struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.changed
}

// AppliedIndex returns the number of commands applied so far.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.index
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	return f.applyBytes(l.Data)
}

func (f *FSM) applyBytes(data []byte) *result {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return &result{err: fmt.Errorf("decode command: %w", err)}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, err := f.applyLocked(cmd)
	f.index++
	if err == nil {
		close(f.changed)
		f.changed = make(chan struct{})
	}
	return &result{resp: resp, err: err}
}

func (f *FSM) pool(name string) (*PoolState, error) {
	p, ok := f.state.Pools[name]
	if !ok || p.Destroyed {
		return nil, fmt.Errorf("%w: %q", ErrPoolNotFound, name)
	}
	return p, nil
}

func (f *FSM) fence(cmd Command) error {
	if cmd.Incarnation < f.state.Incarnation {
		return fmt.Errorf("%w: command from %d, current %d", ErrStaleIncarnation, cmd.Incarnation, f.state.Incarnation)
	}
	return nil
}

func (f *FSM) applyLocked(cmd Command) (Response, error) {
	switch cmd.Type {
	case CmdCreatePool:
		if p, ok := f.state.Pools[cmd.Pool]; ok && !p.Destroyed {
			return Response{}, fmt.Errorf("%w: %q", ErrPoolExists, cmd.Pool)
		}
		if len(cmd.Targets) == 0 {
			return Response{}, fmt.Errorf("%w: pool %q has no targets", ErrInvalidCommand, cmd.Pool)
		}
		m := poolmap.New(cmd.Targets)
		f.state.Pools[cmd.Pool] = &PoolState{Name: cmd.Pool, Map: m, RebuiltMap: m.Clone()}
		return Response{Map: m.Clone()}, nil

	case CmdDestroyPool:
		p, err := f.pool(cmd.Pool)
		if err != nil {
			return Response{}, err
		}
		p.Destroyed = true
		if p.Active != nil {
			_ = p.Active.Advance(rebuild.PhaseAborted, rebuild.ReasonPoolDestroyed)
			p.Last, p.Active = p.Active, nil
		}
		return Response{}, nil

	case CmdExcludeTarget, CmdAddTarget:
		p, err := f.pool(cmd.Pool)
		if err != nil {
			return Response{}, err
		}
		var next *poolmap.Map
		if cmd.Type == CmdExcludeTarget {
			next, err = p.Map.Exclude(cmd.Rank)
		} else {
			next, err = p.Map.Add(cmd.Rank)
		}
		if err != nil {
			return Response{}, err
		}
		p.Map = next
		return Response{Map: next.Clone()}, nil

	case CmdBumpIncarnation:
		f.state.Incarnation++
		f.state.Leader = cmd.Leader
		return Response{Incarnation: f.state.Incarnation}, nil

	case CmdStartTask:
		return Response{}, f.startTask(cmd)

	case CmdPutTask:
		return Response{}, f.putTask(cmd)

	case CmdFinishTask:
		return f.finishTask(cmd)

	case CmdAdvanceRebuilt:
		if err := f.fence(cmd); err != nil {
			return Response{}, err
		}
		p, err := f.pool(cmd.Pool)
		if err != nil {
			return Response{}, err
		}
		if p.Active != nil || !p.RebuiltMap.SamePlacement(p.Map) || len(p.Map.Adding()) > 0 {
			return Response{}, fmt.Errorf("%w: placement changed since v%d", ErrSuperseded, p.RebuiltVersion())
		}
		p.RebuiltMap = p.Map.Clone()
		f.settle(p)
		return Response{Map: p.Map.Clone()}, nil
	}
	return Response{}, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
}

func (f *FSM) startTask(cmd Command) error {
	if err := f.fence(cmd); err != nil {
		return err
	}
	p, err := f.pool(cmd.Pool)
	if err != nil {
		return err
	}
	t := cmd.Task
	if t == nil || t.Phase != rebuild.PhaseScanning {
		return fmt.Errorf("%w: start needs a scanning task", ErrInvalidCommand)
	}
	if t.ToVersion != p.Map.Version || t.FromVersion != p.RebuiltVersion() {
		return fmt.Errorf("%w: task v%d->v%d, pool at v%d rebuilt v%d",
			ErrSuperseded, t.FromVersion, t.ToVersion, p.Map.Version, p.RebuiltVersion())
	}
	if p.Active != nil {
		reason := rebuild.ReasonSuperseded
		if p.Active.ToVersion == t.ToVersion {
			reason = rebuild.ReasonRetried
		}
		_ = p.Active.Advance(rebuild.PhaseAborted, reason)
		p.Last = p.Active
	}
	t = t.Clone()
	t.Incarnation, t.Leader = cmd.Incarnation, cmd.Leader
	p.Active = t
	return nil
}

func (f *FSM) activeFor(cmd Command) (*PoolState, error) {
	if err := f.fence(cmd); err != nil {
		return nil, err
	}
	p, err := f.pool(cmd.Pool)
	if err != nil {
		return nil, err
	}
	if cmd.Task == nil || p.Active == nil || p.Active.ID != cmd.Task.ID {
		return nil, fmt.Errorf("%w: no active task matches", ErrSuperseded)
	}
	return p, nil
}

func (f *FSM) putTask(cmd Command) error {
	p, err := f.activeFor(cmd)
	if err != nil {
		return err
	}
	t := cmd.Task
	if t.Phase.Terminal() {
		return fmt.Errorf("%w: terminal tasks are finished, not put", ErrInvalidCommand)
	}
	if t.Phase != p.Active.Phase && !p.Active.Phase.CanMove(t.Phase) {
		return fmt.Errorf("%w: %s -> %s", rebuild.ErrPhaseRegression, p.Active.Phase, t.Phase)
	}
	t = t.Clone()
	t.Incarnation, t.Leader = cmd.Incarnation, cmd.Leader
	p.Active = t
	return nil
}

func (f *FSM) finishTask(cmd Command) (Response, error) {
	p, err := f.activeFor(cmd)
	if err != nil {
		return Response{}, err
	}
	t := cmd.Task.Clone()
	if !t.Phase.Terminal() {
		return Response{}, fmt.Errorf("%w: finish needs a terminal task", ErrInvalidCommand)
	}
	if t.Phase == rebuild.PhaseDone && t.ToVersion != p.Map.Version {
		return Response{}, fmt.Errorf("%w: pool moved to v%d", ErrSuperseded, p.Map.Version)
	}
	t.Incarnation, t.Leader = cmd.Incarnation, cmd.Leader
	p.Last, p.Active = t, nil
	if t.Phase == rebuild.PhaseDone {
		p.RebuiltMap = t.To.Clone()
		f.settle(p)
	}
	return Response{Map: p.Map.Clone()}, nil
}

// settle commits EXCLUDING→EXCLUDED and ADDING→UP as a new version. The new
// version places data exactly like the rebuilt one, so it is rebuilt too.
func (f *FSM) settle(p *PoolState) {
	if next, changed := p.Map.Settle(); changed {
		p.Map = next
		p.RebuiltMap = next.Clone()
	}
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := json.Marshal(f.state)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	state := &State{}
	if err := json.NewDecoder(rc).Decode(state); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if state.Pools == nil {
		state.Pools = make(map[string]*PoolState)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
	close(f.changed)
	f.changed = make(chan struct{})
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func encode(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}
