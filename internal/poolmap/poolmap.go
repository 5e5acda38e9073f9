// Package poolmap holds the versioned membership record of a pool: which
// targets exist and what state each one is in. A Map is a value; every
// transition returns a new Map with the next version and leaves the receiver
// untouched, so snapshots can be shared between goroutines without locking.
package poolmap

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/slices"
)

// Rank identifies a storage target inside a pool.
type Rank uint32

// NoRank marks a shard slot that could not be assigned to any target.
const NoRank Rank = ^Rank(0)

func (r Rank) String() string {
	if r == NoRank {
		return "none"
	}
	return fmt.Sprintf("rank-%d", uint32(r))
}

// TargetState is the membership state of a target.
type TargetState string

const (
	// StateUp targets serve I/O and hold shards.
	StateUp TargetState = "UP"
	// StateExcluding targets are out of placement; their shards are being rebuilt elsewhere.
	StateExcluding TargetState = "EXCLUDING"
	// StateExcluded targets are out of placement and rebuild has finished.
	StateExcluded TargetState = "EXCLUDED"
	// StateAdding targets are back in placement and receiving rebuilt shards.
	StateAdding TargetState = "ADDING"
)

var (
	// ErrUnknownTarget is returned when a rank is not a member of the map.
	ErrUnknownTarget = errors.New("unknown target")
	// ErrInvalidTransition is returned when a state change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid target state transition")
)

// Target is one member of a pool map.
type Target struct {
	Rank  Rank        `json:"rank"`
	State TargetState `json:"state"`
	Addr  string      `json:"addr,omitempty"`
}

// InPlacement reports whether the placement function may assign shards to
// a target in this state.
func (s TargetState) InPlacement() bool {
	return s == StateUp || s == StateAdding
}

// Map is one version of a pool's membership.
type Map struct {
	Version uint32   `json:"version"`
	Targets []Target `json:"targets"`
}

// New builds version 1 of a map with every rank UP.
func New(targets []Target) *Map {
	m := &Map{Version: 1, Targets: make([]Target, 0, len(targets))}
	for _, t := range targets {
		t.State = StateUp
		m.Targets = append(m.Targets, t)
	}
	sort.Slice(m.Targets, func(i, j int) bool { return m.Targets[i].Rank < m.Targets[j].Rank })
	return m
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	if m == nil {
		return nil
	}
	out := &Map{Version: m.Version, Targets: make([]Target, len(m.Targets))}
	copy(out.Targets, m.Targets)
	return out
}

// Target returns the member with the given rank.
func (m *Map) Target(rank Rank) (Target, bool) {
	idx := slices.IndexFunc(m.Targets, func(t Target) bool { return t.Rank == rank })
	if idx < 0 {
		return Target{}, false
	}
	return m.Targets[idx], true
}

// Ranks returns every rank in the map in ascending order.
func (m *Map) Ranks() []Rank {
	ranks := make([]Rank, 0, len(m.Targets))
	for _, t := range m.Targets {
		ranks = append(ranks, t.Rank)
	}
	return ranks
}

// InPlacement reports whether rank may hold shards at this version.
func (m *Map) InPlacement(rank Rank) bool {
	t, ok := m.Target(rank)
	return ok && t.State.InPlacement()
}

// IsAdding reports whether rank is back in placement but not yet rebuilt.
func (m *Map) IsAdding(rank Rank) bool {
	t, ok := m.Target(rank)
	return ok && t.State == StateAdding
}

// Adding returns the ranks in state ADDING.
func (m *Map) Adding() []Rank {
	var ranks []Rank
	for _, t := range m.Targets {
		if t.State == StateAdding {
			ranks = append(ranks, t.Rank)
		}
	}
	return ranks
}

// PlacementRanks returns the ranks that participate in placement.
func (m *Map) PlacementRanks() []Rank {
	var ranks []Rank
	for _, t := range m.Targets {
		if t.State.InPlacement() {
			ranks = append(ranks, t.Rank)
		}
	}
	return ranks
}

// SamePlacement reports whether two maps place shards identically, which is
// the case when exactly the same ranks are in placement.
func (m *Map) SamePlacement(other *Map) bool {
	return slices.Equal(m.PlacementRanks(), other.PlacementRanks())
}

// Exclude returns the next version with rank moved out of placement.
func (m *Map) Exclude(rank Rank) (*Map, error) {
	return m.transition(rank, func(s TargetState) (TargetState, bool) {
		switch s {
		case StateUp, StateAdding:
			return StateExcluding, true
		}
		return s, false
	})
}

// Add returns the next version with an excluded rank brought back into
// placement as a rebuild destination.
func (m *Map) Add(rank Rank) (*Map, error) {
	return m.transition(rank, func(s TargetState) (TargetState, bool) {
		switch s {
		case StateExcluded, StateExcluding:
			return StateAdding, true
		}
		return s, false
	})
}

// Settle finishes the transitional states once rebuild has completed:
// EXCLUDING becomes EXCLUDED and ADDING becomes UP. The second return value
// is false when nothing changed, in which case the receiver is returned.
func (m *Map) Settle() (*Map, bool) {
	next := m.Clone()
	changed := false
	for i := range next.Targets {
		switch next.Targets[i].State {
		case StateExcluding:
			next.Targets[i].State = StateExcluded
			changed = true
		case StateAdding:
			next.Targets[i].State = StateUp
			changed = true
		}
	}
	if !changed {
		return m, false
	}
	next.Version++
	return next, true
}

func (m *Map) transition(rank Rank, fn func(TargetState) (TargetState, bool)) (*Map, error) {
	idx := slices.IndexFunc(m.Targets, func(t Target) bool { return t.Rank == rank })
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, rank)
	}
	cur := m.Targets[idx].State
	nextState, ok := fn(cur)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, rank, cur)
	}
	next := m.Clone()
	next.Targets[idx].State = nextState
	next.Version++
	return next, nil
}

func (m *Map) String() string {
	parts := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		parts = append(parts, fmt.Sprintf("%d:%s", t.Rank, t.State))
	}
	return fmt.Sprintf("v%d[%s]", m.Version, strings.Join(parts, " "))
}
