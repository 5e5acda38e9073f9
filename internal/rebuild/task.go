// Package rebuild holds the rebuild task record: the checkpoint the
// coordinator persists after every acknowledged step, and the status derived
// from it.
package rebuild

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/shard"
)

// Phase is the position of a task in its state machine.
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseScanning Phase = "SCANNING"
	PhasePulling  Phase = "PULLING"
	PhaseDone     Phase = "DONE"
	PhaseAborted  Phase = "ABORTED"
)

// ErrPhaseRegression is returned when a transition would move a task
// backwards or skip a phase.
var ErrPhaseRegression = errors.New("rebuild phase may not regress")

func (p Phase) order() int {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseScanning:
		return 1
	case PhasePulling:
		return 2
	case PhaseDone, PhaseAborted:
		return 3
	}
	return -1
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// CanMove reports whether next is a legal successor of p. Aborted is
// reachable from every non-terminal phase; otherwise phases advance one
// step at a time.
func (p Phase) CanMove(next Phase) bool {
	if p.Terminal() {
		return false
	}
	if next == PhaseAborted {
		return true
	}
	return next.order() == p.order()+1
}

// Abort reasons recorded in the task.
const (
	ReasonSuperseded     = "superseded by newer map version"
	ReasonPoolDestroyed  = "pool destroyed"
	ReasonBudgetExceeded = "error budget exceeded"
	ReasonScanFailed     = "scan failed"
	ReasonUnresponsive   = "target unresponsive"
	ReasonOperator       = "aborted by operator"
	ReasonRetried        = "retried as a new attempt"
)

// Counters aggregate rebuild progress.
type Counters struct {
	ObjectsScanned uint64 `json:"objects_scanned"`
	WorkItems      uint64 `json:"work_items"`
	ObjectsPulled  uint64 `json:"objects_pulled"`
	RecordsPulled  uint64 `json:"records_pulled"`
	BytesPulled    uint64 `json:"bytes_pulled"`
	Errors         uint64 `json:"errors"`
}

// Add returns the field-wise sum.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		ObjectsScanned: c.ObjectsScanned + o.ObjectsScanned,
		WorkItems:      c.WorkItems + o.WorkItems,
		ObjectsPulled:  c.ObjectsPulled + o.ObjectsPulled,
		RecordsPulled:  c.RecordsPulled + o.RecordsPulled,
		BytesPulled:    c.BytesPulled + o.BytesPulled,
		Errors:         c.Errors + o.Errors,
	}
}

// TargetProgress is what one target has acknowledged. Counters are the
// final values from that target's retained result, so an acknowledgement
// that arrives twice overwrites rather than accumulates.
type TargetProgress struct {
	ScanDone  bool     `json:"scan_done"`
	PullDone  bool     `json:"pull_done"`
	ScanEpoch uint64   `json:"scan_epoch"`
	Scan      Counters `json:"scan"`
	Pull      Counters `json:"pull"`

	// Undelivered are objects whose work items this target could not
	// send; Unpulled are objects it failed to pull.
	Undelivered []shard.OID `json:"undelivered,omitempty"`
	Unpulled    []shard.OID `json:"unpulled,omitempty"`
}

// Task is the persisted checkpoint of one rebuild. At most one non-terminal
// task exists per pool.
type Task struct {
	ID          string                           `json:"id"`
	Pool        string                           `json:"pool"`
	FromVersion uint32                           `json:"from_version"`
	ToVersion   uint32                           `json:"to_version"`
	Attempt     int                              `json:"attempt"`
	Phase       Phase                            `json:"phase"`
	Reason      string                           `json:"reason,omitempty"`
	Incarnation uint64                           `json:"incarnation"`
	Leader      string                           `json:"leader"`
	From        *poolmap.Map                     `json:"from"`
	To          *poolmap.Map                     `json:"to"`
	Targets     map[poolmap.Rank]*TargetProgress `json:"targets"`
}

// NewTask creates a task in the SCANNING phase covering from → to. Every
// rank in placement at the destination version must acknowledge each phase.
func NewTask(id, pool string, from, to *poolmap.Map, attempt int) *Task {
	t := &Task{
		ID:          id,
		Pool:        pool,
		FromVersion: from.Version,
		ToVersion:   to.Version,
		Attempt:     attempt,
		Phase:       PhaseScanning,
		From:        from.Clone(),
		To:          to.Clone(),
		Targets:     make(map[poolmap.Rank]*TargetProgress),
	}
	for _, r := range to.PlacementRanks() {
		t.Targets[r] = &TargetProgress{}
	}
	return t
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.From = t.From.Clone()
	out.To = t.To.Clone()
	out.Targets = make(map[poolmap.Rank]*TargetProgress, len(t.Targets))
	for r, p := range t.Targets {
		cp := *p
		cp.Undelivered = append([]shard.OID(nil), p.Undelivered...)
		cp.Unpulled = append([]shard.OID(nil), p.Unpulled...)
		out.Targets[r] = &cp
	}
	return &out
}

// Advance moves the task to next, refusing illegal transitions.
func (t *Task) Advance(next Phase, reason string) error {
	if !t.Phase.CanMove(next) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, t.Phase, next)
	}
	t.Phase = next
	if next == PhaseAborted {
		t.Reason = reason
	}
	return nil
}

// Required returns the ranks that must acknowledge each phase, sorted.
func (t *Task) Required() []poolmap.Rank {
	ranks := make([]poolmap.Rank, 0, len(t.Targets))
	for r := range t.Targets {
		ranks = append(ranks, r)
	}
	sort.Slice(ranks, func(i, j int) bool { return ranks[i] < ranks[j] })
	return ranks
}

// Pending returns the ranks that have not acknowledged the current phase.
func (t *Task) Pending() []poolmap.Rank {
	var out []poolmap.Rank
	for _, r := range t.Required() {
		p := t.Targets[r]
		switch t.Phase {
		case PhaseScanning:
			if !p.ScanDone {
				out = append(out, r)
			}
		case PhasePulling:
			if !p.PullDone {
				out = append(out, r)
			}
		}
	}
	return out
}

// Counters sums the per-target counters.
func (t *Task) Counters() Counters {
	var c Counters
	for _, r := range t.Required() {
		p := t.Targets[r]
		c = c.Add(p.Scan).Add(p.Pull)
	}
	return c
}

// Unsettled returns every object that did not reach a new owner, in OID
// order without duplicates. Reclaim must keep their old copies.
func (t *Task) Unsettled() []shard.OID {
	seen := make(map[shard.OID]bool)
	var out []shard.OID
	for _, r := range t.Required() {
		p := t.Targets[r]
		for _, list := range [][]shard.OID{p.Undelivered, p.Unpulled} {
			for _, oid := range list {
				if !seen[oid] {
					seen[oid] = true
					out = append(out, oid)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Status is the externally visible state of a pool's rebuild. It contains
// nothing that depends on which leader answered, so it is identical across
// leader changes once the task is terminal.
type Status struct {
	Version  uint32   `json:"version"`
	Phase    Phase    `json:"phase"`
	Done     bool     `json:"done"`
	Reason   string   `json:"reason,omitempty"`
	Counters Counters `json:"counters"`
}

// Status derives the external view of the task.
func (t *Task) Status() Status {
	if t == nil {
		return Status{Phase: PhaseIdle, Done: true}
	}
	return Status{
		Version:  t.ToVersion,
		Phase:    t.Phase,
		Done:     t.Phase.Terminal(),
		Reason:   t.Reason,
		Counters: t.Counters(),
	}
}
