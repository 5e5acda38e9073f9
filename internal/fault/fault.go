// Package fault implements named fault points for exercising failure paths.
//
// Rebuild code never checks fault points directly. It calls
// Policy.Consult at a fixed set of hooks and reacts to the returned error
// the same way it would react to the real failure the point models. An
// Injector is the Policy used by the binaries and the test harness; Nop is
// used when fault injection is disabled.
package fault

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/rebuildd/internal/poolmap"
)

// Point names one injectable failure.
type Point string

const (
	ScanHang         Point = "scan-hang"
	PullHang         Point = "pull-hang"
	RebuildHang      Point = "rebuild-hang"
	DropScanReply    Point = "drop-scan-reply"
	DropPullReply    Point = "drop-pull-reply"
	DropObjectsReply Point = "drop-objects-reply"
	SendObjectsFail  Point = "send-objects-fail"
	NoHandle         Point = "no-handle"
	StalePoolVersion Point = "stale-pool-version"
	UpdateFail       Point = "update-fail"
	TargetStartFail  Point = "target-start-fail"
	IVUpdateFail     Point = "iv-update-fail"
	OutOfSpace       Point = "out-of-space"
	SkipHeartbeat    Point = "skip-heartbeat"
)

// Points lists every known point.
var Points = []Point{
	ScanHang, PullHang, RebuildHang, DropScanReply, DropPullReply,
	DropObjectsReply, SendObjectsFail, NoHandle, StalePoolVersion, UpdateFail,
	TargetStartFail, IVUpdateFail, OutOfSpace, SkipHeartbeat,
}

// Hook is a place in the rebuild flow where the policy is consulted.
type Hook string

const (
	HookScan         Hook = "scan"          // before a target opens its object handle for scanning
	HookScanStart    Hook = "scan-start"    // when a target accepts ScanStart
	HookPullStart    Hook = "pull-start"    // when a target accepts PullStart
	HookPull         Hook = "pull"          // before each object is fetched
	HookSendObjects  Hook = "send-objects"  // before a source ships work items
	HookObjectsReply Hook = "objects-reply" // before a destination acknowledges work items
	HookSpaceCheck   Hook = "space-check"   // before a pulled object is applied
	HookScanReply    Hook = "scan-reply"    // before ScanDone is sent
	HookPullReply    Hook = "pull-reply"    // before PullDone is sent
	HookReport       Hook = "report"        // before any progress report leaves a target
	HookMapUpdate    Hook = "map-update"    // before a pool map change is proposed
	HookHeartbeat    Hook = "heartbeat"     // on every leader heartbeat
)

// Scope tells the policy where it is being consulted.
type Scope struct {
	Pool    string
	Rank    poolmap.Rank
	Version uint32
}

var (
	// ErrInjected is the root of every injected failure.
	ErrInjected = errors.New("injected fault")
	// ErrDropped means the message being sent must be silently lost.
	ErrDropped = fmt.Errorf("%w: message dropped", ErrInjected)
	// ErrNoHandle models a transiently unavailable object handle.
	ErrNoHandle = fmt.Errorf("%w: no handle", ErrInjected)
	// ErrStaleVersion asks the caller to behave as if it had not seen the latest map.
	ErrStaleVersion = fmt.Errorf("%w: stale pool version", ErrInjected)
	// ErrNoSpace models exhausted capacity on a destination.
	ErrNoSpace = fmt.Errorf("%w: out of space", ErrInjected)
	// ErrUnknownPoint is returned by Set for a name that is not in Points.
	ErrUnknownPoint = errors.New("unknown fault point")
)

// Policy decides whether a hook fails. Consult blocks for hang points until
// the point is cleared or ctx is done. Changed returns a channel closed the
// next time any setting changes.
type Policy interface {
	Consult(ctx context.Context, hook Hook, scope Scope) error
	Changed() <-chan struct{}
}

// Nop never injects anything.
type Nop struct{}

func (Nop) Consult(context.Context, Hook, Scope) error { return nil }
func (Nop) Changed() <-chan struct{}                   { return nil }

// Mode controls how often a point fires.
type Mode string

const (
	Off        Mode = "off"
	Once       Mode = "once"
	Persistent Mode = "persistent"
)

// Setting is the state of one point. When HasValue is set the point only
// fires for the rank equal to Value.
type Setting struct {
	Mode     Mode   `json:"mode"`
	Value    uint64 `json:"value,omitempty"`
	HasValue bool   `json:"has_value,omitempty"`
}

func (s Setting) matches(rank poolmap.Rank) bool {
	return s.Mode != Off && (!s.HasValue || s.Value == uint64(rank))
}

// Injector is a concurrency-safe set of fault points.
type Injector struct {
	mu      sync.Mutex
	points  map[Point]Setting
	hits    map[Point]int
	changed chan struct{}
}

// NewInjector returns an injector with every point off.
func NewInjector() *Injector {
	return &Injector{
		points:  make(map[Point]Setting),
		hits:    make(map[Point]int),
		changed: make(chan struct{}),
	}
}

func known(p Point) bool {
	for _, k := range Points {
		if k == p {
			return true
		}
	}
	return false
}

// Set changes a point. Setting Mode Off is the same as Clear.
func (in *Injector) Set(p Point, s Setting) error {
	if !known(p) {
		return fmt.Errorf("%w: %q", ErrUnknownPoint, p)
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if s.Mode == Off || s.Mode == "" {
		delete(in.points, p)
	} else {
		in.points[p] = s
	}
	in.notifyLocked()
	return nil
}

// Clear turns a point off and releases anything hanging on it.
func (in *Injector) Clear(p Point) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.points, p)
	in.notifyLocked()
}

// Reset turns every point off.
func (in *Injector) Reset() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.points = make(map[Point]Setting)
	in.notifyLocked()
}

// Active returns the points that are currently set, sorted by name.
func (in *Injector) Active() map[Point]Setting {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[Point]Setting, len(in.points))
	for p, s := range in.points {
		out[p] = s
	}
	return out
}

// ActiveNames is Active as a sorted name list, for logs.
func (in *Injector) ActiveNames() []string {
	active := in.Active()
	names := make([]string, 0, len(active))
	for p := range active {
		names = append(names, string(p))
	}
	sort.Strings(names)
	return names
}

// Hits returns how many times a point has fired.
func (in *Injector) Hits(p Point) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.hits[p]
}

// Changed implements Policy.
func (in *Injector) Changed() <-chan struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.changed
}

func (in *Injector) notifyLocked() {
	close(in.changed)
	in.changed = make(chan struct{})
}

// fire reports whether p fires for rank, consuming a Once setting.
func (in *Injector) fire(p Point, rank poolmap.Rank) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	s, ok := in.points[p]
	if !ok || !s.matches(rank) {
		return false
	}
	in.hits[p]++
	if s.Mode == Once {
		delete(in.points, p)
		in.notifyLocked()
	}
	return true
}

// hang blocks while p is set for rank.
func (in *Injector) hang(ctx context.Context, p Point, rank poolmap.Rank) error {
	counted := false
	for {
		in.mu.Lock()
		s, ok := in.points[p]
		wait := in.changed
		if ok && s.matches(rank) && !counted {
			in.hits[p]++
			counted = true
		}
		in.mu.Unlock()
		if !ok || !s.matches(rank) {
			return nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Consult implements Policy.
func (in *Injector) Consult(ctx context.Context, hook Hook, scope Scope) error {
	r := scope.Rank
	switch hook {
	case HookScan:
		if err := in.hang(ctx, ScanHang, r); err != nil {
			return err
		}
		if in.fire(NoHandle, r) {
			return ErrNoHandle
		}
	case HookScanStart:
		if in.fire(TargetStartFail, r) {
			return fmt.Errorf("%w: target start failed", ErrInjected)
		}
		if in.fire(StalePoolVersion, r) {
			return ErrStaleVersion
		}
	case HookPullStart:
		if err := in.hang(ctx, RebuildHang, r); err != nil {
			return err
		}
	case HookPull:
		if err := in.hang(ctx, PullHang, r); err != nil {
			return err
		}
	case HookSendObjects:
		if in.fire(SendObjectsFail, r) {
			return fmt.Errorf("%w: send objects failed", ErrInjected)
		}
	case HookObjectsReply:
		if in.fire(DropObjectsReply, r) {
			return ErrDropped
		}
	case HookSpaceCheck:
		if in.fire(OutOfSpace, r) {
			return ErrNoSpace
		}
	case HookScanReply:
		if in.fire(DropScanReply, r) {
			return ErrDropped
		}
	case HookPullReply:
		if in.fire(DropPullReply, r) {
			return ErrDropped
		}
	case HookReport:
		if in.fire(IVUpdateFail, r) {
			return fmt.Errorf("%w: progress update failed", ErrInjected)
		}
	case HookMapUpdate:
		if in.fire(UpdateFail, r) {
			return fmt.Errorf("%w: map update failed", ErrInjected)
		}
	case HookHeartbeat:
		if in.fire(SkipHeartbeat, r) {
			return fmt.Errorf("%w: heartbeat skipped", ErrInjected)
		}
	}
	return nil
}
