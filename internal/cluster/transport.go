package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dreamware/rebuildd/internal/poolmap"
)

// ErrUnreachable is returned when a peer cannot be contacted.
var ErrUnreachable = errors.New("peer unreachable")

// TargetHandler is the control surface a target exposes. Scan and pull
// handlers must return quickly and do their work in the background.
type TargetHandler interface {
	HandleScanStart(ctx context.Context, req ScanStart) error
	HandlePullStart(ctx context.Context, req PullStart) error
	HandleAbort(ctx context.Context, req Abort) error
	HandleReclaim(ctx context.Context, req Reclaim) error
	HandleSendObjects(ctx context.Context, req SendObjects) error
	HandleFetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// ReportHandler receives target reports on the coordinator.
type ReportHandler interface {
	HandleScanDone(ctx context.Context, rep ScanDone) error
	HandlePullDone(ctx context.Context, rep PullDone) error
}

// TargetClient calls targets by rank.
type TargetClient interface {
	ScanStart(ctx context.Context, rank poolmap.Rank, req ScanStart) error
	PullStart(ctx context.Context, rank poolmap.Rank, req PullStart) error
	Abort(ctx context.Context, rank poolmap.Rank, req Abort) error
	Reclaim(ctx context.Context, rank poolmap.Rank, req Reclaim) error
	SendObjects(ctx context.Context, rank poolmap.Rank, req SendObjects) error
	Fetch(ctx context.Context, rank poolmap.Rank, req FetchRequest) (FetchResponse, error)
	Ping(ctx context.Context, rank poolmap.Rank) error
}

// Reporter delivers target reports to whichever coordinator leads.
type Reporter interface {
	ScanDone(ctx context.Context, rep ScanDone) error
	PullDone(ctx context.Context, rep PullDone) error
}

// LocalNetwork connects in-process targets and coordinators. Ranks can be
// marked unreachable to simulate a dead process, and the report handler is
// swapped when leadership moves.
type LocalNetwork struct {
	mu          sync.RWMutex
	targets     map[poolmap.Rank]TargetHandler
	down        map[poolmap.Rank]bool
	coordinator ReportHandler
}

var (
	_ TargetClient = (*LocalNetwork)(nil)
	_ Reporter     = (*LocalNetwork)(nil)
)

// NewLocalNetwork returns an empty network.
func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		targets: make(map[poolmap.Rank]TargetHandler),
		down:    make(map[poolmap.Rank]bool),
	}
}

// AddTarget attaches a target handler.
func (n *LocalNetwork) AddTarget(rank poolmap.Rank, h TargetHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets[rank] = h
}

// SetReachable marks a rank up or down.
func (n *LocalNetwork) SetReachable(rank poolmap.Rank, up bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if up {
		delete(n.down, rank)
	} else {
		n.down[rank] = true
	}
}

// SetCoordinator routes reports to h. A nil handler makes every report
// fail as unreachable, as when no leader is elected.
func (n *LocalNetwork) SetCoordinator(h ReportHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.coordinator = h
}

func (n *LocalNetwork) target(rank poolmap.Rank) (TargetHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.targets[rank]
	if !ok || n.down[rank] {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, rank)
	}
	return h, nil
}

func (n *LocalNetwork) leader() (ReportHandler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.coordinator == nil {
		return nil, fmt.Errorf("%w: no coordinator", ErrUnreachable)
	}
	return n.coordinator, nil
}

func (n *LocalNetwork) ScanStart(ctx context.Context, rank poolmap.Rank, req ScanStart) error {
	h, err := n.target(rank)
	if err != nil {
		return err
	}
	return h.HandleScanStart(ctx, req)
}

func (n *LocalNetwork) PullStart(ctx context.Context, rank poolmap.Rank, req PullStart) error {
	h, err := n.target(rank)
	if err != nil {
		return err
	}
	return h.HandlePullStart(ctx, req)
}

func (n *LocalNetwork) Abort(ctx context.Context, rank poolmap.Rank, req Abort) error {
	h, err := n.target(rank)
	if err != nil {
		return err
	}
	return h.HandleAbort(ctx, req)
}

func (n *LocalNetwork) Reclaim(ctx context.Context, rank poolmap.Rank, req Reclaim) error {
	h, err := n.target(rank)
	if err != nil {
		return err
	}
	return h.HandleReclaim(ctx, req)
}

func (n *LocalNetwork) SendObjects(ctx context.Context, rank poolmap.Rank, req SendObjects) error {
	h, err := n.target(rank)
	if err != nil {
		return err
	}
	return h.HandleSendObjects(ctx, req)
}

func (n *LocalNetwork) Fetch(ctx context.Context, rank poolmap.Rank, req FetchRequest) (FetchResponse, error) {
	h, err := n.target(rank)
	if err != nil {
		return FetchResponse{}, err
	}
	return h.HandleFetch(ctx, req)
}

func (n *LocalNetwork) Ping(ctx context.Context, rank poolmap.Rank) error {
	_, err := n.target(rank)
	return err
}

func (n *LocalNetwork) ScanDone(ctx context.Context, rep ScanDone) error {
	h, err := n.leader()
	if err != nil {
		return err
	}
	if n.isDown(rep.Rank) {
		return fmt.Errorf("%w: %s is down", ErrUnreachable, rep.Rank)
	}
	return h.HandleScanDone(ctx, rep)
}

func (n *LocalNetwork) PullDone(ctx context.Context, rep PullDone) error {
	h, err := n.leader()
	if err != nil {
		return err
	}
	if n.isDown(rep.Rank) {
		return fmt.Errorf("%w: %s is down", ErrUnreachable, rep.Rank)
	}
	return h.HandlePullDone(ctx, rep)
}

func (n *LocalNetwork) isDown(rank poolmap.Rank) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.down[rank]
}
