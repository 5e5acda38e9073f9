// Package system assembles a whole pool in one process: a replicated pool
// service with a coordinator per replica, the storage targets and a client.
// End-to-end tests and the coordinator's sim command drive rebuild
// scenarios through it.
//
// Every component talks through a cluster.LocalNetwork, so a target can be
// "killed" by making it unreachable, and leadership moves through the
// replica group exactly as it would after a missed raft heartbeat.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/coordinator"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/storage"
	"github.com/dreamware/rebuildd/internal/target"
)

// Options sizes an in-process cluster.
type Options struct {
	Targets  int
	Replicas int
	Rebuild  coordinator.Config
	Target   target.Config
	// Heartbeat is how often the leader's heartbeat is checked against the
	// skip-heartbeat fault point. Zero disables the check. The point's value
	// names a replica index rather than a target rank.
	Heartbeat time.Duration
	Log       logr.Logger
}

func (o Options) withDefaults() Options {
	if o.Targets <= 0 {
		o.Targets = 4
	}
	if o.Replicas <= 0 {
		o.Replicas = 1
	}
	if o.Log.GetSink() == nil {
		o.Log = logr.Discard()
	}
	return o
}

// Cluster is a running in-process pool deployment.
type Cluster struct {
	Group              *rdb.MemGroup
	Network            *cluster.LocalNetwork
	Faults             *fault.Injector
	Services           []*poolsvc.Service
	Coordinators       []*coordinator.Coordinator
	CoordinatorMetrics []*metrics.Metrics
	Agents             []*target.Agent
	TargetMetrics      *metrics.Metrics
	Clock              *storage.Clock

	opts   Options
	log    logr.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Start builds the cluster, elects replica 0 and starts every coordinator.
func Start(opts Options) *Cluster {
	opts = opts.withDefaults()
	ids := make([]string, opts.Replicas)
	for i := range ids {
		ids[i] = fmt.Sprintf("svc-%d", i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cluster{
		Group:         rdb.NewMemGroup(ids...),
		Network:       cluster.NewLocalNetwork(),
		Faults:        fault.NewInjector(),
		TargetMetrics: metrics.New(false),
		Clock:         storage.NewClock(),
		opts:          opts,
		log:           opts.Log.WithName("system"),
		cancel:        cancel,
	}

	for i := 0; i < opts.Targets; i++ {
		rank := poolmap.Rank(i)
		a := target.New(rank, opts.Target, c.Network, c.Network, c.Faults, c.TargetMetrics, opts.Log)
		c.Agents = append(c.Agents, a)
		c.Network.AddTarget(rank, a)
	}

	for i := 0; i < opts.Replicas; i++ {
		svc := poolsvc.New(c.Group.Replica(i), c.Faults, opts.Log)
		m := metrics.New(false)
		coord := coordinator.New(svc, c.Network, opts.Rebuild, m, opts.Log)
		c.Services = append(c.Services, svc)
		c.Coordinators = append(c.Coordinators, coord)
		c.CoordinatorMetrics = append(c.CoordinatorMetrics, m)
	}
	c.Elect(0)

	for _, coord := range c.Coordinators {
		c.wg.Add(1)
		go func(coord *coordinator.Coordinator) {
			defer c.wg.Done()
			if err := coord.Run(ctx); err != nil {
				c.log.Error(err, "coordinator stopped")
			}
		}(coord)
	}
	if opts.Heartbeat > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.heartbeat(ctx)
		}()
	}
	c.log.Info("cluster started", "targets", opts.Targets, "replicas", opts.Replicas)
	return c
}

// Close stops coordinators and targets.
func (c *Cluster) Close() {
	c.cancel()
	c.wg.Wait()
	for _, a := range c.Agents {
		a.Close()
	}
}

// Elect moves leadership to replica i and routes target reports to its
// coordinator.
func (c *Cluster) Elect(i int) {
	c.Group.Elect(i)
	c.Network.SetCoordinator(c.Coordinators[i])
	c.log.Info("leader elected", "replica", c.Services[i].Store().ID())
}

// ElectNext moves leadership to the next replica in order.
func (c *Cluster) ElectNext() {
	c.Elect((c.Group.LeaderIndex() + 1) % len(c.Services))
}

// heartbeat stands in for the raft leader lease: a leader that skips a
// heartbeat loses leadership to the next replica.
func (c *Cluster) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		leader := c.Group.LeaderIndex()
		if leader < 0 || len(c.Services) < 2 {
			continue
		}
		err := c.Faults.Consult(ctx, fault.HookHeartbeat, fault.Scope{Rank: poolmap.Rank(leader)})
		if err != nil {
			c.log.Info("leader missed heartbeat", "replica", leader, "err", err.Error())
			c.ElectNext()
		}
	}
}

// Leader returns the leading replica's service.
func (c *Cluster) Leader() *poolsvc.Service {
	i := c.Group.LeaderIndex()
	if i < 0 {
		i = 0
	}
	return c.Services[i]
}

// Kill makes a target unreachable. Its data is kept, as on a crashed
// process whose disks survive.
func (c *Cluster) Kill(rank poolmap.Rank) {
	c.Network.SetReachable(rank, false)
	c.log.Info("target killed", "rank", rank.String())
}

// Revive makes a killed target reachable again.
func (c *Cluster) Revive(rank poolmap.Rank) {
	c.Network.SetReachable(rank, true)
	c.log.Info("target revived", "rank", rank.String())
}

// Ranks returns every target rank.
func (c *Cluster) Ranks() []poolmap.Rank {
	out := make([]poolmap.Rank, len(c.Agents))
	for i := range out {
		out[i] = poolmap.Rank(i)
	}
	return out
}

// CreatePool creates a pool over every target.
func (c *Cluster) CreatePool(ctx context.Context, name string) (*poolmap.Map, error) {
	targets := make([]poolmap.Target, len(c.Agents))
	for i := range targets {
		targets[i] = poolmap.Target{Rank: poolmap.Rank(i)}
	}
	return c.Leader().CreatePool(ctx, name, targets)
}

// DestroyPool destroys a pool through the leader.
func (c *Cluster) DestroyPool(ctx context.Context, name string) error {
	return c.Leader().DestroyPool(ctx, name)
}

// Exclude takes rank out of the pool, retrying while another map change
// for the pool is in flight.
func (c *Cluster) Exclude(ctx context.Context, pool string, rank poolmap.Rank) (*poolmap.Map, error) {
	return c.updateMap(ctx, "exclude", func() (*poolmap.Map, error) {
		return c.Leader().ExcludeTarget(ctx, pool, rank)
	})
}

// Add brings rank back into the pool.
func (c *Cluster) Add(ctx context.Context, pool string, rank poolmap.Rank) (*poolmap.Map, error) {
	return c.updateMap(ctx, "add", func() (*poolmap.Map, error) {
		return c.Leader().AddTarget(ctx, pool, rank)
	})
}

func (c *Cluster) updateMap(ctx context.Context, what string, fn func() (*poolmap.Map, error)) (*poolmap.Map, error) {
	var m *poolmap.Map
	err := retry.Do(ctx, c.opts.Rebuild.Retry, c.log, what, func() error {
		var err error
		m, err = fn()
		if err != nil && !errors.Is(err, poolsvc.ErrBusy) && !errors.Is(err, poolsvc.ErrNotLeader) {
			return retry.Permanent(err)
		}
		return err
	})
	return m, err
}

// Pool returns the replicated state of a pool.
func (c *Cluster) Pool(name string) (*rdb.PoolState, error) {
	return c.Leader().Pool(name)
}

// WaitRebuilt blocks until the pool has no running task and nothing left
// to rebuild: its current map is rebuilt, the last task for it aborted, or
// the pool was destroyed.
func (c *Cluster) WaitRebuilt(ctx context.Context, pool string) (*rdb.PoolState, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		watch := c.Leader().Store().Watch()
		p, err := c.Pool(pool)
		if err != nil {
			return nil, err
		}
		if p.Active == nil && !p.NeedsRebuild() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, fmt.Errorf("pool %s still rebuilding at v%d: %w", pool, p.Map.Version, ctx.Err())
		case <-watch:
		case <-ticker.C:
		}
	}
}
