// Package pull implements the pull half of a rebuild on one target: fetch
// every shard the target was told it now owns from its source, and apply
// it to the local store under the epoch rule.
package pull

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// ErrBudgetExceeded is returned when more objects failed than the
// configured error budget allows.
var ErrBudgetExceeded = errors.New("error budget exceeded")

// Fetcher reads an object from a source target.
type Fetcher interface {
	Fetch(ctx context.Context, rank poolmap.Rank, req cluster.FetchRequest) (cluster.FetchResponse, error)
}

// Config tunes the engine.
type Config struct {
	Workers     int           `mapstructure:"workers"`
	ErrorBudget int           `mapstructure:"error_budget"` // negative means unlimited
	ResumePoll  time.Duration `mapstructure:"resume_poll"`
	Retry       retry.Policy  `mapstructure:"retry"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.ResumePoll <= 0 {
		c.ResumePoll = 500 * time.Millisecond
	}
	return c
}

// Request is the set of work items a target received during scan.
type Request struct {
	Ref   cluster.TaskRef
	Rank  poolmap.Rank
	Items []shard.WorkItem
}

// Result is what a finished pull reports. Failed names the objects that
// could not be pulled, in OID order.
type Result struct {
	Counters rebuild.Counters
	Pauses   uint64
	Failed   []shard.OID
}

// Hooks lets the caller observe progress, e.g. to feed metrics.
type Hooks struct {
	OnPulled func(records int, bytes uint64)
	OnPause  func()
}

// Engine pulls shards into one target's store.
type Engine struct {
	store   storage.Store
	space   *storage.Accountant
	fetcher Fetcher
	policy  fault.Policy
	cfg     Config
	hooks   Hooks
	log     logr.Logger
}

// New returns a pull engine writing into store and charging space.
func New(store storage.Store, space *storage.Accountant, fetcher Fetcher, policy fault.Policy, cfg Config, hooks Hooks, log logr.Logger) *Engine {
	if policy == nil {
		policy = fault.Nop{}
	}
	return &Engine{store: store, space: space, fetcher: fetcher, policy: policy, cfg: cfg.withDefaults(), hooks: hooks, log: log}
}

type counters struct {
	objects atomic.Uint64
	records atomic.Uint64
	bytes   atomic.Uint64
	errors  atomic.Uint64
	pauses  atomic.Uint64
}

// Group deduplicates items by key and groups them per object, each group in
// ascending epoch order. Objects are returned in OID order.
func Group(items []shard.WorkItem) [][]shard.WorkItem {
	seen := make(map[string]map[uint64]bool)
	byOID := make(map[shard.OID][]shard.WorkItem)
	for _, it := range items {
		k := it.Key()
		if seen[k] == nil {
			seen[k] = make(map[uint64]bool)
		}
		if seen[k][it.Epoch] {
			continue
		}
		seen[k][it.Epoch] = true
		byOID[it.OID] = append(byOID[it.OID], it)
	}
	oids := make([]shard.OID, 0, len(byOID))
	for oid := range byOID {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].Less(oids[j]) })
	out := make([][]shard.WorkItem, 0, len(oids))
	for _, oid := range oids {
		g := byOID[oid]
		sort.SliceStable(g, func(i, j int) bool { return g[i].Epoch < g[j].Epoch })
		out = append(out, g)
	}
	return out
}

// Run pulls every item. Per-object failures are counted and tolerated up to
// the error budget; exceeding it cancels the remaining work and returns
// ErrBudgetExceeded together with the counters so far.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	log := e.log.WithValues("pool", req.Ref.Pool, "version", req.Ref.Version, "rank", req.Rank.String())
	scope := fault.Scope{Pool: req.Ref.Pool, Rank: req.Rank, Version: req.Ref.Version}
	var c counters
	var (
		mu     sync.Mutex
		failed []shard.OID
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, group := range Group(req.Items) {
		g.Go(func() error {
			for _, it := range group {
				if err := e.pullOne(gctx, log, scope, req.Ref.Pool, it, &c); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					n := c.errors.Inc()
					mu.Lock()
					failed = append(failed, it.OID)
					mu.Unlock()
					log.Info("object pull failed", "item", it.String(), "err", err.Error())
					if e.cfg.ErrorBudget >= 0 && n > uint64(e.cfg.ErrorBudget) {
						return fmt.Errorf("%w: %d failures", ErrBudgetExceeded, n)
					}
					return nil
				}
			}
			c.objects.Inc()
			return nil
		})
	}
	err := g.Wait()

	res := Result{
		Counters: rebuild.Counters{
			ObjectsPulled: c.objects.Load(),
			RecordsPulled: c.records.Load(),
			BytesPulled:   c.bytes.Load(),
			Errors:        c.errors.Load(),
		},
		Pauses: c.pauses.Load(),
		Failed: failed,
	}
	sort.Slice(res.Failed, func(i, j int) bool { return res.Failed[i].Less(res.Failed[j]) })
	if err != nil && !errors.Is(err, ErrBudgetExceeded) && ctx.Err() != nil {
		return res, ctx.Err()
	}
	log.V(1).Info("pull finished", "objects", res.Counters.ObjectsPulled, "records", res.Counters.RecordsPulled,
		"bytes", humanize.IBytes(res.Counters.BytesPulled), "errors", res.Counters.Errors, "pauses", res.Pauses)
	return res, err
}

func (e *Engine) pullOne(ctx context.Context, log logr.Logger, scope fault.Scope, pool string, it shard.WorkItem, c *counters) error {
	if err := e.policy.Consult(ctx, fault.HookPull, scope); err != nil {
		return err
	}

	var resp cluster.FetchResponse
	err := retry.Do(ctx, e.cfg.Retry, log, "fetch", func() error {
		var err error
		resp, err = e.fetcher.Fetch(ctx, it.Source, cluster.FetchRequest{Pool: pool, OID: it.OID, Epoch: it.Epoch})
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", it.OID, it.Source, err)
	}
	// The source no longer has the object: it was removed after the scan.
	if len(resp.Entries) == 0 {
		return nil
	}

	paused := false
	for {
		spaceCh := e.space.Changed()
		faultCh := e.policy.Changed()

		err := e.policy.Consult(ctx, fault.HookSpaceCheck, scope)
		if err == nil {
			var res storage.ApplyResult
			res, err = e.store.ApplyPulled(resp.Entries)
			if err == nil {
				c.records.Add(uint64(res.Applied))
				c.bytes.Add(res.Bytes)
				if e.hooks.OnPulled != nil {
					e.hooks.OnPulled(res.Applied, res.Bytes)
				}
				if paused {
					log.Info("pull resumed", "oid", it.OID.String())
				}
				return nil
			}
		}
		if !errors.Is(err, storage.ErrOutOfSpace) && !errors.Is(err, fault.ErrNoSpace) {
			return err
		}
		if !paused {
			paused = true
			c.pauses.Inc()
			if e.hooks.OnPause != nil {
				e.hooks.OnPause()
			}
			log.Info("pull paused, out of space", "oid", it.OID.String(),
				"used", humanize.IBytes(e.space.Used()), "threshold", e.space.Threshold(), "err", err.Error())
		}
		timer := time.NewTimer(e.cfg.ResumePoll)
		select {
		case <-spaceCh:
		case <-faultCh:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		timer.Stop()
	}
}
