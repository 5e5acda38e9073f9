// Package scan implements the scan half of a rebuild on one target: find
// the local objects whose placement changed between two map versions,
// decide which of them this target must ship, and hand the resulting work
// items to their destinations.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// ErrScanFailed is returned when the local store could not be scanned
// within the retry bound.
var ErrScanFailed = errors.New("scan failed")

// batchSize caps the number of work items in one SendObjects message.
const batchSize = 512

// Sender delivers work items to a destination target.
type Sender interface {
	SendObjects(ctx context.Context, rank poolmap.Rank, req cluster.SendObjects) error
}

// Request describes one scan.
type Request struct {
	Ref  cluster.TaskRef
	Rank poolmap.Rank
	From *poolmap.Map
	To   *poolmap.Map
}

// Result is what a finished scan reports. Counters carries ObjectsScanned,
// WorkItems (items delivered) and Errors (items that could not be
// delivered). Undelivered names the objects of those items, in OID order.
type Result struct {
	ScanEpoch   uint64
	Counters    rebuild.Counters
	Released    []shard.OID
	Undelivered []shard.OID
	Sent        map[poolmap.Rank]int
}

// Engine scans one target's store.
type Engine struct {
	store  storage.Store
	sender Sender
	policy fault.Policy
	retry  retry.Policy
	log    logr.Logger
}

// New returns a scan engine.
func New(store storage.Store, sender Sender, policy fault.Policy, rp retry.Policy, log logr.Logger) *Engine {
	if policy == nil {
		policy = fault.Nop{}
	}
	return &Engine{store: store, sender: sender, policy: policy, retry: rp, log: log}
}

// Run performs the scan. It fails only when the store cannot be opened;
// undeliverable work items are counted as per-object errors.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	log := e.log.WithValues("pool", req.Ref.Pool, "version", req.Ref.Version, "rank", req.Rank.String())
	scope := fault.Scope{Pool: req.Ref.Pool, Rank: req.Rank, Version: req.Ref.Version}

	err := retry.Do(ctx, e.retry, log, "open handle", func() error {
		err := e.policy.Consult(ctx, fault.HookScan, scope)
		if err != nil && ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, fmt.Errorf("%w: %v", ErrScanFailed, err)
	}

	res := Result{ScanEpoch: e.store.HighEpoch(), Sent: make(map[poolmap.Rank]int)}
	objects := e.store.Objects(res.ScanEpoch)
	res.Counters.ObjectsScanned = uint64(len(objects))

	outgoing := make(map[poolmap.Rank][]shard.WorkItem)
	undelivered := make(map[shard.OID]bool)
	for _, oid := range objects {
		items, released, err := Classify(oid, req.Rank, req.From, req.To, res.ScanEpoch)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrScanFailed, err)
		}
		if released {
			res.Released = append(res.Released, oid)
		}
		for _, it := range items {
			outgoing[it.Dest] = append(outgoing[it.Dest], it)
		}
	}

	dests := make([]poolmap.Rank, 0, len(outgoing))
	for d := range outgoing {
		dests = append(dests, d)
	}
	sort.Slice(dests, func(i, j int) bool { return dests[i] < dests[j] })

	for _, dest := range dests {
		items := outgoing[dest]
		for start := 0; start < len(items); start += batchSize {
			end := start + batchSize
			if end > len(items) {
				end = len(items)
			}
			batch := items[start:end]
			if err := e.send(ctx, req, scope, dest, batch); err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				log.Info("work items undeliverable", "dest", dest.String(), "items", len(batch), "err", err.Error())
				res.Counters.Errors += uint64(len(batch))
				for _, it := range batch {
					undelivered[it.OID] = true
				}
				continue
			}
			res.Counters.WorkItems += uint64(len(batch))
			res.Sent[dest] += len(batch)
		}
	}

	for oid := range undelivered {
		res.Undelivered = append(res.Undelivered, oid)
	}
	sort.Slice(res.Undelivered, func(i, j int) bool { return res.Undelivered[i].Less(res.Undelivered[j]) })

	log.V(1).Info("scan finished", "epoch", res.ScanEpoch, "objects", len(objects),
		"items", res.Counters.WorkItems, "released", len(res.Released), "errors", res.Counters.Errors)
	return res, nil
}

func (e *Engine) send(ctx context.Context, req Request, scope fault.Scope, dest poolmap.Rank, batch []shard.WorkItem) error {
	msg := cluster.SendObjects{TaskRef: req.Ref, From: req.Rank, Items: batch}
	return retry.Do(ctx, e.retry, e.log, "send objects", func() error {
		if err := e.policy.Consult(ctx, fault.HookSendObjects, scope); err != nil {
			return err
		}
		return e.sender.SendObjects(ctx, dest, msg)
	})
}

// Classify computes what rank must do for oid when the map moves from
// `from` to `to`. It returns the work items rank must ship and whether rank
// stops holding the object.
//
// A shard slot needs rebuilding when its owner under `to` did not hold the
// object under `from`. The source for such a slot is the first old owner,
// in shard order, that is still in placement under `to`; only that target
// emits the item, so each slot gets exactly one source. When no old owner
// survives nothing is emitted and the slot stays empty.
//
// A target that is ADDING under `to` may have missed writes while it was
// out, so its old contents are not trusted: it is a destination for every
// slot it owns and never a source.
func Classify(oid shard.OID, rank poolmap.Rank, from, to *poolmap.Map, epoch uint64) ([]shard.WorkItem, bool, error) {
	before, err := placement.Layout(oid, from)
	if err != nil {
		return nil, false, err
	}
	after, err := placement.Layout(oid, to)
	if err != nil {
		return nil, false, err
	}
	released := before.Holds(rank) && !after.Holds(rank)
	holds := func(r poolmap.Rank) bool {
		return before.Holds(r) && !to.IsAdding(r)
	}

	source := poolmap.NoRank
	for _, r := range before.Shards {
		if r != poolmap.NoRank && to.InPlacement(r) && !to.IsAdding(r) {
			source = r
			break
		}
	}
	if source != rank {
		return nil, released, nil
	}

	var items []shard.WorkItem
	for i, dest := range after.Shards {
		if dest == poolmap.NoRank || holds(dest) {
			continue
		}
		items = append(items, shard.WorkItem{OID: oid, Shard: i, Source: rank, Dest: dest, Epoch: epoch})
	}
	return items, released, nil
}
