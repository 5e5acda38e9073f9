// Package target implements the agent that runs on every storage target.
// It hosts one record store per pool, serves client I/O and peer fetches,
// and runs the scan and pull halves of each rebuild it is told about.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/fault"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/placement"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/pull"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/scan"
	"github.com/dreamware/rebuildd/internal/shard"
	"github.com/dreamware/rebuildd/internal/storage"
)

// Config tunes an agent.
type Config struct {
	// Capacity is the bytes each pool may use on this target; zero means
	// unlimited.
	Capacity uint64 `mapstructure:"capacity"`
	// ThresholdPercent is the share of Capacity rebuild writes may fill.
	ThresholdPercent int          `mapstructure:"threshold_percent"`
	ScanRetry        retry.Policy `mapstructure:"scan_retry"`
	ReportRetry      retry.Policy `mapstructure:"report_retry"`
	Pull             pull.Config  `mapstructure:"pull"`
}

// taskKey identifies one attempt of one rebuild on this target.
type taskKey struct {
	pool    string
	version uint32
	attempt int
}

func keyOf(ref cluster.TaskRef) taskKey {
	return taskKey{pool: ref.Pool, version: ref.Version, attempt: ref.Attempt}
}

// before reports whether k is an older attempt than o of the same pool.
func (k taskKey) before(o taskKey) bool {
	if k.version != o.version {
		return k.version < o.version
	}
	return k.attempt < o.attempt
}

type stage int

const (
	stageIdle stage = iota
	stageRunning
	stageDone
)

// rebuildState is everything the agent keeps for one attempt. Finished
// results are retained so a coordinator that asks again, for example after
// a leader change, gets the same answer instead of a second run.
type rebuildState struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	ref     cluster.TaskRef
	from    *poolmap.Map
	to      *poolmap.Map
	items   []shard.WorkItem
	scan    stage
	scanRes scan.Result
	scanErr error
	pull    stage
	pullRes pull.Result
	pullErr error
}

// Agent is one storage target.
type Agent struct {
	rank     poolmap.Rank
	cfg      Config
	peers    cluster.TargetClient
	reporter cluster.Reporter
	policy   fault.Policy
	metrics  *metrics.Metrics
	log      logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	stores map[string]*storage.MemoryStore
	tasks  map[taskKey]*rebuildState
}

var _ cluster.TargetHandler = (*Agent)(nil)

// New returns an agent for rank. peers is used to ship work items and
// fetch objects from other targets; reporter delivers progress to the
// leading coordinator.
func New(rank poolmap.Rank, cfg Config, peers cluster.TargetClient, reporter cluster.Reporter, policy fault.Policy, m *metrics.Metrics, log logr.Logger) *Agent {
	if policy == nil {
		policy = fault.Nop{}
	}
	if cfg.ThresholdPercent == 0 {
		cfg.ThresholdPercent = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		rank:     rank,
		cfg:      cfg,
		peers:    peers,
		reporter: reporter,
		policy:   policy,
		metrics:  m,
		log:      log.WithName("target").WithValues("rank", rank.String()),
		ctx:      ctx,
		cancel:   cancel,
		stores:   make(map[string]*storage.MemoryStore),
		tasks:    make(map[taskKey]*rebuildState),
	}
}

// Rank returns the rank this agent serves.
func (a *Agent) Rank() poolmap.Rank {
	return a.rank
}

// Close stops every running scan and pull and waits for them.
func (a *Agent) Close() {
	a.cancel()
	a.wg.Wait()
}

// Store returns the pool's store on this target, creating it on first use.
func (a *Agent) Store(pool string) *storage.MemoryStore {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stores[pool]
	if !ok {
		st = storage.NewMemoryStore(storage.NewAccountant(a.cfg.Capacity, a.cfg.ThresholdPercent))
		a.stores[pool] = st
	}
	return st
}

func (a *Agent) existingStore(pool string) (*storage.MemoryStore, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.stores[pool]
	return st, ok
}

// Pools returns the names of pools with a store on this target.
func (a *Agent) Pools() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.stores))
	for name := range a.stores {
		out = append(out, name)
	}
	return out
}

// Space returns the accountant of a pool's store.
func (a *Agent) Space(pool string) *storage.Accountant {
	return a.Store(pool).Space()
}

// SetThreshold changes the rebuild threshold of every pool on this target
// and wakes paused pulls.
func (a *Agent) SetThreshold(percent int) {
	a.mu.Lock()
	a.cfg.ThresholdPercent = percent
	stores := make([]*storage.MemoryStore, 0, len(a.stores))
	for _, st := range a.stores {
		stores = append(stores, st)
	}
	a.mu.Unlock()
	for _, st := range stores {
		st.Space().SetThreshold(percent)
	}
	a.log.Info("rebuild threshold changed", "percent", percent)
}

// Update writes a record.
func (a *Agent) Update(pool string, oid shard.OID, dkey, akey string, index uint64, value []byte, epoch uint64) error {
	return a.Store(pool).Update(oid, dkey, akey, index, value, epoch)
}

// Punch writes a tombstone.
func (a *Agent) Punch(pool string, level storage.Level, oid shard.OID, dkey, akey string, index uint64, epoch uint64) error {
	return a.Store(pool).Punch(level, oid, dkey, akey, index, epoch)
}

// Fetch reads one record as of epoch.
func (a *Agent) Fetch(pool string, oid shard.OID, dkey, akey string, index uint64, epoch uint64) ([]byte, error) {
	st, ok := a.existingStore(pool)
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	return st.Fetch(oid, dkey, akey, index, epoch)
}

// List returns the visible records of an object as of epoch.
func (a *Agent) List(pool string, oid shard.OID, epoch uint64) []storage.Record {
	st, ok := a.existingStore(pool)
	if !ok {
		return nil
	}
	return st.List(oid, epoch)
}

// state returns the attempt named by ref, creating it. Creating an attempt
// cancels and forgets every other attempt of the same pool: the
// coordinator only ever drives one task per pool.
func (a *Agent) state(ref cluster.TaskRef) *rebuildState {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := keyOf(ref)
	if st, ok := a.tasks[key]; ok {
		return st
	}
	a.dropLocked(ref.Pool, func(taskKey) bool { return true }, "superseded")
	ctx, cancel := context.WithCancel(a.ctx)
	st := &rebuildState{ctx: ctx, cancel: cancel, ref: ref}
	a.tasks[key] = st
	return st
}

// lookup returns the attempt named by ref. A missing attempt is created
// unless a newer attempt of the pool is already known, in which case nil
// is returned.
func (a *Agent) lookup(ref cluster.TaskRef) *rebuildState {
	a.mu.Lock()
	key := keyOf(ref)
	if st, ok := a.tasks[key]; ok {
		a.mu.Unlock()
		return st
	}
	for k := range a.tasks {
		if k.pool == ref.Pool && key.before(k) {
			a.mu.Unlock()
			return nil
		}
	}
	a.mu.Unlock()
	return a.state(ref)
}

func (a *Agent) dropLocked(pool string, match func(taskKey) bool, why string) int {
	n := 0
	for k, st := range a.tasks {
		if k.pool == pool && match(k) {
			st.cancel()
			delete(a.tasks, k)
			n++
			a.log.V(1).Info("rebuild state dropped", "pool", pool, "version", k.version, "attempt", k.attempt, "why", why)
		}
	}
	return n
}

func (a *Agent) scope(ref cluster.TaskRef) fault.Scope {
	return fault.Scope{Pool: ref.Pool, Rank: a.rank, Version: ref.Version}
}

// HandleScanStart implements cluster.TargetHandler. The scan runs in the
// background; a repeated request for a finished scan re-sends its report.
func (a *Agent) HandleScanStart(ctx context.Context, req cluster.ScanStart) error {
	if req.From == nil || req.To == nil {
		return fmt.Errorf("scan start for %s v%d: missing map", req.Pool, req.Version)
	}
	if err := a.policy.Consult(ctx, fault.HookScanStart, a.scope(req.TaskRef)); err != nil {
		if errors.Is(err, fault.ErrStaleVersion) {
			a.reportStale(req)
			return nil
		}
		return fmt.Errorf("start scan of %s v%d: %w", req.Pool, req.Version, err)
	}

	st := a.state(req.TaskRef)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ref = req.TaskRef
	switch st.scan {
	case stageIdle:
		st.from, st.to = req.From.Clone(), req.To.Clone()
		st.scan = stageRunning
		a.runScan(st)
	case stageDone:
		a.goReportScan(st)
	}
	return nil
}

// reportStale answers as a target that has not caught up with the new map:
// the report names the version it still holds.
func (a *Agent) reportStale(req cluster.ScanStart) {
	rep := cluster.ScanDone{TaskRef: req.TaskRef, Rank: a.rank}
	rep.Version = req.From.Version
	a.log.Info("answering scan start with stale pool version", "pool", req.Pool, "version", req.Version, "held", rep.Version)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.report(a.ctx, fault.HookScanReply, a.scope(req.TaskRef), "scan done", func(ctx context.Context) error {
			return a.reporter.ScanDone(ctx, rep)
		})
	}()
}

// runScan starts the scan goroutine. st.mu must be held.
func (a *Agent) runScan(st *rebuildState) {
	ref, from, to := st.ref, st.from, st.to
	store := a.Store(ref.Pool)
	log := a.log.WithValues("pool", ref.Pool, "version", ref.Version, "attempt", ref.Attempt)
	log.Info("scan started", "from", from.Version, "to", to.Version)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		eng := scan.New(store, a.peers, a.policy, a.cfg.ScanRetry, log)
		res, err := eng.Run(st.ctx, scan.Request{Ref: ref, Rank: a.rank, From: from, To: to})
		if st.ctx.Err() != nil {
			log.V(1).Info("scan cancelled")
			return
		}
		if err != nil {
			log.Error(err, "scan failed")
		}
		a.metrics.ScanFinished(ref.Pool, res.Counters)

		st.mu.Lock()
		st.scan = stageDone
		st.scanRes, st.scanErr = res, err
		st.mu.Unlock()
		a.reportScan(st)
	}()
}

func (a *Agent) goReportScan(st *rebuildState) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportScan(st)
	}()
}

func (a *Agent) reportScan(st *rebuildState) {
	st.mu.Lock()
	rep := cluster.ScanDone{
		TaskRef:     st.ref,
		Rank:        a.rank,
		ScanEpoch:   st.scanRes.ScanEpoch,
		Counters:    st.scanRes.Counters,
		Undelivered: st.scanRes.Undelivered,
	}
	if st.scanErr != nil {
		rep.Failed = true
		rep.Err = st.scanErr.Error()
	}
	st.mu.Unlock()
	a.report(st.ctx, fault.HookScanReply, a.scope(rep.TaskRef), "scan done", func(ctx context.Context) error {
		return a.reporter.ScanDone(ctx, rep)
	})
}

// HandlePullStart implements cluster.TargetHandler.
func (a *Agent) HandlePullStart(ctx context.Context, req cluster.PullStart) error {
	st := a.state(req.TaskRef)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ref = req.TaskRef
	switch st.pull {
	case stageIdle:
		st.pull = stageRunning
		a.runPull(st)
	case stageDone:
		a.goReportPull(st)
	}
	return nil
}

// runPull starts the pull goroutine. st.mu must be held.
func (a *Agent) runPull(st *rebuildState) {
	ref := st.ref
	store := a.Store(ref.Pool)
	log := a.log.WithValues("pool", ref.Pool, "version", ref.Version, "attempt", ref.Attempt)
	scope := a.scope(ref)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		// Held here while rebuild-hang is set.
		err := a.policy.Consult(st.ctx, fault.HookPullStart, scope)
		var res pull.Result
		if err == nil {
			st.mu.Lock()
			items := append([]shard.WorkItem(nil), st.items...)
			st.mu.Unlock()
			log.Info("pull started", "items", len(items))

			hooks := pull.Hooks{
				OnPulled: func(records int, bytes uint64) { a.metrics.Pulled(ref.Pool, records, bytes) },
				OnPause:  func() { a.metrics.Paused(ref.Pool) },
			}
			eng := pull.New(store, store.Space(), a.peers, a.policy, a.cfg.Pull, hooks, log)
			res, err = eng.Run(st.ctx, pull.Request{Ref: ref, Rank: a.rank, Items: items})
		}
		if st.ctx.Err() != nil {
			log.V(1).Info("pull cancelled")
			return
		}
		if err != nil {
			log.Error(err, "pull failed")
		}
		a.metrics.PullFinished(ref.Pool, res.Counters)

		st.mu.Lock()
		st.pull = stageDone
		st.pullRes, st.pullErr = res, err
		st.mu.Unlock()
		a.reportPull(st)
	}()
}

func (a *Agent) goReportPull(st *rebuildState) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reportPull(st)
	}()
}

func (a *Agent) reportPull(st *rebuildState) {
	st.mu.Lock()
	rep := cluster.PullDone{TaskRef: st.ref, Rank: a.rank, Counters: st.pullRes.Counters, Unpulled: st.pullRes.Failed}
	if st.pullErr != nil {
		rep.Err = st.pullErr.Error()
	}
	st.mu.Unlock()
	a.report(st.ctx, fault.HookPullReply, a.scope(rep.TaskRef), "pull done", func(ctx context.Context) error {
		return a.reporter.PullDone(ctx, rep)
	})
}

// report delivers one progress report with bounded retry. A dropped reply
// is simply lost; the coordinator asks again when its ack deadline passes.
func (a *Agent) report(ctx context.Context, reply fault.Hook, scope fault.Scope, what string, send func(context.Context) error) {
	log := a.log.WithValues("pool", scope.Pool, "version", scope.Version)
	if err := a.policy.Consult(ctx, reply, scope); err != nil {
		log.Info("report lost", "report", what, "err", err.Error())
		return
	}
	err := retry.Do(ctx, a.cfg.ReportRetry, log, what, func() error {
		if err := a.policy.Consult(ctx, fault.HookReport, scope); err != nil {
			return err
		}
		return send(ctx)
	})
	if err != nil && ctx.Err() == nil {
		log.Info("report not delivered", "report", what, "err", err.Error())
	}
}

// HandleSendObjects implements cluster.TargetHandler. Items for an attempt
// older than one this target already knows are discarded.
func (a *Agent) HandleSendObjects(ctx context.Context, req cluster.SendObjects) error {
	st := a.lookup(req.TaskRef)
	if st == nil {
		a.log.V(1).Info("work items for superseded task ignored", "pool", req.Pool, "version", req.Version, "from", req.From.String())
		return nil
	}
	st.mu.Lock()
	st.items = append(st.items, req.Items...)
	st.mu.Unlock()
	a.log.V(2).Info("work items received", "pool", req.Pool, "version", req.Version, "from", req.From.String(), "items", len(req.Items))

	// The items are kept even when the acknowledgement is lost; the
	// sender's retry then delivers duplicates, which pull ignores.
	return a.policy.Consult(ctx, fault.HookObjectsReply, a.scope(req.TaskRef))
}

// HandleAbort implements cluster.TargetHandler.
func (a *Agent) HandleAbort(_ context.Context, req cluster.Abort) error {
	a.mu.Lock()
	n := a.dropLocked(req.Pool, func(k taskKey) bool {
		return req.Version == 0 || k.version <= req.Version
	}, req.Reason)
	a.mu.Unlock()
	a.log.Info("rebuild aborted", "pool", req.Pool, "version", req.Version, "reason", req.Reason, "dropped", n)
	return nil
}

// HandleReclaim implements cluster.TargetHandler: every object this target
// does not hold under req.Map is removed unless req.Keep names it, and
// rebuild state for versions up to the map's is forgotten.
func (a *Agent) HandleReclaim(_ context.Context, req cluster.Reclaim) error {
	if req.Map == nil {
		return fmt.Errorf("reclaim for %s: missing map", req.Pool)
	}
	a.mu.Lock()
	for k := range a.tasks {
		if k.pool == req.Pool && k.version > req.Map.Version {
			a.mu.Unlock()
			a.log.V(1).Info("reclaim skipped, newer rebuild running", "pool", req.Pool, "version", req.Map.Version, "running", k.version)
			return nil
		}
	}
	a.dropLocked(req.Pool, func(k taskKey) bool { return k.version <= req.Map.Version }, "reclaimed")
	a.mu.Unlock()

	st, ok := a.existingStore(req.Pool)
	if !ok {
		return nil
	}
	keep := make(map[shard.OID]bool, len(req.Keep))
	for _, oid := range req.Keep {
		keep[oid] = true
	}
	var removed, kept int
	var freed uint64
	for _, oid := range st.Objects(^uint64(0)) {
		l, err := placement.Layout(oid, req.Map)
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", req.Pool, err)
		}
		if l.Holds(a.rank) {
			continue
		}
		if keep[oid] {
			kept++
			continue
		}
		freed += st.Remove(oid)
		removed++
	}
	if removed > 0 || kept > 0 {
		a.log.Info("space reclaimed", "pool", req.Pool, "version", req.Map.Version, "objects", removed,
			"bytes", freed, "kept", kept)
	}
	return nil
}

// HandleFetch implements cluster.TargetHandler.
func (a *Agent) HandleFetch(_ context.Context, req cluster.FetchRequest) (cluster.FetchResponse, error) {
	st, ok := a.existingStore(req.Pool)
	if !ok {
		return cluster.FetchResponse{}, nil
	}
	return cluster.FetchResponse{Entries: st.Export(req.OID, req.Epoch)}, nil
}
