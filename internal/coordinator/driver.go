package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/rebuild"
	"github.com/dreamware/rebuildd/internal/retry"
	"github.com/dreamware/rebuildd/internal/shard"
)

// ack is one target report routed to a pool driver.
type ack struct {
	scan *cluster.ScanDone
	pull *cluster.PullDone
}

// delivery is the outcome of sending one phase request to one rank.
type delivery struct {
	task  string
	phase rebuild.Phase
	rank  poolmap.Rank
	err   error
}

// driver owns one pool for the length of a term. All task state changes
// for the pool happen on its goroutine; reports, delivery outcomes and
// health notices reach it through channels.
type driver struct {
	t         *term
	c         *Coordinator
	pool      string
	acks      chan ack
	delivered chan delivery
	down      chan poolmap.Rank
	stops     chan chan error
	log       logr.Logger

	abortSent bool
}

func newDriver(t *term, pool string) *driver {
	return &driver{
		t:         t,
		c:         t.c,
		pool:      pool,
		acks:      make(chan ack, 256),
		delivered: make(chan delivery, 256),
		down:      make(chan poolmap.Rank, 16),
		stops:     make(chan chan error),
		log:       t.log.WithValues("pool", pool),
	}
}

func (d *driver) run() {
	ctx := d.t.ctx
	ticker := time.NewTicker(d.c.cfg.PollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		watch := d.c.svc.Store().Watch()
		busy, err := d.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.log.Info("rebuild step failed", "err", err.Error())
			busy = false
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-watch:
		case <-ticker.C:
		case a := <-d.acks:
			d.log.V(1).Info("report with no running task ignored", "rank", a.rank().String(), "task", a.taskID())
		case <-d.delivered:
		case rank := <-d.down:
			d.idleDown(ctx, rank)
		case done := <-d.stops:
			done <- ErrNoActiveTask
		}
	}
}

// step looks at the pool once and does the next thing it needs. It
// reports whether it did anything, in which case it is called again at
// once.
func (d *driver) step(ctx context.Context) (bool, error) {
	p, err := d.c.svc.Pool(d.pool)
	if err != nil {
		return false, err
	}
	if p.Destroyed {
		if !d.abortSent {
			d.abortSent = true
			d.log.Info("pool destroyed, aborting rebuild on every target")
			d.c.metrics.SetPhase(d.pool, rebuild.PhaseAborted)
			d.broadcastAbort(ctx, p.Map, 0, rebuild.ReasonPoolDestroyed)
		}
		return false, nil
	}
	d.abortSent = false

	task := p.Active
	switch {
	case task != nil && task.ToVersion != p.Map.Version:
		d.log.Info("rebuild superseded", "task", task.ID, "version", task.ToVersion, "map_version", p.Map.Version)
		d.broadcastAbort(ctx, task.To, task.ToVersion, rebuild.ReasonSuperseded)
		return true, d.start(ctx, p, 0)
	case task != nil:
		return true, d.drive(ctx, task.Clone())
	case p.NeedsRebuild():
		return true, d.start(ctx, p, 0)
	}
	return false, nil
}

// start persists a new task from the rebuilt map to the current one. A map
// that places data exactly like the rebuilt one is advanced without a task.
func (d *driver) start(ctx context.Context, p *rdb.PoolState, attempt int) error {
	if p.Active == nil && p.RebuiltMap.SamePlacement(p.Map) && len(p.Map.Adding()) == 0 {
		m, err := d.c.svc.AdvanceRebuilt(ctx, d.pool, d.t.inc)
		if err != nil {
			return err
		}
		d.log.Info("map rebuilt without data movement", "version", m.Version)
		return nil
	}
	task := rebuild.NewTask(uuid.NewString(), d.pool, p.RebuiltMap, p.Map, attempt)
	if err := d.c.svc.StartTask(ctx, task, d.t.inc); err != nil {
		return err
	}
	d.c.metrics.SetPhase(d.pool, rebuild.PhaseScanning)
	d.log.Info("rebuild started", "task", task.ID, "from", task.FromVersion, "to", task.ToVersion,
		"attempt", attempt, "targets", len(task.Targets))
	return nil
}

// drive runs task until it ends, is superseded or the term ends. It
// resumes from whatever the checkpoint says: ranks that already
// acknowledged the current phase are not asked again.
//
// A rank counts as unresponsive only when the phase request has not
// reached it for MaxResends ack deadlines in a row. A rank that accepts
// the request and keeps working, e.g. paused for space, is waited for.
func (d *driver) drive(ctx context.Context, task *rebuild.Task) error {
	log := d.log.WithValues("task", task.ID, "version", task.ToVersion, "attempt", task.Attempt)
	d.c.metrics.SetPhase(d.pool, task.Phase)
	resends := make(map[poolmap.Rank]int)
	stale := make(map[poolmap.Rank]int)
	d.broadcastPhase(ctx, task, task.Pending())

	timer := time.NewTimer(d.c.cfg.AckTimeout)
	defer timer.Stop()

	for {
		if len(task.Pending()) == 0 {
			ended, err := d.complete(ctx, task, log)
			if ended || err != nil {
				return err
			}
			resends = make(map[poolmap.Rank]int)
			stale = make(map[poolmap.Rank]int)
			d.broadcastPhase(ctx, task, task.Pending())
			timer.Reset(d.c.cfg.AckTimeout)
			continue
		}

		watch := d.c.svc.Store().Watch()
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watch:
			if !d.stillActive(task) {
				return nil
			}

		case done := <-d.stops:
			err := d.abort(ctx, task, rebuild.ReasonOperator, log)
			done <- err
			return err

		case dl := <-d.delivered:
			if dl.err == nil && dl.task == task.ID && dl.phase == task.Phase {
				resends[dl.rank] = 0
			}

		case rank := <-d.down:
			prog, ok := task.Targets[rank]
			if !ok {
				continue
			}
			if d.c.cfg.Unresponsive == AbortUnresponsive && !pendingIn(task, prog) {
				continue
			}
			if ended, err := d.unresponsive(ctx, task, rank, log); ended {
				return err
			}

		case <-timer.C:
			pending := task.Pending()
			for _, rank := range pending {
				resends[rank]++
				if resends[rank] > d.c.cfg.MaxResends {
					if ended, err := d.unresponsive(ctx, task, rank, log); ended {
						return err
					}
				}
			}
			log.V(1).Info("phase acknowledgements overdue, asking again", "phase", string(task.Phase), "pending", len(pending))
			d.c.metrics.Retried(phaseMessage(task.Phase))
			d.broadcastPhase(ctx, task, pending)
			timer.Reset(d.c.cfg.AckTimeout)

		case a := <-d.acks:
			var ended bool
			var err error
			if a.scan != nil {
				ended, err = d.onScanDone(ctx, task, *a.scan, stale, log)
			} else {
				ended, err = d.onPullDone(ctx, task, *a.pull, stale, log)
			}
			if ended || err != nil {
				return err
			}
		}
	}
}

func pendingIn(task *rebuild.Task, p *rebuild.TargetProgress) bool {
	switch task.Phase {
	case rebuild.PhaseScanning:
		return !p.ScanDone
	case rebuild.PhasePulling:
		return !p.PullDone
	}
	return false
}

func phaseMessage(p rebuild.Phase) string {
	if p == rebuild.PhasePulling {
		return "pull_start"
	}
	return "scan_start"
}

// stillActive reports whether task is still the pool's running task at
// the current map version.
func (d *driver) stillActive(task *rebuild.Task) bool {
	p, err := d.c.svc.Pool(d.pool)
	if err != nil {
		return false
	}
	return !p.Destroyed && p.Active != nil && p.Active.ID == task.ID && p.Map.Version == task.ToVersion
}

// valid checks that a report belongs to the running phase of task and
// has not been counted yet. A report from an earlier incarnation or for an
// older map version gets the phase request sent again instead, at most
// MaxResends times per rank and phase.
func (d *driver) valid(ctx context.Context, task *rebuild.Task, ref cluster.TaskRef, rank poolmap.Rank,
	phase rebuild.Phase, stale map[poolmap.Rank]int, log logr.Logger) (bool, bool, error) {
	if ref.TaskID != task.ID || task.Phase != phase {
		log.V(1).Info("report for another task or phase ignored", "rank", rank.String(), "report_task", ref.TaskID)
		return false, false, nil
	}
	prog, ok := task.Targets[rank]
	if !ok || !pendingIn(task, prog) {
		return false, false, nil
	}
	if ref.Incarnation != d.t.inc || ref.Version < task.ToVersion {
		log.Info("stale report, asking again", "rank", rank.String(),
			"report_incarnation", ref.Incarnation, "report_version", ref.Version)
		stale[rank]++
		if stale[rank] > d.c.cfg.MaxResends {
			ended, err := d.unresponsive(ctx, task, rank, log)
			return false, ended, err
		}
		d.broadcastPhase(ctx, task, []poolmap.Rank{rank})
		return false, false, nil
	}
	return true, false, nil
}

func (d *driver) onScanDone(ctx context.Context, task *rebuild.Task, rep cluster.ScanDone,
	stale map[poolmap.Rank]int, log logr.Logger) (bool, error) {
	ok, ended, err := d.valid(ctx, task, rep.TaskRef, rep.Rank, rebuild.PhaseScanning, stale, log)
	if !ok {
		return ended, err
	}
	if rep.Failed {
		log.Info("scan failed on target", "rank", rep.Rank.String(), "err", rep.Err)
		return true, d.retryOrAbort(ctx, task, log)
	}
	prog := task.Targets[rep.Rank]
	prog.ScanDone = true
	prog.ScanEpoch = rep.ScanEpoch
	prog.Scan = rep.Counters
	prog.Undelivered = rep.Undelivered
	log.V(1).Info("scan acknowledged", "rank", rep.Rank.String(), "objects", rep.Counters.ObjectsScanned,
		"items", rep.Counters.WorkItems, "pending", len(task.Pending()))
	if d.overBudget(task) {
		return true, d.abort(ctx, task, rebuild.ReasonBudgetExceeded, log)
	}
	return false, d.c.svc.PutTask(ctx, task, d.t.inc)
}

func (d *driver) onPullDone(ctx context.Context, task *rebuild.Task, rep cluster.PullDone,
	stale map[poolmap.Rank]int, log logr.Logger) (bool, error) {
	ok, ended, err := d.valid(ctx, task, rep.TaskRef, rep.Rank, rebuild.PhasePulling, stale, log)
	if !ok {
		return ended, err
	}
	prog := task.Targets[rep.Rank]
	prog.PullDone = true
	prog.Pull = rep.Counters
	prog.Unpulled = rep.Unpulled
	log.V(1).Info("pull acknowledged", "rank", rep.Rank.String(), "objects", rep.Counters.ObjectsPulled,
		"records", rep.Counters.RecordsPulled, "pending", len(task.Pending()))
	if rep.Err != "" {
		log.Info("pull failed on target", "rank", rep.Rank.String(), "err", rep.Err)
		return true, d.abort(ctx, task, rebuild.ReasonBudgetExceeded, log)
	}
	if d.overBudget(task) {
		return true, d.abort(ctx, task, rebuild.ReasonBudgetExceeded, log)
	}
	return false, d.c.svc.PutTask(ctx, task, d.t.inc)
}

func (d *driver) overBudget(task *rebuild.Task) bool {
	budget := d.c.cfg.ErrorBudget
	return budget >= 0 && task.Counters().Errors > uint64(budget)
}

// complete moves a task whose current phase every target acknowledged.
// It reports whether the task ended.
func (d *driver) complete(ctx context.Context, task *rebuild.Task, log logr.Logger) (bool, error) {
	switch task.Phase {
	case rebuild.PhaseScanning:
		if err := task.Advance(rebuild.PhasePulling, ""); err != nil {
			return true, err
		}
		if err := d.c.svc.PutTask(ctx, task, d.t.inc); err != nil {
			return true, err
		}
		d.c.metrics.SetPhase(d.pool, rebuild.PhasePulling)
		c := task.Counters()
		log.Info("scan phase complete", "objects", c.ObjectsScanned, "items", c.WorkItems, "errors", c.Errors)
		return false, nil

	case rebuild.PhasePulling:
		if err := task.Advance(rebuild.PhaseDone, ""); err != nil {
			return true, err
		}
		settled, err := d.c.svc.FinishTask(ctx, task, d.t.inc)
		if err != nil {
			return true, err
		}
		d.c.metrics.SetPhase(d.pool, rebuild.PhaseDone)
		d.c.metrics.TaskFinished(d.pool, rebuild.PhaseDone)
		c := task.Counters()
		log.Info("rebuild done", "objects_pulled", c.ObjectsPulled, "records", c.RecordsPulled,
			"bytes", c.BytesPulled, "errors", c.Errors, "map_version", settled.Version)
		d.broadcastReclaim(ctx, settled, task.Unsettled())
		return true, nil
	}
	return true, nil
}

// abort ends task with reason and tells its targets to drop their state.
func (d *driver) abort(ctx context.Context, task *rebuild.Task, reason string, log logr.Logger) error {
	if err := task.Advance(rebuild.PhaseAborted, reason); err != nil {
		return err
	}
	if _, err := d.c.svc.FinishTask(ctx, task, d.t.inc); err != nil {
		return err
	}
	d.c.metrics.SetPhase(d.pool, rebuild.PhaseAborted)
	d.c.metrics.TaskFinished(d.pool, rebuild.PhaseAborted)
	log.Info("rebuild aborted", "reason", reason, "errors", task.Counters().Errors)
	d.broadcastAbort(ctx, task.To, task.ToVersion, reason)
	return nil
}

// retryOrAbort handles a failed scan: a new attempt while retries remain,
// otherwise the task is aborted.
func (d *driver) retryOrAbort(ctx context.Context, task *rebuild.Task, log logr.Logger) error {
	if task.Attempt >= d.c.cfg.TaskRetries {
		return d.abort(ctx, task, rebuild.ReasonScanFailed, log)
	}
	p, err := d.c.svc.Pool(d.pool)
	if err != nil {
		return err
	}
	d.broadcastAbort(ctx, task.To, task.ToVersion, rebuild.ReasonRetried)
	return d.start(ctx, p, task.Attempt+1)
}

// unresponsive applies the configured policy to rank. It reports whether
// the task ended, which is also the case when the map moved on.
func (d *driver) unresponsive(ctx context.Context, task *rebuild.Task, rank poolmap.Rank, log logr.Logger) (bool, error) {
	log.Info("target unresponsive", "rank", rank.String(), "policy", string(d.c.cfg.Unresponsive))
	if d.c.cfg.Unresponsive == ExcludeUnresponsive {
		_, err := d.c.svc.ExcludeTarget(ctx, d.pool, rank)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, poolsvc.ErrBusy):
			return false, nil
		case errors.Is(err, rdb.ErrNotLeader), errors.Is(err, rdb.ErrStaleIncarnation), ctx.Err() != nil:
			return true, err
		}
		log.Info("could not exclude target, aborting instead", "rank", rank.String(), "err", err.Error())
	}
	return true, d.abort(ctx, task, rebuild.ReasonUnresponsive, log)
}

// idleDown handles a failed health check while no task runs.
func (d *driver) idleDown(ctx context.Context, rank poolmap.Rank) {
	if d.c.cfg.Unresponsive != ExcludeUnresponsive {
		return
	}
	p, err := d.c.svc.Pool(d.pool)
	if err != nil || p.Destroyed || !p.Map.InPlacement(rank) {
		return
	}
	if _, err := d.c.svc.ExcludeTarget(ctx, d.pool, rank); err != nil {
		d.log.Info("could not exclude unhealthy target", "rank", rank.String(), "err", err.Error())
	}
}

func (d *driver) ref(task *rebuild.Task) cluster.TaskRef {
	return cluster.TaskRef{
		Pool:        d.pool,
		TaskID:      task.ID,
		Version:     task.ToVersion,
		Attempt:     task.Attempt,
		Incarnation: d.t.inc,
	}
}

// broadcastPhase asks ranks for the current phase in the background. A
// target that already finished answers from its retained result.
func (d *driver) broadcastPhase(ctx context.Context, task *rebuild.Task, ranks []poolmap.Rank) {
	if len(ranks) == 0 {
		return
	}
	ref := d.ref(task)
	phase := task.Phase
	var scanMsg cluster.ScanStart
	if phase == rebuild.PhaseScanning {
		scanMsg = cluster.ScanStart{TaskRef: ref, From: task.From.Clone(), To: task.To.Clone()}
	}
	d.t.goSend(func() {
		send := func(ctx context.Context, rank poolmap.Rank) error {
			if phase == rebuild.PhaseScanning {
				return d.c.targets.ScanStart(ctx, rank, scanMsg)
			}
			return d.c.targets.PullStart(ctx, rank, cluster.PullStart{TaskRef: ref})
		}
		d.fanout(ctx, ranks, phaseMessage(phase), send, func(rank poolmap.Rank, err error) {
			select {
			case d.delivered <- delivery{task: ref.TaskID, phase: phase, rank: rank, err: err}:
			default:
			}
		})
	})
}

func (d *driver) broadcastAbort(ctx context.Context, m *poolmap.Map, version uint32, reason string) {
	msg := cluster.Abort{Pool: d.pool, Version: version, Reason: reason}
	d.fanout(ctx, m.Ranks(), "abort", func(ctx context.Context, rank poolmap.Rank) error {
		return d.c.targets.Abort(ctx, rank, msg)
	}, nil)
}

// broadcastReclaim tells every rank to drop what it no longer owns, except
// objects in keep, which never reached their new owner.
func (d *driver) broadcastReclaim(ctx context.Context, settled *poolmap.Map, keep []shard.OID) {
	msg := cluster.Reclaim{Pool: d.pool, Map: settled, Keep: keep}
	if len(keep) > 0 {
		d.log.Info("keeping objects that did not move", "objects", len(keep))
	}
	d.fanout(ctx, settled.Ranks(), "reclaim", func(ctx context.Context, rank poolmap.Rank) error {
		return d.c.targets.Reclaim(ctx, rank, msg)
	}, nil)
}

// fanout calls send for every rank with bounded concurrency and retry.
// Failures are logged. done, when set, gets each rank's final outcome.
func (d *driver) fanout(ctx context.Context, ranks []poolmap.Rank, what string,
	send func(context.Context, poolmap.Rank) error, done func(poolmap.Rank, error)) {
	var g errgroup.Group
	g.SetLimit(d.c.cfg.Fanout)
	for _, rank := range ranks {
		g.Go(func() error {
			err := retry.Do(ctx, d.c.cfg.Retry, d.log, what, func() error {
				return send(ctx, rank)
			})
			if err != nil && ctx.Err() == nil {
				d.log.V(1).Info("broadcast not delivered", "message", what, "rank", rank.String(), "err", err.Error())
			}
			if done != nil {
				done(rank, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (a ack) rank() poolmap.Rank {
	if a.scan != nil {
		return a.scan.Rank
	}
	return a.pull.Rank
}

func (a ack) taskID() string {
	if a.scan != nil {
		return a.scan.TaskID
	}
	return a.pull.TaskID
}
