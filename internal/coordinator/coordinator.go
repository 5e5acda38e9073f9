package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/metrics"
	"github.com/dreamware/rebuildd/internal/poolmap"
	"github.com/dreamware/rebuildd/internal/poolsvc"
	"github.com/dreamware/rebuildd/internal/rdb"
	"github.com/dreamware/rebuildd/internal/retry"
)

// UnresponsivePolicy decides what happens to a running task when a target
// stops answering.
type UnresponsivePolicy string

const (
	// ExcludeUnresponsive takes the target out of the pool map. The new map
	// version supersedes the running task.
	ExcludeUnresponsive UnresponsivePolicy = "exclude"
	// AbortUnresponsive aborts the running task.
	AbortUnresponsive UnresponsivePolicy = "abort"
)

// Config tunes the coordinator.
type Config struct {
	// AckTimeout is how long the coordinator waits for a phase
	// acknowledgement before asking again.
	AckTimeout time.Duration `mapstructure:"ack_timeout"`
	// MaxResends bounds how many ack deadlines in a row may pass without
	// the phase request reaching a target before Unresponsive applies. It
	// also bounds stale reports answered with a resend.
	MaxResends   int                `mapstructure:"max_resends"`
	Unresponsive UnresponsivePolicy `mapstructure:"unresponsive"`
	// ErrorBudget is the number of per-object errors a task tolerates.
	// Negative means unlimited.
	ErrorBudget int `mapstructure:"error_budget"`
	// TaskRetries is how many new attempts a task gets after a failed scan.
	TaskRetries  int           `mapstructure:"task_retries"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Fanout caps concurrent calls in one broadcast.
	Fanout int          `mapstructure:"fanout"`
	Retry  retry.Policy `mapstructure:"retry"`
	// HealthInterval enables target health probes when positive.
	HealthInterval time.Duration `mapstructure:"health_interval"`
	HealthFailures int           `mapstructure:"health_failures"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AckTimeout:     2 * time.Second,
		MaxResends:     5,
		Unresponsive:   ExcludeUnresponsive,
		ErrorBudget:    100,
		TaskRetries:    2,
		PollInterval:   time.Second,
		Fanout:         16,
		Retry:          retry.Policy{Initial: 50 * time.Millisecond, Max: time.Second, MaxRetries: 3},
		HealthFailures: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxResends <= 0 {
		c.MaxResends = d.MaxResends
	}
	if c.Unresponsive == "" {
		c.Unresponsive = d.Unresponsive
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = d.Fanout
	}
	if c.HealthFailures <= 0 {
		c.HealthFailures = d.HealthFailures
	}
	return c
}

// Validate rejects settings the coordinator cannot run with.
func (c Config) Validate() error {
	switch c.Unresponsive {
	case "", ExcludeUnresponsive, AbortUnresponsive:
	default:
		return fmt.Errorf("unresponsive policy %q: want %q or %q", c.Unresponsive, ExcludeUnresponsive, AbortUnresponsive)
	}
	if c.TaskRetries < 0 {
		return fmt.Errorf("task retries must not be negative, got %d", c.TaskRetries)
	}
	return nil
}

// ErrNoActiveTask is returned by Abort when the pool has no running rebuild.
var ErrNoActiveTask = errors.New("no rebuild running")

// Coordinator drives rebuilds while its pool service replica leads. Every
// decision it makes is persisted through the pool service before it is
// acted on, so a successor resumes from the last checkpoint.
type Coordinator struct {
	svc     *poolsvc.Service
	targets cluster.TargetClient
	cfg     Config
	metrics *metrics.Metrics
	log     logr.Logger

	mu   sync.Mutex
	term *term
}

var _ cluster.ReportHandler = (*Coordinator)(nil)

// New returns a coordinator for svc. It does nothing until Run is called.
func New(svc *poolsvc.Service, targets cluster.TargetClient, cfg Config, m *metrics.Metrics, log logr.Logger) *Coordinator {
	return &Coordinator{
		svc:     svc,
		targets: targets,
		cfg:     cfg.withDefaults(),
		metrics: m,
		log:     log.WithName("coordinator").WithValues("replica", svc.Store().ID()),
	}
}

// Run follows the replica's leadership until ctx is done. Each time the
// replica becomes leader a new term starts with a fresh incarnation.
func (c *Coordinator) Run(ctx context.Context) error {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	start := func() {
		if cancel != nil {
			return
		}
		var tctx context.Context
		tctx, cancel = context.WithCancel(ctx)
		done = make(chan struct{})
		go func() {
			defer close(done)
			c.lead(tctx)
		}()
	}
	stop := func() {
		if cancel == nil {
			return
		}
		cancel()
		<-done
		cancel = nil
	}
	defer stop()

	if c.svc.IsLeader() {
		start()
	}
	leaderCh := c.svc.Store().LeaderCh()
	for {
		select {
		case <-ctx.Done():
			return nil
		case leading, ok := <-leaderCh:
			if !ok {
				return nil
			}
			if leading {
				start()
			} else {
				stop()
			}
		}
	}
}

// Leading reports whether a term is active and returns its incarnation.
func (c *Coordinator) Leading() (bool, uint64) {
	t := c.currentTerm()
	if t == nil {
		return false, 0
	}
	return true, t.inc
}

func (c *Coordinator) currentTerm() *term {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.term
}

func (c *Coordinator) setTerm(t *term) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = t
}

// lead runs one leadership term until ctx is cancelled.
func (c *Coordinator) lead(ctx context.Context) {
	store := c.svc.Store()
	var inc uint64
	err := retry.Do(ctx, c.cfg.Retry, c.log, "bump incarnation", func() error {
		if err := store.Barrier(ctx); err != nil {
			return err
		}
		var err error
		inc, err = c.svc.BumpIncarnation(ctx, store.ID())
		if errors.Is(err, rdb.ErrNotLeader) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error(err, "could not start leadership term")
		}
		return
	}

	t := &term{c: c, ctx: ctx, inc: inc, log: c.log.WithValues("incarnation", inc), drivers: make(map[string]*driver)}
	c.setTerm(t)
	c.metrics.Leading(true, inc)
	t.log.Info("leadership term started")
	defer func() {
		c.setTerm(nil)
		t.close()
		c.metrics.Leading(false, inc)
		t.log.Info("leadership term ended")
	}()

	if c.cfg.HealthInterval > 0 {
		monitor := NewHealthMonitor(c.targets, c.cfg.HealthInterval, c.cfg.HealthFailures, t.log)
		monitor.SetOnUnhealthy(t.targetDown)
		go monitor.Start(ctx, t.placedRanks)
		defer monitor.Stop()
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		watch := store.Watch()
		t.sync()
		select {
		case <-ctx.Done():
			return
		case <-watch:
		case <-ticker.C:
		}
	}
}

// HandleScanDone implements cluster.ReportHandler.
func (c *Coordinator) HandleScanDone(ctx context.Context, rep cluster.ScanDone) error {
	return c.deliver(ctx, rep.Pool, ack{scan: &rep})
}

// HandlePullDone implements cluster.ReportHandler.
func (c *Coordinator) HandlePullDone(ctx context.Context, rep cluster.PullDone) error {
	return c.deliver(ctx, rep.Pool, ack{pull: &rep})
}

func (c *Coordinator) deliver(ctx context.Context, pool string, a ack) error {
	t := c.currentTerm()
	if t == nil {
		return fmt.Errorf("%w: leader is %q", rdb.ErrNotLeader, c.svc.Leader())
	}
	if _, err := c.svc.Pool(pool); err != nil {
		return err
	}
	d := t.driver(pool)
	if d == nil {
		return rdb.ErrNotLeader
	}
	select {
	case d.acks <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return rdb.ErrNotLeader
	}
}

// Abort stops the pool's running rebuild on operator request. The aborted
// map version is not rebuilt again; the next map change starts a new task.
func (c *Coordinator) Abort(ctx context.Context, pool string) error {
	t := c.currentTerm()
	if t == nil {
		return fmt.Errorf("%w: leader is %q", rdb.ErrNotLeader, c.svc.Leader())
	}
	if _, err := c.svc.Pool(pool); err != nil {
		return err
	}
	d := t.driver(pool)
	if d == nil {
		return rdb.ErrNotLeader
	}
	done := make(chan error, 1)
	select {
	case d.stops <- done:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return rdb.ErrNotLeader
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return rdb.ErrNotLeader
	}
}

// term is one leadership term: an incarnation and a driver per pool.
type term struct {
	c   *Coordinator
	ctx context.Context
	inc uint64
	log logr.Logger

	mu      sync.Mutex
	closed  bool
	drivers map[string]*driver
	wg      sync.WaitGroup
}

// driver returns the pool's driver, starting it on first use. It returns
// nil once the term is closed.
func (t *term) driver(pool string) *driver {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	if d, ok := t.drivers[pool]; ok {
		return d
	}
	d := newDriver(t, pool)
	t.drivers[pool] = d
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		d.run()
	}()
	return d
}

// close waits for every driver. The term's context must already be done.
func (t *term) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
}

// goSend runs fn in the background as part of the term.
func (t *term) goSend(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		fn()
	}()
}

func (t *term) sync() {
	for _, name := range t.c.svc.Store().State().PoolNames() {
		t.driver(name)
	}
}

// targetDown forwards a failed health check to every pool driver.
func (t *term) targetDown(rank poolmap.Rank) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.drivers {
		select {
		case d.down <- rank:
		default:
			t.log.V(1).Info("target down notice dropped", "pool", d.pool, "rank", rank.String())
		}
	}
}

// placedRanks is every rank in placement in some live pool.
func (t *term) placedRanks() []poolmap.Rank {
	seen := make(map[poolmap.Rank]bool)
	for _, p := range t.c.svc.Store().State().Pools {
		if p.Destroyed {
			continue
		}
		for _, r := range p.Map.PlacementRanks() {
			seen[r] = true
		}
	}
	out := make([]poolmap.Rank, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
