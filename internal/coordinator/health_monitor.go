package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/dreamware/rebuildd/internal/cluster"
	"github.com/dreamware/rebuildd/internal/poolmap"
)

// Health states reported by the monitor.
const (
	HealthUnknown   = "unknown"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// TargetHealth tracks the health status of a single target.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type TargetHealth struct {
	LastCheck        time.Time    // Timestamp of the last health check attempt
	LastHealthy      time.Time    // Timestamp of the last successful health check
	Rank             poolmap.Rank // Target being probed
	Status           string       // Current status: "healthy", "unhealthy", "unknown"
	ConsecutiveFails int          // Number of consecutive failed health checks
}

// HealthMonitor probes every target in placement at a fixed interval and
// reports a target that fails maxFailures probes in a row. The coordinator
// feeds those reports into the unresponsive-target policy.
// Thread-safe: All methods are safe for concurrent access.
type HealthMonitor struct {
	targets     map[poolmap.Rank]*TargetHealth // Current health status per target
	checkFunc   func(ctx context.Context, rank poolmap.Rank) error
	onUnhealthy func(rank poolmap.Rank) // Callback when a target becomes unhealthy
	log         logr.Logger
	ctx         context.Context    // Context for cancellation
	cancel      context.CancelFunc // Cancel function for shutdown
	interval    time.Duration      // How often to probe
	timeout     time.Duration      // Per-probe timeout
	mu          sync.RWMutex       // Protects targets map
	wg          sync.WaitGroup     // Wait group for graceful shutdown
	maxFailures int                // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that pings targets through client
// every interval. Targets are marked unhealthy after maxFailures
// consecutive failures; values below one default to three.
//
// Example:
//
//	monitor := NewHealthMonitor(network, 5*time.Second, 3, log)
//	monitor.SetOnUnhealthy(coord.targetDown)
//	go monitor.Start(ctx, coord.placedRanks)
func NewHealthMonitor(client cluster.TargetClient, interval time.Duration, maxFailures int, log logr.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if maxFailures < 1 {
		maxFailures = 3
	}
	h := &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
		targets:     make(map[poolmap.Rank]*TargetHealth),
		log:         log.WithName("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
	if client != nil {
		h.checkFunc = client.Ping
	}
	return h
}

// SetOnUnhealthy sets the callback invoked when a target becomes unhealthy.
// The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(rank poolmap.Rank)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the probe. Useful for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, rank poolmap.Rank) error) {
	h.checkFunc = checkFunc
}

// Start probes the ranks returned by rankProvider until ctx or the monitor
// is cancelled. It blocks; run it on its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, rankProvider func() []poolmap.Rank) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.log.Info("health monitor has no probe, not starting")
		return
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.V(1).Info("health monitor started", "interval", h.interval.String())

	// Perform initial health check immediately
	h.checkAll(ctx, rankProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, rankProvider())
		case <-ctx.Done():
			h.log.V(1).Info("health monitor stopping", "why", "context cancelled")
			return
		case <-h.ctx.Done():
			h.log.V(1).Info("health monitor stopping", "why", "stopped")
			return
		}
	}
}

// Stop cancels the monitoring goroutine and waits for it to finish.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
}

// checkAll probes every rank and forgets ranks that are no longer placed.
func (h *HealthMonitor) checkAll(ctx context.Context, ranks []poolmap.Rank) {
	current := make(map[poolmap.Rank]bool, len(ranks))
	for _, rank := range ranks {
		current[rank] = true
		h.checkTarget(ctx, rank)
	}

	h.mu.Lock()
	for rank := range h.targets {
		if !current[rank] {
			delete(h.targets, rank)
			h.log.V(1).Info("target no longer monitored", "rank", rank.String())
		}
	}
	h.mu.Unlock()
}

// checkTarget probes one target and updates its record. The unhealthy
// callback fires once per transition into the unhealthy state.
func (h *HealthMonitor) checkTarget(ctx context.Context, rank poolmap.Rank) {
	h.mu.Lock()
	health, exists := h.targets[rank]
	if !exists {
		health = &TargetHealth{
			Rank:        rank,
			Status:      HealthUnknown,
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.targets[rank] = health
	}
	h.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.checkFunc(probeCtx, rank)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		h.log.V(1).Info("health check failed", "rank", rank.String(),
			"attempt", health.ConsecutiveFails, "max", h.maxFailures, "err", err.Error())

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = HealthUnhealthy
			if previous != HealthUnhealthy && h.onUnhealthy != nil {
				h.log.Info("target marked unhealthy", "rank", rank.String(), "failures", health.ConsecutiveFails)
				go h.onUnhealthy(rank)
			}
		}
		return
	}

	if health.Status == HealthUnhealthy {
		h.log.Info("target recovered", "rank", rank.String())
	}
	health.Status = HealthHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

// TargetHealth returns a copy of the record for rank, or nil if the rank
// is not monitored.
func (h *HealthMonitor) TargetHealth(rank poolmap.Rank) *TargetHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.targets[rank]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// AllTargetHealth returns a copy of every record, keyed by rank.
func (h *HealthMonitor) AllTargetHealth() map[poolmap.Rank]*TargetHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[poolmap.Rank]*TargetHealth, len(h.targets))
	for rank, health := range h.targets {
		cp := *health
		result[rank] = &cp
	}
	return result
}

// IsHealthy reports whether rank passed its last probe. Unmonitored ranks
// are not healthy.
func (h *HealthMonitor) IsHealthy(rank poolmap.Rank) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.targets[rank]
	return exists && health.Status == HealthHealthy
}
