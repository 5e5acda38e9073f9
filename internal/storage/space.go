package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// ErrOutOfSpace is returned when a write does not fit in the remaining
// capacity. For rebuild writes the limit is the rebuild threshold.
var ErrOutOfSpace = errors.New("out of space")

// Accountant tracks the bytes used on one target. Client writes may use the
// whole capacity; rebuild writes stop at ThresholdPercent of it so live
// traffic keeps headroom. Reclaiming space or raising the threshold closes
// the Changed channel, which is how paused pulls learn to retry.
type Accountant struct {
	mu        sync.Mutex
	capacity  uint64 // zero means unlimited
	threshold int
	used      uint64
	changed   chan struct{}
}

// NewAccountant returns an accountant for capacity bytes with the rebuild
// threshold at thresholdPercent of capacity.
func NewAccountant(capacity uint64, thresholdPercent int) *Accountant {
	return &Accountant{
		capacity:  capacity,
		threshold: clampPercent(thresholdPercent),
		changed:   make(chan struct{}),
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func (a *Accountant) limitLocked(rebuild bool) uint64 {
	if !rebuild {
		return a.capacity
	}
	return a.capacity * uint64(a.threshold) / 100
}

// Reserve charges n bytes or returns ErrOutOfSpace.
func (a *Accountant) Reserve(n uint64, rebuild bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity == 0 {
		a.used += n
		return nil
	}
	limit := a.limitLocked(rebuild)
	if a.used+n > limit {
		return fmt.Errorf("%w: need %s, %s of %s used", ErrOutOfSpace,
			humanize.IBytes(n), humanize.IBytes(a.used), humanize.IBytes(limit))
	}
	a.used += n
	return nil
}

// Release returns n bytes and wakes anything waiting for space.
func (a *Accountant) Release(n uint64) {
	if n == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > a.used {
		n = a.used
	}
	a.used -= n
	a.notifyLocked()
}

// SetThreshold changes the rebuild threshold.
func (a *Accountant) SetThreshold(percent int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.threshold = clampPercent(percent)
	a.notifyLocked()
}

// SetCapacity changes the capacity. Zero removes the limit.
func (a *Accountant) SetCapacity(capacity uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.capacity = capacity
	a.notifyLocked()
}

// Used returns the bytes charged so far.
func (a *Accountant) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Threshold returns the rebuild threshold in percent.
func (a *Accountant) Threshold() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.threshold
}

// Changed returns a channel closed on the next release or limit change.
func (a *Accountant) Changed() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.changed
}

func (a *Accountant) notifyLocked() {
	close(a.changed)
	a.changed = make(chan struct{})
}
