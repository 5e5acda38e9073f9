package storage

import (
	"time"

	"go.uber.org/atomic"
)

// Clock hands out strictly increasing epochs derived from wall time, so
// epochs issued by different clients of one pool order roughly by time and
// never repeat within a clock.
type Clock struct {
	last atomic.Uint64
	now  func() time.Time
}

// NewClock returns a clock reading the system time.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Next returns an epoch greater than every epoch returned before.
func (c *Clock) Next() uint64 {
	for {
		prev := c.last.Load()
		next := uint64(c.now().UnixNano())
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return next
		}
	}
}

// Observe moves the clock past an epoch seen elsewhere.
func (c *Clock) Observe(epoch uint64) {
	for {
		prev := c.last.Load()
		if epoch <= prev || c.last.CompareAndSwap(prev, epoch) {
			return
		}
	}
}
