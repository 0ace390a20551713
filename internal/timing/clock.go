// Package timing implements the precision delay primitive the K-Line state
// machines are built on. No other package in this module is allowed to call
// time.Sleep directly for protocol timing; everything goes through Clock.
package timing

import (
	"runtime"
	"time"
)

// Clock is a hybrid coarse-sleep + busy-spin delay primitive. Its contract:
// Delay wakes the caller no earlier than d after entry, and normally no
// later than d+tolerance for the host OS.
type Clock struct {
	coarseThreshold time.Duration
	margin          time.Duration
}

// New returns a Clock tuned for the running GOOS.
func New() *Clock {
	if runtime.GOOS == "windows" {
		return &Clock{coarseThreshold: 20 * time.Millisecond, margin: 5 * time.Millisecond}
	}
	return &Clock{coarseThreshold: 2 * time.Millisecond, margin: 1 * time.Millisecond}
}

// Delay blocks for at least d.
func (c *Clock) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	deadline := time.Now().Add(d)
	if d > c.coarseThreshold {
		time.Sleep(d - c.margin)
	}
	for time.Now().Before(deadline) {
		runtime.Gosched()
	}
}

// P3Tolerance is the amount a P3min wait may wake up early to offset host
// timer granularity (Windows only; Linux has none).
func (c *Clock) P3Tolerance() time.Duration {
	if runtime.GOOS == "windows" {
		return 3 * time.Millisecond
	}
	return 0
}

// Now is a thin indirection so callers can be tested with a fake clock if
// ever needed; today it is just time.Now.
func (c *Clock) Now() time.Time { return time.Now() }
