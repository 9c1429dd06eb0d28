package pulse

import "sync/atomic"

// Counter is a monotonic pulse total. The source context only adds; the
// monitor loop only loads. Reset is reserved for print-start boundaries,
// where the monitor loop owns the hardware too.
type Counter struct {
	n atomic.Int64
}

// Increment records one pulse.
func (c *Counter) Increment() {
	c.n.Add(1)
}

// Add records a batch of pulses reported together.
func (c *Counter) Add(n int64) {
	if n <= 0 {
		return
	}
	c.n.Add(n)
}

// Total returns the pulse count since construction or the last Reset.
func (c *Counter) Total() int64 {
	return c.n.Load()
}

// Reset zeroes the counter.
func (c *Counter) Reset() {
	c.n.Store(0)
}
