package pulse

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/filament-data/flow.watch/internal/timeutil"
)

// FakeSource emits pulses at a fixed interval. Dev mode wires it in place
// of real hardware so the whole pipeline runs on a desk.
type FakeSource struct {
	counter  *Counter
	interval time.Duration
	clock    timeutil.Clock
	runout   atomic.Bool
}

// NewFakeSource emits one pulse per interval onto counter.
func NewFakeSource(counter *Counter, interval time.Duration, clock timeutil.Clock) *FakeSource {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &FakeSource{counter: counter, interval: interval, clock: clock}
}

// Monitor emits pulses until ctx ends.
func (s *FakeSource) Monitor(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.counter.Increment()
		}
	}
}

// Close is a no-op; the fake holds no hardware.
func (s *FakeSource) Close() error {
	return nil
}

// SetRunout flips the simulated runout switch.
func (s *FakeSource) SetRunout(triggered bool) {
	s.runout.Store(triggered)
}

// RunoutTriggered reports the simulated runout switch.
func (s *FakeSource) RunoutTriggered() (bool, error) {
	return s.runout.Load(), nil
}
