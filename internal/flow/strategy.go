package flow

// Strategy selects how expected and actual deltas are folded into the
// comparable distance pair the jam classifier consumes.
type Strategy string

const (
	// StrategyCumulative sums every delta since the last baseline resync.
	// Simple and drift-free, but never forgets a transient mismatch.
	StrategyCumulative Strategy = "cumulative"

	// StrategyWindowed sums deltas over a trailing time window of samples.
	// This is the default: old mismatches age out with the window.
	StrategyWindowed Strategy = "windowed"

	// StrategyEWMA keeps exponentially weighted moving averages of the
	// per-update deltas. Smoothest signal, no window bookkeeping.
	StrategyEWMA Strategy = "ewma"
)

// smoother is the contract each tracking strategy implements. The tracker
// feeds it positive deltas only; retraction and purge handling happen a level
// up, so a smoother never sees negative movement.
type smoother interface {
	onExpectedDelta(deltaMm float64, nowMs int64)
	onActualDelta(deltaMm float64)
	expectedDistance() float64
	sensorDistance() float64
	reset()
}

type cumulativeSmoother struct {
	expectedMm float64
	actualMm   float64
}

func (s *cumulativeSmoother) onExpectedDelta(deltaMm float64, _ int64) {
	s.expectedMm += deltaMm
}

func (s *cumulativeSmoother) onActualDelta(deltaMm float64) {
	s.actualMm += deltaMm
}

func (s *cumulativeSmoother) expectedDistance() float64 { return s.expectedMm }
func (s *cumulativeSmoother) sensorDistance() float64   { return s.actualMm }

func (s *cumulativeSmoother) reset() {
	s.expectedMm = 0
	s.actualMm = 0
}

type windowedSmoother struct {
	ring     *sampleRing
	windowMs int64
}

func newWindowedSmoother(windowMs int64, maxSamples int) *windowedSmoother {
	return &windowedSmoother{
		ring:     newSampleRing(maxSamples),
		windowMs: windowMs,
	}
}

func (s *windowedSmoother) onExpectedDelta(deltaMm float64, nowMs int64) {
	// Prune before insert so the window never carries stale samples forward.
	s.ring.pruneOlderThan(nowMs - s.windowMs)
	s.ring.push(nowMs, deltaMm)
}

func (s *windowedSmoother) onActualDelta(deltaMm float64) {
	// A pulse with no open sample slot (window just cleared) has nothing to
	// attach to; the tracker's cumulative total still records it.
	s.ring.addToNewest(deltaMm)
}

func (s *windowedSmoother) expectedDistance() float64 {
	expected, _ := s.ring.sums()
	return expected
}

func (s *windowedSmoother) sensorDistance() float64 {
	_, actual := s.ring.sums()
	return actual
}

func (s *windowedSmoother) reset() {
	s.ring.clear()
}

type ewmaSmoother struct {
	alpha      float64
	expectedMm float64
	actualMm   float64
}

func (s *ewmaSmoother) onExpectedDelta(deltaMm float64, _ int64) {
	s.expectedMm = s.alpha*deltaMm + (1.0-s.alpha)*s.expectedMm
}

func (s *ewmaSmoother) onActualDelta(deltaMm float64) {
	s.actualMm = s.alpha*deltaMm + (1.0-s.alpha)*s.actualMm
}

func (s *ewmaSmoother) expectedDistance() float64 { return s.expectedMm }
func (s *ewmaSmoother) sensorDistance() float64   { return s.actualMm }

func (s *ewmaSmoother) reset() {
	s.expectedMm = 0
	s.actualMm = 0
}
