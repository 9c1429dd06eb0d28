package flow

// sample is one slot in the tracking window: the expected extrusion delta the
// planner reported at timestampMs, plus whatever pulse distance arrived while
// this was the newest slot. Expected and actual are matched by slot, not by
// arrival order, which is what absorbs planner/sensor pipeline latency.
type sample struct {
	timestampMs     int64
	expectedDeltaMm float64
	actualDeltaMm   float64
}

// sampleRing is a fixed-capacity ring of samples ordered oldest to newest.
// All wraparound index arithmetic lives here; callers only speak in logical
// positions. The backing array is allocated once and never grows.
type sampleRing struct {
	samples []sample
	start   int
	count   int
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = DefaultMaxSamples
	}
	return &sampleRing{samples: make([]sample, capacity)}
}

func (r *sampleRing) len() int { return r.count }

func (r *sampleRing) clear() {
	r.start = 0
	r.count = 0
}

// physical maps a logical position (0 = oldest) to a backing-array index.
func (r *sampleRing) physical(i int) int {
	return (r.start + i) % len(r.samples)
}

// push appends a sample with the given expected delta and zero actual delta,
// evicting the oldest sample when the ring is full. Timestamps must be
// non-decreasing across pushes; the tracker's single-threaded update loop
// guarantees that.
func (r *sampleRing) push(timestampMs int64, expectedDeltaMm float64) {
	if r.count == len(r.samples) {
		r.start = (r.start + 1) % len(r.samples)
		r.count--
	}
	r.samples[r.physical(r.count)] = sample{
		timestampMs:     timestampMs,
		expectedDeltaMm: expectedDeltaMm,
	}
	r.count++
}

// addToNewest folds pulse distance into the most recently pushed sample.
// Reports false when the window is empty and there is nothing to attach to.
func (r *sampleRing) addToNewest(mm float64) bool {
	if r.count == 0 {
		return false
	}
	r.samples[r.physical(r.count-1)].actualDeltaMm += mm
	return true
}

// pruneOlderThan drops samples whose timestamp predates cutoffMs. Samples are
// age-ordered, so only the oldest end needs walking; worst case is one full
// ring of drops.
func (r *sampleRing) pruneOlderThan(cutoffMs int64) {
	for r.count > 0 && r.samples[r.start].timestampMs < cutoffMs {
		r.start = (r.start + 1) % len(r.samples)
		r.count--
	}
}

// sums returns the expected and actual distance totals across the live window.
func (r *sampleRing) sums() (expectedMm, actualMm float64) {
	for i := 0; i < r.count; i++ {
		s := r.samples[r.physical(i)]
		expectedMm += s.expectedDeltaMm
		actualMm += s.actualDeltaMm
	}
	return expectedMm, actualMm
}
