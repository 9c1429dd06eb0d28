package flow

import "testing"

func TestSampleRing_PushAndSums(t *testing.T) {
	r := newSampleRing(4)

	r.push(1000, 1.5)
	r.push(1100, 2.0)
	r.push(1200, 0.5)

	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}

	expected, actual := r.sums()
	if expected != 4.0 {
		t.Errorf("expected sum = %v, want 4.0", expected)
	}
	if actual != 0.0 {
		t.Errorf("actual sum = %v, want 0.0", actual)
	}
}

func TestSampleRing_AddToNewest(t *testing.T) {
	r := newSampleRing(4)

	if r.addToNewest(2.88) {
		t.Error("addToNewest on empty ring should report false")
	}

	r.push(1000, 5.0)
	r.push(1100, 5.0)

	if !r.addToNewest(2.88) {
		t.Fatal("addToNewest should succeed with samples present")
	}
	r.addToNewest(2.88)

	_, actual := r.sums()
	if actual != 5.76 {
		t.Errorf("actual sum = %v, want 5.76", actual)
	}

	// Both pulses must land on the newest slot, not be spread across slots.
	if got := r.samples[r.physical(1)].actualDeltaMm; got != 5.76 {
		t.Errorf("newest slot actual = %v, want 5.76", got)
	}
	if got := r.samples[r.physical(0)].actualDeltaMm; got != 0 {
		t.Errorf("oldest slot actual = %v, want 0", got)
	}
}

func TestSampleRing_EvictsOldestWhenFull(t *testing.T) {
	r := newSampleRing(3)

	r.push(1000, 1.0)
	r.push(1100, 2.0)
	r.push(1200, 3.0)
	r.push(1300, 4.0) // evicts the 1000 sample

	if r.len() != 3 {
		t.Fatalf("len = %d, want 3", r.len())
	}

	expected, _ := r.sums()
	if expected != 9.0 {
		t.Errorf("expected sum = %v, want 9.0 after eviction", expected)
	}

	if oldest := r.samples[r.physical(0)].timestampMs; oldest != 1100 {
		t.Errorf("oldest timestamp = %d, want 1100", oldest)
	}
}

func TestSampleRing_PruneOlderThan(t *testing.T) {
	r := newSampleRing(8)

	r.push(1000, 1.0)
	r.push(3000, 2.0)
	r.push(5000, 3.0)

	r.pruneOlderThan(3000)

	if r.len() != 2 {
		t.Fatalf("len = %d, want 2", r.len())
	}
	expected, _ := r.sums()
	if expected != 5.0 {
		t.Errorf("expected sum = %v, want 5.0", expected)
	}

	// Cutoff keeps samples at exactly the cutoff timestamp.
	if oldest := r.samples[r.physical(0)].timestampMs; oldest != 3000 {
		t.Errorf("oldest timestamp = %d, want 3000", oldest)
	}

	r.pruneOlderThan(10000)
	if r.len() != 0 {
		t.Errorf("len = %d, want 0 after pruning everything", r.len())
	}
}

func TestSampleRing_PruneAfterWraparound(t *testing.T) {
	r := newSampleRing(3)

	// Fill past capacity so start has wrapped, then prune across the seam.
	for i := 0; i < 5; i++ {
		r.push(int64(1000+i*100), 1.0)
	}
	// Live window: 1200, 1300, 1400.
	r.pruneOlderThan(1350)

	if r.len() != 1 {
		t.Fatalf("len = %d, want 1", r.len())
	}
	if ts := r.samples[r.physical(0)].timestampMs; ts != 1400 {
		t.Errorf("surviving timestamp = %d, want 1400", ts)
	}

	// The ring must keep accepting pushes after a seam-crossing prune.
	r.push(1500, 2.0)
	expected, _ := r.sums()
	if expected != 3.0 {
		t.Errorf("expected sum = %v, want 3.0", expected)
	}
}

func TestSampleRing_Clear(t *testing.T) {
	r := newSampleRing(4)
	r.push(1000, 1.0)
	r.push(1100, 1.0)
	r.clear()

	if r.len() != 0 {
		t.Errorf("len = %d, want 0", r.len())
	}
	expected, actual := r.sums()
	if expected != 0 || actual != 0 {
		t.Errorf("sums after clear = %v/%v, want 0/0", expected, actual)
	}
}

func TestNewSampleRing_InvalidCapacity(t *testing.T) {
	r := newSampleRing(0)
	if len(r.samples) != DefaultMaxSamples {
		t.Errorf("capacity = %d, want %d", len(r.samples), DefaultMaxSamples)
	}
}
