package flow

import (
	"math"
	"testing"
)

func TestNewTracker_Defaults(t *testing.T) {
	tracker := NewTracker(Config{})

	if tracker == nil {
		t.Fatal("expected non-nil tracker")
	}
	if tracker.cfg.Strategy != StrategyWindowed {
		t.Errorf("strategy = %s, want windowed", tracker.cfg.Strategy)
	}
	if tracker.cfg.WindowMs != DefaultWindowMs {
		t.Errorf("window = %d, want %d", tracker.cfg.WindowMs, DefaultWindowMs)
	}
	if tracker.cfg.MaxSamples != DefaultMaxSamples {
		t.Errorf("max samples = %d, want %d", tracker.cfg.MaxSamples, DefaultMaxSamples)
	}
}

func TestConfig_Normalized(t *testing.T) {
	cfg := Config{Strategy: "bogus", WindowMs: -1, MaxSamples: 0, EWMAAlpha: 7.0}.normalized()

	if cfg.Strategy != StrategyWindowed {
		t.Errorf("strategy = %s, want windowed", cfg.Strategy)
	}
	if cfg.WindowMs != DefaultWindowMs {
		t.Errorf("window = %d, want %d", cfg.WindowMs, DefaultWindowMs)
	}
	if cfg.MaxSamples != DefaultMaxSamples {
		t.Errorf("max samples = %d, want %d", cfg.MaxSamples, DefaultMaxSamples)
	}
	if cfg.EWMAAlpha != 1.0 {
		t.Errorf("alpha = %v, want clamp to 1.0", cfg.EWMAAlpha)
	}

	cfg = Config{EWMAAlpha: 0.001}.normalized()
	if cfg.EWMAAlpha != 0.01 {
		t.Errorf("alpha = %v, want clamp to 0.01", cfg.EWMAAlpha)
	}
}

func TestTracker_UninitializedQueries(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	if tracker.Initialized() {
		t.Error("tracker should start uninitialized")
	}
	if got := tracker.ExpectedDistance(); got != 0 {
		t.Errorf("ExpectedDistance = %v, want 0", got)
	}
	if got := tracker.SensorDistance(); got != 0 {
		t.Errorf("SensorDistance = %v, want 0", got)
	}
	if got := tracker.Deficit(); got != 0 {
		t.Errorf("Deficit = %v, want 0", got)
	}
	if got := tracker.FlowRatio(); got != 0 {
		t.Errorf("FlowRatio = %v, want 0", got)
	}
	if tracker.IsWithinGracePeriod(1000, 5000) {
		t.Error("uninitialized tracker is never within grace")
	}
}

func TestTracker_PurgeGating(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	// Telemetry before any pulse is priming/purge extrusion.
	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.UpdateExpectedPosition(110.0, 1500)
	tracker.UpdateExpectedPosition(147.0, 2000)

	if !tracker.Initialized() {
		t.Fatal("tracker should be initialized after first update")
	}
	if got := tracker.ExpectedDistance(); got != 0 {
		t.Errorf("ExpectedDistance during purge = %v, want 0", got)
	}
	if tracker.FirstPulseReceived() {
		t.Error("no pulse has arrived yet")
	}

	// First pulse opens the gate; expected deltas count from here on.
	tracker.AddSensorPulse(2.88, 2100)
	tracker.UpdateExpectedPosition(152.0, 2500)

	if got := tracker.ExpectedDistance(); got != 5.0 {
		t.Errorf("ExpectedDistance after gate opened = %v, want 5.0", got)
	}
}

func TestTracker_FirstPulseResync(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1100)

	// The first pulse lands before any trackable sample exists: the window
	// stays empty, only the cumulative total records it.
	if got := tracker.SensorDistance(); got != 0 {
		t.Errorf("windowed SensorDistance right after first pulse = %v, want 0", got)
	}
	if got := tracker.SensorTotalMm(); got != 2.88 {
		t.Errorf("SensorTotalMm = %v, want 2.88", got)
	}
	if !tracker.FirstPulseReceived() {
		t.Error("first pulse not latched")
	}
	if got := tracker.LastSensorPulseMs(); got != 1100 {
		t.Errorf("LastSensorPulseMs = %d, want 1100", got)
	}
}

func TestTracker_PulseAttachesToNewestSample(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1050)
	tracker.UpdateExpectedPosition(105.0, 1500) // sample A: 5mm expected
	tracker.UpdateExpectedPosition(110.0, 2000) // sample B: 5mm expected

	tracker.AddSensorPulse(2.88, 2100)
	tracker.AddSensorPulse(2.88, 2200)

	if got := tracker.ExpectedDistance(); got != 10.0 {
		t.Errorf("ExpectedDistance = %v, want 10.0", got)
	}
	if got := tracker.SensorDistance(); math.Abs(got-5.76) > 1e-9 {
		t.Errorf("SensorDistance = %v, want 5.76", got)
	}
	if got := tracker.Deficit(); math.Abs(got-4.24) > 1e-9 {
		t.Errorf("Deficit = %v, want 4.24", got)
	}
	if got := tracker.FlowRatio(); math.Abs(got-0.576) > 1e-9 {
		t.Errorf("FlowRatio = %v, want 0.576", got)
	}
}

func TestTracker_DeficitFloorsAtZero(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1050)
	tracker.UpdateExpectedPosition(102.0, 1500) // 2mm expected

	// Sensor runs ahead of the planner (pipeline latency).
	tracker.AddSensorPulse(2.88, 1600)
	tracker.AddSensorPulse(2.88, 1700)

	if got := tracker.Deficit(); got != 0 {
		t.Errorf("Deficit = %v, want 0 when actual exceeds expected", got)
	}
}

func TestTracker_FlowRatioClamp(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1050)
	tracker.UpdateExpectedPosition(102.0, 1500) // 2mm expected

	for i := 0; i < 4; i++ {
		tracker.AddSensorPulse(2.88, int64(1600+i*50)) // 11.52mm actual
	}

	if got := tracker.FlowRatio(); got != maxFlowRatio {
		t.Errorf("FlowRatio = %v, want clamp at %v", got, maxFlowRatio)
	}

	// Zero expected always reads as ratio 0.
	tracker.Reset(2000)
	tracker.UpdateExpectedPosition(50.0, 2000)
	if got := tracker.FlowRatio(); got != 0 {
		t.Errorf("FlowRatio with no expected distance = %v, want 0", got)
	}
}

func TestTracker_RetractionClearsWindowKeepsGraceClock(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1100)
	tracker.UpdateExpectedPosition(110.0, 1200)

	if got := tracker.ExpectedDistance(); got != 10.0 {
		t.Fatalf("ExpectedDistance before retraction = %v, want 10.0", got)
	}
	anchorBefore := tracker.LastExpectedUpdateMs()

	// Planner position drops: retraction.
	tracker.UpdateExpectedPosition(95.0, 1300)

	if got := tracker.ExpectedDistance(); got != 0 {
		t.Errorf("ExpectedDistance after retraction = %v, want 0", got)
	}
	if got := tracker.SensorDistance(); got != 0 {
		t.Errorf("SensorDistance after retraction = %v, want 0", got)
	}
	if got := tracker.SensorTotalMm(); got != 0 {
		t.Errorf("SensorTotalMm after retraction = %v, want 0", got)
	}
	if got := tracker.TrackedPositionMm(); got != 95.0 {
		t.Errorf("TrackedPositionMm = %v, want 95.0", got)
	}
	if got := tracker.LastExpectedUpdateMs(); got != anchorBefore {
		t.Errorf("grace anchor moved on retraction: %d -> %d", anchorBefore, got)
	}

	// Tracking resumes cleanly from the new baseline.
	tracker.UpdateExpectedPosition(98.0, 1400)
	if got := tracker.ExpectedDistance(); got != 3.0 {
		t.Errorf("ExpectedDistance after resync = %v, want 3.0", got)
	}
}

func TestTracker_TelemetryGapReArmsGrace(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)

	// Grace anchored at first telemetry.
	if !tracker.IsWithinGracePeriod(1500, 2000) {
		t.Error("expected grace active shortly after init")
	}
	if tracker.IsWithinGracePeriod(3500, 2000) {
		t.Error("expected grace expired 2.5s after init")
	}

	// Silence past the gap threshold, then positive movement: re-arm.
	tracker.UpdateExpectedPosition(105.0, 4000)
	if got := tracker.LastExpectedUpdateMs(); got != 4000 {
		t.Errorf("grace anchor = %d, want re-armed to 4000", got)
	}
	if !tracker.IsWithinGracePeriod(4100, 2000) {
		t.Error("expected grace active right after gap resync")
	}
}

func TestTracker_NoGraceReArmWithoutMovement(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	// A stalled planner reports the same position across the gap.
	tracker.UpdateExpectedPosition(100.0, 4000)

	if got := tracker.LastExpectedUpdateMs(); got != 1000 {
		t.Errorf("grace anchor = %d, want unchanged at 1000", got)
	}
}

func TestTracker_IgnoresInvalidPulses(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	// Before initialization: no state changes at all.
	tracker.AddSensorPulse(2.88, 500)
	if tracker.FirstPulseReceived() {
		t.Error("pulse before init must be ignored")
	}
	if got := tracker.LastSensorPulseMs(); got != 0 {
		t.Errorf("LastSensorPulseMs = %d, want 0", got)
	}

	tracker.UpdateExpectedPosition(100.0, 1000)

	// Non-positive calibration: ignored.
	tracker.AddSensorPulse(0, 1100)
	tracker.AddSensorPulse(-2.88, 1200)
	if tracker.FirstPulseReceived() {
		t.Error("non-positive mmPerPulse must be ignored")
	}
	if got := tracker.SensorTotalMm(); got != 0 {
		t.Errorf("SensorTotalMm = %v, want 0", got)
	}
}

func TestTracker_ResetIdempotent(t *testing.T) {
	tracker := NewTracker(DefaultConfig())

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1100)
	tracker.UpdateExpectedPosition(120.0, 1500)

	tracker.Reset(2000)
	tracker.Reset(2000)

	if tracker.Initialized() {
		t.Error("tracker should be uninitialized after reset")
	}
	if tracker.FirstPulseReceived() {
		t.Error("first-pulse latch should clear on reset")
	}
	if got := tracker.ExpectedDistance(); got != 0 {
		t.Errorf("ExpectedDistance after reset = %v, want 0", got)
	}
	if got := tracker.SensorDistance(); got != 0 {
		t.Errorf("SensorDistance after reset = %v, want 0", got)
	}
	if got := tracker.FlowRatio(); got != 0 {
		t.Errorf("FlowRatio after reset = %v, want 0", got)
	}
	if got := tracker.LastExpectedUpdateMs(); got != 2000 {
		t.Errorf("grace anchor after reset = %d, want 2000", got)
	}
	if got := tracker.LastSensorPulseMs(); got != 2000 {
		t.Errorf("pulse clock after reset = %d, want 2000", got)
	}
}

func TestTracker_WindowAgesOutSamples(t *testing.T) {
	tracker := NewTracker(Config{Strategy: StrategyWindowed, WindowMs: 1000, MaxSamples: 16})

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1050)
	tracker.UpdateExpectedPosition(105.0, 1100) // ages out below
	tracker.UpdateExpectedPosition(110.0, 1500)

	if got := tracker.ExpectedDistance(); got != 10.0 {
		t.Fatalf("ExpectedDistance = %v, want 10.0", got)
	}

	// Next insertion prunes the 1100 sample (older than 2400-1000).
	tracker.UpdateExpectedPosition(112.0, 2400)

	if got := tracker.ExpectedDistance(); got != 7.0 {
		t.Errorf("ExpectedDistance after aging = %v, want 7.0", got)
	}
}

func TestTracker_CumulativeStrategy(t *testing.T) {
	tracker := NewTracker(Config{Strategy: StrategyCumulative})

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.88, 1050)

	// Cumulative never forgets: deltas from minutes ago still count.
	tracker.UpdateExpectedPosition(105.0, 1500)
	tracker.UpdateExpectedPosition(110.0, 200000)

	if got := tracker.ExpectedDistance(); got != 10.0 {
		t.Errorf("ExpectedDistance = %v, want 10.0", got)
	}

	tracker.AddSensorPulse(2.88, 200100)
	if got := tracker.SensorDistance(); math.Abs(got-5.76) > 1e-9 {
		t.Errorf("SensorDistance = %v, want 5.76", got)
	}
}

func TestTracker_EWMAStrategy(t *testing.T) {
	tracker := NewTracker(Config{Strategy: StrategyEWMA, EWMAAlpha: 0.5})

	tracker.UpdateExpectedPosition(100.0, 1000)
	tracker.AddSensorPulse(2.0, 1050) // ewma actual: 0.5*2 = 1.0

	tracker.UpdateExpectedPosition(104.0, 1500) // ewma expected: 0.5*4 = 2.0
	tracker.UpdateExpectedPosition(112.0, 2000) // 0.5*8 + 0.5*2 = 5.0

	if got := tracker.ExpectedDistance(); math.Abs(got-5.0) > 1e-9 {
		t.Errorf("EWMA ExpectedDistance = %v, want 5.0", got)
	}

	tracker.AddSensorPulse(2.0, 2100) // 0.5*2 + 0.5*1 = 1.5
	tracker.AddSensorPulse(2.0, 2200) // 0.5*2 + 0.5*1.5 = 1.75

	if got := tracker.SensorDistance(); math.Abs(got-1.75) > 1e-9 {
		t.Errorf("EWMA SensorDistance = %v, want 1.75", got)
	}
}
