// Package flow reconciles the two asynchronous filament movement signals a
// printer produces: the motion planner's cumulative expected extrusion
// position (noisy, bursty, resets on retraction) and discrete physical pulses
// from the movement sensor (lagging the planner by an unpredictable pipeline
// delay). The Tracker folds both into a comparable windowed or smoothed
// distance pair; the jam classifier consumes that pair as plain numbers.
//
// The Tracker is pure and single-threaded: all timestamps are supplied by the
// caller in milliseconds, and no allocation happens after construction.
package flow

// Tracking defaults. The 5 s window matches the firmware the movement sensor
// calibration comes from; 64 slots comfortably covers one window of telemetry
// at the controller's update cadence.
const (
	DefaultWindowMs   int64 = 5000
	DefaultMaxSamples       = 64

	defaultEWMAAlpha = 0.3

	// gapResyncMs is the telemetry silence that re-arms the grace clock once
	// positive movement resumes: sparse infill, travel moves, speed changes,
	// and pauses all stall the planner feed for longer than this.
	gapResyncMs int64 = 2000

	// minDeltaMm filters planner jitter; deltas at or below this are noise,
	// not movement.
	minDeltaMm = 0.01

	// maxFlowRatio caps the reported flow ratio. Values above 1 mean the
	// sensor ran ahead of the planner, which is pipeline latency, not data.
	maxFlowRatio = 1.5
)

// Config selects the smoothing strategy and its parameters. The zero value is
// usable: it resolves to windowed tracking with the default window.
type Config struct {
	// Strategy picks cumulative, windowed, or EWMA tracking. Defaults to
	// windowed.
	Strategy Strategy

	// WindowMs is the trailing window for the windowed strategy.
	WindowMs int64

	// MaxSamples caps the sample ring for the windowed strategy.
	MaxSamples int

	// EWMAAlpha is the smoothing factor for the EWMA strategy, clamped to
	// [0.01, 1.0].
	EWMAAlpha float64
}

// DefaultConfig returns the tracking configuration the daemon ships with.
func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyWindowed,
		WindowMs:   DefaultWindowMs,
		MaxSamples: DefaultMaxSamples,
		EWMAAlpha:  defaultEWMAAlpha,
	}
}

func (c Config) normalized() Config {
	switch c.Strategy {
	case StrategyCumulative, StrategyWindowed, StrategyEWMA:
	default:
		c.Strategy = StrategyWindowed
	}
	if c.WindowMs <= 0 {
		c.WindowMs = DefaultWindowMs
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = DefaultMaxSamples
	}
	if c.EWMAAlpha < 0.01 {
		c.EWMAAlpha = 0.01
	}
	if c.EWMAAlpha > 1.0 {
		c.EWMAAlpha = 1.0
	}
	return c
}

// Tracker reconciles expected and actual filament distance. Construct once
// with NewTracker, Reset on each print start, then drive it with
// UpdateExpectedPosition per telemetry update and AddSensorPulse per detected
// pulse.
type Tracker struct {
	cfg   Config
	strat smoother

	initialized        bool
	firstPulseReceived bool

	// lastExpectedUpdateMs anchors the grace period. It moves on reset, on
	// first telemetry, and on a gap resync, but deliberately not on ordinary
	// updates or retractions: small retractions happen constantly during
	// normal printing and must not keep detection disarmed.
	lastExpectedUpdateMs int64
	lastSensorPulseMs    int64

	// Cumulative bookkeeping, kept for every strategy: retraction detection
	// and first-pulse resync need the absolute position regardless of how
	// distances are smoothed.
	baselineMm    float64
	positionMm    float64
	sensorTotalMm float64
}

// NewTracker builds a tracker with the given configuration. Invalid values
// are clamped, never rejected.
func NewTracker(cfg Config) *Tracker {
	cfg = cfg.normalized()

	t := &Tracker{cfg: cfg}
	switch cfg.Strategy {
	case StrategyCumulative:
		t.strat = &cumulativeSmoother{}
	case StrategyEWMA:
		t.strat = &ewmaSmoother{alpha: cfg.EWMAAlpha}
	default:
		t.strat = newWindowedSmoother(cfg.WindowMs, cfg.MaxSamples)
	}
	t.Reset(0)
	return t
}

// Reset clears all accumulators, buffers, and flags, and anchors both clocks
// at nowMs. Idempotent.
func (t *Tracker) Reset(nowMs int64) {
	t.initialized = false
	t.firstPulseReceived = false
	t.lastExpectedUpdateMs = nowMs
	t.lastSensorPulseMs = nowMs
	t.baselineMm = 0
	t.positionMm = 0
	t.sensorTotalMm = 0
	t.strat.reset()
}

// UpdateExpectedPosition feeds one planner telemetry update: the cumulative
// extrusion position in mm at nowMs.
func (t *Tracker) UpdateExpectedPosition(cumulativeMm float64, nowMs int64) {
	// 1. First telemetry establishes the baseline for every strategy.
	if !t.initialized {
		t.initialized = true
		t.lastExpectedUpdateMs = nowMs
		t.baselineMm = cumulativeMm
		t.positionMm = cumulativeMm
		t.sensorTotalMm = 0
		return
	}

	// 2. Retraction: the planner moved backwards. Clear the window and
	// resync the baselines, but leave the grace clock alone.
	if cumulativeMm < t.positionMm {
		t.strat.reset()
		t.baselineMm = cumulativeMm
		t.positionMm = cumulativeMm
		t.sensorTotalMm = 0
		return
	}

	delta := cumulativeMm - t.positionMm

	// 3. Telemetry gap: movement resuming after a long silent stretch
	// re-arms the grace period so detection settles in freshly.
	if nowMs-t.lastExpectedUpdateMs > gapResyncMs && delta > minDeltaMm {
		t.lastExpectedUpdateMs = nowMs
	}

	// 4. Purge gating: until the sensor has confirmed movement once,
	// expected deltas are priming/purge extrusion and never count.
	if t.firstPulseReceived && delta > minDeltaMm {
		t.strat.onExpectedDelta(delta, nowMs)
	}

	t.positionMm = cumulativeMm
}

// AddSensorPulse records one detected movement pulse worth mmPerPulse of
// filament. No-op before the first telemetry update or when mmPerPulse is not
// positive.
func (t *Tracker) AddSensorPulse(mmPerPulse float64, nowMs int64) {
	if mmPerPulse <= 0 || !t.initialized {
		return
	}

	t.lastSensorPulseMs = nowMs

	// The first pulse proves the sensor sees filament: resync the baseline
	// to the current planner position and drop anything tracked during the
	// purge so it never reads as a deficit.
	if !t.firstPulseReceived {
		t.firstPulseReceived = true
		t.baselineMm = t.positionMm
		t.sensorTotalMm = 0
		t.strat.reset()
	}

	t.sensorTotalMm += mmPerPulse
	t.strat.onActualDelta(mmPerPulse)
}

// ExpectedDistance returns the strategy's expected distance for the live
// window, 0 before initialization.
func (t *Tracker) ExpectedDistance() float64 {
	if !t.initialized {
		return 0
	}
	return t.strat.expectedDistance()
}

// SensorDistance returns the strategy's pulse-confirmed distance for the live
// window, 0 before initialization.
func (t *Tracker) SensorDistance() float64 {
	if !t.initialized {
		return 0
	}
	return t.strat.sensorDistance()
}

// Deficit returns how far actual distance trails expected, floored at zero.
func (t *Tracker) Deficit() float64 {
	if !t.initialized {
		return 0
	}
	d := t.strat.expectedDistance() - t.strat.sensorDistance()
	if d < 0 {
		return 0
	}
	return d
}

// FlowRatio returns actual/expected clamped to [0, 1.5], or 0 when expected
// distance is not positive or the tracker is uninitialized.
func (t *Tracker) FlowRatio() float64 {
	if !t.initialized {
		return 0
	}
	expected := t.strat.expectedDistance()
	if expected <= 0 {
		return 0
	}
	ratio := t.strat.sensorDistance() / expected
	if ratio < 0 {
		return 0
	}
	if ratio > maxFlowRatio {
		return maxFlowRatio
	}
	return ratio
}

// IsWithinGracePeriod reports whether detection is still inside the grace
// window anchored at the last resync.
func (t *Tracker) IsWithinGracePeriod(nowMs, gracePeriodMs int64) bool {
	if !t.initialized || gracePeriodMs <= 0 {
		return false
	}
	return nowMs-t.lastExpectedUpdateMs < gracePeriodMs
}

// Initialized reports whether the first telemetry update has arrived.
func (t *Tracker) Initialized() bool { return t.initialized }

// FirstPulseReceived reports whether the sensor has confirmed movement since
// the last reset.
func (t *Tracker) FirstPulseReceived() bool { return t.firstPulseReceived }

// TrackedPositionMm returns the last cumulative planner position seen.
func (t *Tracker) TrackedPositionMm() float64 { return t.positionMm }

// SensorTotalMm returns the pulse-confirmed distance since the last baseline
// resync, independent of strategy.
func (t *Tracker) SensorTotalMm() float64 { return t.sensorTotalMm }

// LastExpectedUpdateMs returns the grace anchor timestamp.
func (t *Tracker) LastExpectedUpdateMs() int64 { return t.lastExpectedUpdateMs }

// LastSensorPulseMs returns the timestamp of the most recent pulse.
func (t *Tracker) LastSensorPulseMs() int64 { return t.lastSensorPulseMs }
