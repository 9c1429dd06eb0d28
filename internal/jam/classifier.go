// Package jam classifies filament flow health into a grace/active/jammed
// state machine. The classifier consumes plain per-tick numbers (expected and
// actual distance, pulse count, clock readings) supplied by the monitor loop;
// it holds no reference to the flow tracker and performs no I/O, so every
// transition is reproducible from the tick inputs alone.
package jam

// GraceState names the classifier's lifecycle phase.
type GraceState string

const (
	// StateIdle means no print is running; detection is off.
	StateIdle GraceState = "idle"
	// StateStartGrace suppresses detection while a print spins up.
	StateStartGrace GraceState = "start_grace"
	// StateResumeGrace suppresses detection after a pause until movement
	// is re-proven.
	StateResumeGrace GraceState = "resume_grace"
	// StateActive means detection is running.
	StateActive GraceState = "active"
	// StateJammed is latched once a trigger fires; only Reset or OnResume
	// clears it.
	StateJammed GraceState = "jammed"
)

// Input is one evaluation tick's worth of observations.
type Input struct {
	// ExpectedMm and ActualMm are the tracker's current window distances.
	ExpectedMm float64
	ActualMm   float64
	// PulseCount is the monotonic sensor pulse total. A decrease is read
	// as a counter restart, not as movement.
	PulseCount int64
	// Printing reports whether the printer is actively printing. Paused
	// counts as not printing.
	Printing bool
	// TelemetryOK reports whether telemetry is fresh enough to trust the
	// distance inputs.
	TelemetryOK bool
	NowMs       int64
	// PrintStartMs anchors the start grace window. Zero means unknown.
	PrintStartMs int64
	Config       Config
	// ExpectedRate and ActualRate are precomputed mm/s values, echoed into
	// the returned State for status consumers.
	ExpectedRate float64
	ActualRate   float64
}

// State is the verdict for one tick.
type State struct {
	Grace       GraceState
	GraceActive bool
	// Jammed is the latched verdict; the trigger flags reflect only the
	// current tick's evaluation.
	Jammed           bool
	HardJamTriggered bool
	SoftJamTriggered bool
	// HardJamPercent and SoftJamPercent report accumulator progress in
	// [0, 100].
	HardJamPercent float64
	SoftJamPercent float64
	// PassRatio is actual/expected for the tick, 1.0 when expected is zero
	// or detection is suppressed.
	PassRatio float64
	// DeficitMm is max(0, expected-actual) for the tick.
	DeficitMm            float64
	ExpectedRateMmPerSec float64
	ActualRateMmPerSec   float64
}

// Classifier runs the jam state machine. It is single-threaded: the monitor
// loop owns all calls.
type Classifier struct {
	graceState GraceState

	printStartMs     int64
	resumeMs         int64
	resumePulseCount int64
	resumeBaselineMm float64

	hardAccumMs   int64
	softAccumMs   int64
	softDeficitMm float64
	lastEvalMs    int64

	lastPulseCount      int64
	lastPulseObservedMs int64

	jammed         bool
	pauseRequested bool

	lastState State
}

// NewClassifier returns an idle classifier.
func NewClassifier() *Classifier {
	return &Classifier{
		graceState: StateIdle,
		lastState:  State{Grace: StateIdle, PassRatio: 1.0},
	}
}

// Reset arms the start grace window for a new print. All accumulators,
// triggers, and latches clear. Reset is idempotent.
func (c *Classifier) Reset(printStartMs int64) {
	c.graceState = StateStartGrace
	c.printStartMs = printStartMs
	c.clearEvidence()
	c.jammed = false
	c.pauseRequested = false
	c.resumeMs = 0
	c.resumePulseCount = 0
	c.resumeBaselineMm = 0
	c.lastPulseCount = 0
	c.lastPulseObservedMs = 0
	c.lastState = State{Grace: StateStartGrace, GraceActive: true, PassRatio: 1.0}
}

// OnResume arms the resume grace window after a pause. The pulse count at
// resume is recorded so the movement proof counts only new pulses; baselineMm
// records the expected position at resume for status reporting.
func (c *Classifier) OnResume(nowMs int64, pulseCount int64, baselineMm float64) {
	c.graceState = StateResumeGrace
	c.resumeMs = nowMs
	c.resumePulseCount = pulseCount
	c.resumeBaselineMm = baselineMm
	c.clearEvidence()
	c.jammed = false
	c.pauseRequested = false
	c.lastPulseCount = pulseCount
	c.lastState = State{Grace: StateResumeGrace, GraceActive: true, PassRatio: 1.0}
}

// Update runs one evaluation tick and returns the verdict.
func (c *Classifier) Update(in Input) State {
	cfg := in.Config.normalized()
	now := in.NowMs

	// Pulse recency bookkeeping runs on every tick, including suppressed
	// ones, so forgiveness decisions see pulses that arrived during grace.
	if in.PulseCount > c.lastPulseCount {
		c.lastPulseObservedMs = now
	}
	c.lastPulseCount = in.PulseCount

	// 1. Not printing: drop to idle. The jam latch clears because the
	// print it described is over; a later print re-arms through Reset or
	// the defensive re-arm below.
	if !in.Printing {
		c.graceState = StateIdle
		c.clearEvidence()
		c.jammed = false
		st := c.neutralState(in, StateIdle, false)
		c.lastState = st
		return st
	}

	// Printing without an explicit Reset (daemon restarted mid-print, or
	// the start transition was missed): re-arm the start grace window.
	if c.graceState == StateIdle || c.graceState == "" {
		start := in.PrintStartMs
		if start <= 0 {
			start = now
		}
		c.Reset(start)
		c.lastPulseCount = in.PulseCount
	}

	c.advanceGrace(in, cfg)

	// 2. Grace and telemetry loss suppress detection entirely. A latched
	// jam keeps evaluating so its percentages track recovery.
	if c.graceState == StateStartGrace || c.graceState == StateResumeGrace {
		c.clearEvidence()
		c.lastEvalMs = now
		st := c.neutralState(in, c.graceState, true)
		c.lastState = st
		return st
	}
	if !in.TelemetryOK && c.graceState != StateJammed {
		c.clearEvidence()
		c.lastEvalMs = now
		st := c.neutralState(in, c.graceState, true)
		c.lastState = st
		return st
	}

	// 3. Tick health numbers.
	deficit := in.ExpectedMm - in.ActualMm
	if deficit < 0 {
		deficit = 0
	}
	passRatio := 1.0
	if in.ExpectedMm > 0 {
		passRatio = in.ActualMm / in.ExpectedMm
		if passRatio < 0 {
			passRatio = 0
		}
	}

	// 4. Wall-clock credit for this tick, capped at the check interval so
	// a stalled loop cannot satisfy a jam's time requirement in one tick.
	evalDelta := cfg.CheckIntervalMs
	if c.lastEvalMs != 0 {
		if d := now - c.lastEvalMs; d < evalDelta {
			evalDelta = d
		}
	}
	if evalDelta < 0 {
		evalDelta = 0
	}
	c.lastEvalMs = now

	// 5. Hard jam: near-total flow loss across a meaningful window.
	// Clearing accumulated evidence requires a recent pulse; a ratio
	// improvement alone is not proof the filament moved.
	hardCondition := in.ExpectedMm >= minHardWindowMm && passRatio < cfg.HardPassRatio
	if hardCondition {
		c.hardAccumMs += evalDelta
		if c.hardAccumMs > cfg.HardJamTimeMs {
			c.hardAccumMs = cfg.HardJamTimeMs
		}
	} else if c.hardAccumMs > 0 && c.pulseObservedWithin(now, cfg.CheckIntervalMs+pulseForgivenessSlackMs) {
		c.hardAccumMs = 0
	}
	hardTriggered := false
	if c.hardAccumMs >= cfg.HardJamTimeMs {
		if in.ExpectedMm >= minHardWindowMm {
			hardTriggered = true
		} else {
			// Stale evidence carried into a window with no real
			// demand: discard rather than trigger.
			c.hardAccumMs = 0
		}
	}

	// 6. Soft jam: partial flow loss. Any healthy tick clears all soft
	// progress immediately.
	softCondition := passRatio < cfg.RatioThreshold && deficit >= minSoftPerCheckMm
	if softCondition {
		c.softAccumMs += evalDelta
		if c.softAccumMs > cfg.SoftJamTimeMs {
			c.softAccumMs = cfg.SoftJamTimeMs
		}
		c.softDeficitMm += deficit
	} else {
		c.softAccumMs = 0
		c.softDeficitMm = 0
	}
	softTriggered := c.softAccumMs >= cfg.SoftJamTimeMs && c.softDeficitMm >= minSoftDeficitMm

	// 7. Mode gating applies to triggers only; accumulators keep running
	// so a mode change mid-print sees current evidence.
	switch cfg.Mode {
	case ModeHardOnly:
		softTriggered = false
	case ModeSoftOnly:
		hardTriggered = false
	}

	// 8. Latch. Only Reset or OnResume leaves StateJammed.
	if hardTriggered || softTriggered {
		c.graceState = StateJammed
		c.jammed = true
	}

	// 9. Progress percentages.
	st := State{
		Grace:                c.graceState,
		GraceActive:          false,
		Jammed:               c.jammed,
		HardJamTriggered:     hardTriggered,
		SoftJamTriggered:     softTriggered,
		HardJamPercent:       accumPercent(c.hardAccumMs, cfg.HardJamTimeMs),
		SoftJamPercent:       accumPercent(c.softAccumMs, cfg.SoftJamTimeMs),
		PassRatio:            passRatio,
		DeficitMm:            deficit,
		ExpectedRateMmPerSec: in.ExpectedRate,
		ActualRateMmPerSec:   in.ActualRate,
	}
	c.lastState = st
	return st
}

// State returns the most recent verdict without evaluating.
func (c *Classifier) State() State {
	return c.lastState
}

// ResumeBaselineMm returns the expected position recorded by the last
// OnResume, zero if none.
func (c *Classifier) ResumeBaselineMm() float64 {
	return c.resumeBaselineMm
}

// IsPauseRequested reports the pause dispatch latch.
func (c *Classifier) IsPauseRequested() bool {
	return c.pauseRequested
}

// SetPauseRequested marks that a pause command has been dispatched for the
// current jam, so the monitor loop issues it once per event.
func (c *Classifier) SetPauseRequested() {
	c.pauseRequested = true
}

// ClearPauseRequest clears the pause dispatch latch.
func (c *Classifier) ClearPauseRequest() {
	c.pauseRequested = false
}

// advanceGrace promotes grace states whose exit conditions are met. The
// promotion happens before evaluation, so a tick that leaves grace is also
// the first evaluated tick.
func (c *Classifier) advanceGrace(in Input, cfg Config) {
	switch c.graceState {
	case StateStartGrace:
		elapsed := in.NowMs - c.printStartMs
		if elapsed > cfg.StartTimeoutMs+cfg.GraceTimeMs {
			c.graceState = StateActive
		} else if elapsed > cfg.StartTimeoutMs && in.PulseCount > 0 && in.ActualMm > 0 {
			// Movement confirmed: no reason to wait out the rest of
			// the window.
			c.graceState = StateActive
		}
	case StateResumeGrace:
		if in.PulseCount-c.resumePulseCount >= resumeProofPulses {
			c.graceState = StateActive
		} else if in.NowMs-c.resumeMs > cfg.GraceTimeMs+cfg.StartTimeoutMs {
			c.graceState = StateActive
		}
	}
}

func (c *Classifier) clearEvidence() {
	c.hardAccumMs = 0
	c.softAccumMs = 0
	c.softDeficitMm = 0
	c.lastEvalMs = 0
}

func (c *Classifier) neutralState(in Input, grace GraceState, graceActive bool) State {
	return State{
		Grace:                grace,
		GraceActive:          graceActive,
		Jammed:               c.jammed,
		PassRatio:            1.0,
		ExpectedRateMmPerSec: in.ExpectedRate,
		ActualRateMmPerSec:   in.ActualRate,
	}
}

func (c *Classifier) pulseObservedWithin(nowMs, windowMs int64) bool {
	if c.lastPulseObservedMs == 0 {
		return false
	}
	return nowMs-c.lastPulseObservedMs <= windowMs
}

func accumPercent(accumMs, windowMs int64) float64 {
	if windowMs <= 0 {
		return 0
	}
	p := 100 * float64(accumMs) / float64(windowMs)
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
