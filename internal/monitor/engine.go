// Package monitor runs the evaluation loop that joins printer telemetry,
// movement-sensor pulses, flow tracking, and jam classification, and carries
// the verdicts out to storage, the printer, and notifiers.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filament-data/flow.watch/internal/config"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/flow"
	"github.com/filament-data/flow.watch/internal/homeassistant"
	"github.com/filament-data/flow.watch/internal/jam"
	"github.com/filament-data/flow.watch/internal/monitoring"
	"github.com/filament-data/flow.watch/internal/pulse"
	"github.com/filament-data/flow.watch/internal/telemetry"
	"github.com/filament-data/flow.watch/internal/timeutil"
	"github.com/filament-data/flow.watch/internal/units"
)

// ErrNoPrinter is returned by control requests when no printer connection is
// configured.
var ErrNoPrinter = errors.New("no printer connection")

// retentionSweepIntervalMs sets how often expired flow samples are pruned.
const retentionSweepIntervalMs int64 = 60 * 60 * 1000

// StatusFeed delivers decoded printer status reports.
type StatusFeed interface {
	Updates() <-chan telemetry.Update
}

// Commander sends SDCP commands back to the printer.
type Commander interface {
	SendCommand(cmd int) error
}

// Options wires an Engine. Feed is required; everything else degrades
// gracefully when nil.
type Options struct {
	Clock     timeutil.Clock
	Feed      StatusFeed
	Commander Commander
	Counter   *pulse.Counter
	Runout    pulse.RunoutSensor
	Store     *db.DB
	HA        homeassistant.Publisher
	Notifiers []Notifier
	Config    *config.Config
}

// Engine owns the evaluation loop. All detection state is loop-owned; the
// mutex guards only the config pointer and the published status snapshot.
type Engine struct {
	clock     timeutil.Clock
	feed      StatusFeed
	cmd       Commander
	counter   *pulse.Counter
	runout    pulse.RunoutSensor
	store     *db.DB
	ha        homeassistant.Publisher
	notifiers []Notifier

	mu     sync.RWMutex
	cfg    *config.Config
	status Status

	tracker    *flow.Tracker
	classifier *jam.Classifier

	printing     bool
	paused       bool
	printStatus  int
	printStartMs int64
	mainboardID  string
	lastUpdateMs int64

	lastCounterTotal int64
	lastTickMs       int64
	lastPositionMm   float64
	lastSensorMm     float64

	activeJamID    string
	activeJam      db.JamEvent
	runoutActive   bool
	lastStatePubMs int64
	lastPruneMs    int64
}

// NewEngine assembles an engine from its parts.
func NewEngine(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyConfig()
	}
	counter := opts.Counter
	if counter == nil {
		counter = &pulse.Counter{}
	}

	e := &Engine{
		clock:      clock,
		feed:       opts.Feed,
		cmd:        opts.Commander,
		counter:    counter,
		runout:     opts.Runout,
		store:      opts.Store,
		ha:         opts.HA,
		notifiers:  opts.Notifiers,
		cfg:        cfg,
		tracker:    flow.NewTracker(cfg.TrackerConfig()),
		classifier: jam.NewClassifier(),
	}
	e.status = Status{
		Enabled:    cfg.GetEnabled(),
		GraceState: string(jam.StateIdle),
		PassRatio:  1.0,
	}
	return e
}

// Run drives the loop until ctx is cancelled or the feed closes. A closed
// feed (replay finished) settles state with one final tick and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.configSnapshot().GetCheckIntervalMs()) * time.Millisecond
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-e.feed.Updates():
			if !ok {
				e.tick()
				return nil
			}
			e.handleTelemetry(u)
		case <-ticker.C():
			e.tick()
			if d := time.Duration(e.configSnapshot().GetCheckIntervalMs()) * time.Millisecond; d != interval {
				interval = d
				ticker.Reset(d)
			}
		}
	}
}

// Status returns the latest snapshot.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Config returns the current configuration. Callers must treat it as
// read-only; ApplyConfig swaps in changes.
func (e *Engine) Config() *config.Config {
	return e.configSnapshot()
}

// ApplyConfig swaps in a new configuration. Detection settings apply on the
// next tick; flow tracker settings apply at the next print start.
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	monitoring.Logf("monitor: configuration applied (mode=%s, check_interval=%dms)",
		cfg.GetDetectionMode(), cfg.GetCheckIntervalMs())
}

// RequestPause asks the printer to pause. Manual control, not the jam path.
func (e *Engine) RequestPause() error {
	if e.cmd == nil {
		return ErrNoPrinter
	}
	return e.cmd.SendCommand(telemetry.CmdPausePrint)
}

// RequestResume asks the printer to continue. The resume grace window arms
// when the printer reports the transition, not here.
func (e *Engine) RequestResume() error {
	if e.cmd == nil {
		return ErrNoPrinter
	}
	return e.cmd.SendCommand(telemetry.CmdContinuePrint)
}

// RequestStop asks the printer to stop the print.
func (e *Engine) RequestStop() error {
	if e.cmd == nil {
		return ErrNoPrinter
	}
	return e.cmd.SendCommand(telemetry.CmdStopPrint)
}

func (e *Engine) configSnapshot() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// handleTelemetry applies one status report: print lifecycle transitions
// first, then the expected-position update.
func (e *Engine) handleTelemetry(u telemetry.Update) {
	st := u.Status
	now := u.ReceivedMs
	cfg := e.configSnapshot()

	e.lastUpdateMs = now
	e.printStatus = st.PrintStatus
	if st.MainboardID != "" {
		e.mainboardID = st.MainboardID
	}

	wasPrinting, wasPaused := e.printing, e.paused
	e.printing = st.Printing
	e.paused = st.Paused

	switch {
	case st.Printing && !wasPrinting && !wasPaused:
		// New print (or daemon started mid-print; the start time is then the
		// first report, which walks straight through start grace).
		e.printStartMs = now
		e.tracker = flow.NewTracker(cfg.TrackerConfig())
		e.tracker.Reset(now)
		e.lastTickMs = 0
		e.lastPositionMm = 0
		e.lastSensorMm = 0
		e.classifier.Reset(now)
		monitoring.Logf("monitor: print started (status=%d), detection armed", st.PrintStatus)

	case st.Printing && wasPaused:
		baseline := e.tracker.ExpectedDistance()
		e.classifier.OnResume(now, e.counter.Total(), baseline)
		monitoring.Logf("monitor: print resumed, resume grace armed (baseline=%.2fmm)", baseline)

	case st.Paused && wasPrinting:
		monitoring.Logf("monitor: print paused (status=%d)", st.PrintStatus)

	case !st.Printing && !st.Paused && (wasPrinting || wasPaused):
		e.printStartMs = 0
		monitoring.Logf("monitor: print finished")
	}

	if st.HasExtrusion {
		e.tracker.UpdateExpectedPosition(st.CumulativeMm, now)
	}
}

// tick runs one evaluation pass.
func (e *Engine) tick() {
	cfg := e.configSnapshot()
	now := e.clock.Now().UnixMilli()
	enabled := cfg.GetEnabled()

	e.drainPulses(cfg, now)
	total := e.counter.Total()

	telemetryOK := e.lastUpdateMs > 0 && now-e.lastUpdateMs <= cfg.GetTelemetryStaleMs()

	posNow := e.tracker.TrackedPositionMm()
	senNow := e.tracker.SensorTotalMm()
	var expectedRate, actualRate float64
	if e.lastTickMs > 0 {
		dt := now - e.lastTickMs
		expectedRate = units.RateMmPerSec(max(0, posNow-e.lastPositionMm), dt)
		actualRate = units.RateMmPerSec(max(0, senNow-e.lastSensorMm), dt)
	}
	e.lastTickMs = now
	e.lastPositionMm = posNow
	e.lastSensorMm = senNow

	st := e.classifier.State()
	if enabled {
		st = e.classifier.Update(jam.Input{
			ExpectedMm:   e.tracker.ExpectedDistance(),
			ActualMm:     e.tracker.SensorDistance(),
			PulseCount:   total,
			Printing:     e.printing,
			TelemetryOK:  telemetryOK,
			NowMs:        now,
			PrintStartMs: e.printStartMs,
			Config:       cfg.JamConfig(),
			ExpectedRate: expectedRate,
			ActualRate:   actualRate,
		})

		if st.Jammed && e.activeJamID == "" {
			e.fireJam(cfg, st, now)
		}
		if !st.Jammed && e.activeJamID != "" {
			e.clearJam(now)
		}
	}

	e.checkRunout(cfg, enabled)

	if e.store != nil && (e.printing || e.paused) {
		sample := db.FlowSample{
			AtMs:         now,
			ExpectedMm:   e.tracker.ExpectedDistance(),
			ActualMm:     e.tracker.SensorDistance(),
			PassRatio:    e.tracker.FlowRatio(),
			DeficitMm:    e.tracker.Deficit(),
			ExpectedRate: expectedRate,
			ActualRate:   actualRate,
			PulseCount:   total,
			GraceState:   string(st.Grace),
		}
		if err := e.store.InsertFlowSample(sample); err != nil {
			monitoring.Debugf("monitor: flow sample insert failed: %v", err)
		}
	}

	e.pruneRetention(cfg, now)

	snap := Status{
		NowMs:           now,
		Enabled:         enabled,
		Printing:        e.printing,
		Paused:          e.paused,
		PrintStatus:     e.printStatus,
		MainboardID:     e.mainboardID,
		TelemetryOK:     telemetryOK,
		LastTelemetryMs: e.lastUpdateMs,

		GraceState:     string(st.Grace),
		GraceActive:    st.GraceActive,
		Jammed:         st.Jammed,
		PauseRequested: e.classifier.IsPauseRequested(),
		ActiveJamID:    e.activeJamID,
		HardJamPercent: st.HardJamPercent,
		SoftJamPercent: st.SoftJamPercent,

		PassRatio:         st.PassRatio,
		DeficitMm:         st.DeficitMm,
		ExpectedMm:        e.tracker.ExpectedDistance(),
		ActualMm:          e.tracker.SensorDistance(),
		ExpectedRateMmS:   expectedRate,
		ActualRateMmS:     actualRate,
		PulseCount:        total,
		TrackedPositionMm: posNow,
		SensorTotalMm:     senNow,
		TrackerFresh:      e.tracker.IsWithinGracePeriod(now, cfg.GetGracePeriodMs()),
		RunoutTriggered:   e.runoutActive,
	}

	e.publishState(cfg, snap, now)

	e.mu.Lock()
	e.status = snap
	e.mu.Unlock()
}

// drainPulses feeds counter movement since the last tick into the tracker.
// A counter decrease is a restart and contributes no movement.
func (e *Engine) drainPulses(cfg *config.Config, now int64) {
	total := e.counter.Total()
	delta := total - e.lastCounterTotal
	e.lastCounterTotal = total
	if delta <= 0 {
		return
	}

	mm := cfg.GetMmPerPulse()
	for i := int64(0); i < delta; i++ {
		e.tracker.AddSensorPulse(mm, now)
	}
}

func (e *Engine) fireJam(cfg *config.Config, st jam.State, now int64) {
	kind := "soft"
	accum := cfg.GetSoftJamTimeMs()
	if st.HardJamTriggered {
		kind = "hard"
		accum = cfg.GetHardJamTimeMs()
	}

	ev := db.JamEvent{
		ID:          uuid.NewString(),
		FiredAtMs:   now,
		Kind:        kind,
		PassRatio:   st.PassRatio,
		DeficitMm:   st.DeficitMm,
		AccumMs:     accum,
		GraceState:  string(st.Grace),
		PrintStatus: e.printStatus,
	}
	e.activeJamID = ev.ID
	e.activeJam = ev

	if e.store != nil {
		if err := e.store.InsertJamEvent(ev); err != nil {
			monitoring.Logf("monitor: jam event insert failed: %v", err)
		}
	}

	e.dispatchPause(cfg, "jam "+kind)

	notifiers := e.notifiers
	go func() {
		for _, n := range notifiers {
			n.NotifyJam(ev)
		}
	}()
}

func (e *Engine) clearJam(now int64) {
	ev := e.activeJam
	ev.ClearedAtMs = now
	e.activeJamID = ""
	e.activeJam = db.JamEvent{}

	if e.store != nil {
		if err := e.store.ClearJamEvent(ev.ID, now); err != nil {
			monitoring.Logf("monitor: jam event clear failed: %v", err)
		}
	}

	notifiers := e.notifiers
	go func() {
		for _, n := range notifiers {
			n.NotifyJamCleared(ev)
		}
	}()
}

// dispatchPause sends the pause command once per latch. The pause-requested
// latch is owned by the classifier and cleared on Reset/OnResume.
func (e *Engine) dispatchPause(cfg *config.Config, reason string) {
	if e.classifier.IsPauseRequested() {
		return
	}
	e.classifier.SetPauseRequested()

	if cfg.GetSuppressPauseCommands() {
		monitoring.Logf("monitor: pause suppressed by configuration (%s)", reason)
		return
	}
	if e.cmd == nil {
		monitoring.Logf("monitor: pause wanted (%s) but no printer connection", reason)
		return
	}
	if err := e.cmd.SendCommand(telemetry.CmdPausePrint); err != nil {
		monitoring.Logf("monitor: pause command failed (%s): %v", reason, err)
		return
	}
	monitoring.Logf("monitor: pause sent to printer (%s)", reason)
}

// checkRunout polls the runout input. The state is read every tick for the
// status snapshot; the pause fires only on the idle-to-triggered edge.
func (e *Engine) checkRunout(cfg *config.Config, enabled bool) {
	if e.runout == nil {
		return
	}
	triggered, err := e.runout.RunoutTriggered()
	if err != nil {
		monitoring.Debugf("monitor: runout read failed: %v", err)
		return
	}
	if triggered && !e.runoutActive && enabled && e.printing && cfg.GetPauseOnRunout() {
		monitoring.Logf("monitor: filament runout detected")
		e.dispatchPause(cfg, "runout")
	}
	e.runoutActive = triggered
}

func (e *Engine) pruneRetention(cfg *config.Config, now int64) {
	if e.store == nil {
		return
	}
	hours := cfg.GetSampleRetentionHours()
	if hours <= 0 {
		return
	}
	if e.lastPruneMs != 0 && now-e.lastPruneMs < retentionSweepIntervalMs {
		return
	}
	e.lastPruneMs = now

	cutoff := now - int64(hours)*60*60*1000
	pruned, err := e.store.PruneSamples(cutoff)
	if err != nil {
		monitoring.Logf("monitor: sample prune failed: %v", err)
		return
	}
	if pruned > 0 {
		monitoring.Logf("monitor: pruned %d flow samples older than %dh", pruned, hours)
	}
}

func (e *Engine) publishState(cfg *config.Config, snap Status, now int64) {
	if e.ha == nil {
		return
	}
	if e.lastStatePubMs != 0 && now-e.lastStatePubMs < cfg.GetUIRefreshIntervalMs() {
		return
	}
	e.lastStatePubMs = now

	state := homeassistant.State{
		Jammed:     snap.Jammed,
		Printing:   snap.Printing,
		PassRatio:  snap.PassRatio,
		DeficitMm:  snap.DeficitMm,
		ExpectedMm: snap.ExpectedMm,
		ActualMm:   snap.ActualMm,
		PulseCount: snap.PulseCount,
		GraceState: snap.GraceState,
	}
	if err := e.ha.PublishState(state); err != nil {
		monitoring.Debugf("homeassistant: state publish failed: %v", err)
	}
}
