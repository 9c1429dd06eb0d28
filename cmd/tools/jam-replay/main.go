// Command jam-replay runs a captured telemetry+pulse fixture through the real
// detection engine on a virtual clock, printing every state transition and the
// final verdict. It exists to tune detection thresholds offline against
// captured incidents without waiting out the capture in real time.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/filament-data/flow.watch/internal/config"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/monitor"
	"github.com/filament-data/flow.watch/internal/pulse"
	"github.com/filament-data/flow.watch/internal/telemetry"
	"github.com/filament-data/flow.watch/internal/timeutil"
)

type recordingNotifier struct {
	mu    sync.Mutex
	fired []db.JamEvent
}

func (n *recordingNotifier) NotifyJam(ev db.JamEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fired = append(n.fired, ev)
}

func (n *recordingNotifier) NotifyJamCleared(db.JamEvent) {}

func (n *recordingNotifier) firedEvents() []db.JamEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]db.JamEvent(nil), n.fired...)
}

func main() {
	fixture := flag.String("fixture", "", "JSONL fixture to replay (required)")
	cfgPath := flag.String("config", config.DefaultConfigPath, "configuration to replay under")
	flag.Parse()

	if *fixture == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	f, err := os.Open(*fixture)
	if err != nil {
		log.Fatalf("failed to open fixture: %v", err)
	}
	records, err := telemetry.ReadRecords(f)
	f.Close()
	if err != nil {
		log.Fatalf("failed to parse fixture: %v", err)
	}
	if len(records) == 0 {
		log.Fatal("fixture has no records")
	}

	// Fixture at_ms values are session-relative, so the virtual clock starts
	// at the epoch and Now().UnixMilli() reads directly as fixture time.
	clock := timeutil.NewMockClock(time.UnixMilli(0))
	counter := &pulse.Counter{}
	feed := telemetry.NewReplayFeed(records, clock, counter)

	rec := &recordingNotifier{}
	engine := monitor.NewEngine(monitor.Options{
		Clock:     clock,
		Feed:      feed,
		Counter:   counter,
		Notifiers: []monitor.Notifier{rec},
		Config:    cfg,
	})

	ctx := context.Background()
	go func() {
		if err := feed.Run(ctx); err != nil {
			log.Fatalf("replay failed: %v", err)
		}
	}()
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	// Drive virtual time one check interval per step until the engine drains
	// the fixture. The short real sleep gives the feed and engine goroutines
	// a chance to observe each step before the next lands.
	step := time.Duration(cfg.GetCheckIntervalMs()) * time.Millisecond
	last := engine.Status()
	fmt.Printf("%8s  %-12s  %s\n", "ms", "state", "detail")
	fmt.Println(transitionLine(0, last))

	for {
		select {
		case err := <-engineDone:
			if err != nil {
				log.Fatalf("engine failed: %v", err)
			}
			// Notifier delivery is asynchronous; give it a beat to land.
			time.Sleep(50 * time.Millisecond)
			printVerdict(engine.Status(), rec.firedEvents(), records[len(records)-1].AtMs)
			return
		default:
		}
		clock.Advance(step)
		time.Sleep(time.Millisecond)

		cur := engine.Status()
		if transitioned(last, cur) {
			fmt.Println(transitionLine(cur.NowMs, cur))
			last = cur
		}
	}
}

func transitioned(a, b monitor.Status) bool {
	return a.GraceState != b.GraceState ||
		a.Jammed != b.Jammed ||
		a.Printing != b.Printing ||
		a.Paused != b.Paused ||
		a.PauseRequested != b.PauseRequested
}

func transitionLine(atMs int64, st monitor.Status) string {
	detail := fmt.Sprintf("printing=%v ratio=%.2f deficit=%.2fmm pulses=%d",
		st.Printing, st.PassRatio, st.DeficitMm, st.PulseCount)
	if st.PauseRequested {
		detail += " pause_requested"
	}
	return fmt.Sprintf("%8d  %-12s  %s", atMs, st.GraceState, detail)
}

func printVerdict(final monitor.Status, fired []db.JamEvent, fixtureEndMs int64) {
	fmt.Printf("\nfixture end at %dms\n", fixtureEndMs)
	for _, ev := range fired {
		fmt.Printf("  %s jam at %dms: ratio=%.2f deficit=%.2fmm accum=%dms\n",
			ev.Kind, ev.FiredAtMs, ev.PassRatio, ev.DeficitMm, ev.AccumMs)
	}
	switch {
	case len(fired) == 0 && final.Jammed:
		fmt.Println("verdict: JAMMED at end of fixture")
	case len(fired) == 0:
		fmt.Println("verdict: CLEAN")
	default:
		fmt.Printf("verdict: %d jam(s) detected\n", len(fired))
	}
}
