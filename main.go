// Command flowwatch monitors filament flow on a resin-handling controller's
// FDM toolhead: it joins the printer's SDCP telemetry with movement-sensor
// pulses, classifies jams, pauses the print when one fires, and serves the
// JSON/websocket surface the UI and Home Assistant consume.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/filament-data/flow.watch/internal/api"
	"github.com/filament-data/flow.watch/internal/config"
	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/homeassistant"
	"github.com/filament-data/flow.watch/internal/monitor"
	"github.com/filament-data/flow.watch/internal/monitoring"
	"github.com/filament-data/flow.watch/internal/pulse"
	"github.com/filament-data/flow.watch/internal/telemetry"
	"github.com/filament-data/flow.watch/internal/timeutil"
	"github.com/filament-data/flow.watch/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the configuration file")
	listen      = flag.String("listen", ":8080", "Listen address")
	devMode     = flag.Bool("dev", false, "Replay "+devFixture+" instead of talking to a printer")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// devFixture is the JSONL telemetry+pulse capture replayed in dev mode.
const devFixture = "fixtures.jsonl"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	monitoring.SetDebug(*verbose)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// The migrate subcommand manages the schema and exits; none of the
	// daemon machinery below starts.
	if flag.Arg(0) == "migrate" {
		db.RunMigrateCommand(flag.Args()[1:], cfg.GetDBPath())
		return
	}

	log.Printf("flowwatch %s starting (config=%s, db=%s)", version.Version, *configPath, cfg.GetDBPath())

	store, err := db.Open(cfg.GetDBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()
	if err := store.MigrateUp(); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	clock := timeutil.RealClock{}
	counter := &pulse.Counter{}

	// Printer feed: the live SDCP client, or a fixture replay in dev mode.
	// The replay drives the pulse counter itself, so dev mode needs no
	// pulse source.
	var (
		feed      monitor.StatusFeed
		commander monitor.Commander
		client    *telemetry.Client
		replay    *telemetry.ReplayFeed
	)
	if *devMode {
		f, err := os.Open(devFixture)
		if err != nil {
			log.Fatalf("dev mode needs a fixture: %v", err)
		}
		records, err := telemetry.ReadRecords(f)
		f.Close()
		if err != nil {
			log.Fatalf("failed to parse %s: %v", devFixture, err)
		}
		replay = telemetry.NewReplayFeed(records, clock, counter)
		feed = replay
		log.Printf("dev mode: replaying %d records from %s", len(records), devFixture)
	} else {
		host := cfg.GetPrinterHost()
		if host == "" {
			log.Fatal("printer_host is not configured (or run with -dev)")
		}
		client = telemetry.NewClient(host, clock)
		defer client.Close()
		feed = client
		commander = client
	}

	var (
		source pulse.Source
		runout pulse.RunoutSensor
	)
	if !*devMode {
		source, err = newPulseSource(cfg, counter, clock)
		if err != nil {
			log.Fatalf("failed to open pulse source: %v", err)
		}
		defer source.Close()
		if rs, ok := source.(pulse.RunoutSensor); ok {
			runout = rs
		}
	}

	var ha homeassistant.Publisher
	if broker := cfg.GetMQTTBroker(); broker != "" {
		pub, err := homeassistant.NewRealPublisher(homeassistant.Config{
			Broker:          broker,
			Username:        cfg.GetMQTTUsername(),
			Password:        cfg.GetMQTTPassword(),
			TopicPrefix:     cfg.GetMQTTTopicPrefix(),
			DiscoveryPrefix: cfg.GetHADiscoveryPrefix(),
		})
		if err != nil {
			log.Printf("home assistant publishing disabled: %v", err)
		} else {
			defer pub.Close()
			ha = pub
		}
	}

	notifiers := []monitor.Notifier{monitor.LogNotifier{}}
	if ha != nil {
		notifiers = append(notifiers, monitor.HANotifier{Publisher: ha})
	}
	if url := cfg.GetWebhookURL(); url != "" {
		notifiers = append(notifiers, monitor.NewWebhookNotifier(url, nil))
	}

	var engine *monitor.Engine
	hub := api.NewHub(func() monitor.Status { return engine.Status() },
		time.Duration(cfg.GetUIRefreshIntervalMs())*time.Millisecond)
	notifiers = append(notifiers, hub)

	engine = monitor.NewEngine(monitor.Options{
		Clock:     clock,
		Feed:      feed,
		Commander: commander,
		Counter:   counter,
		Runout:    runout,
		Store:     store,
		HA:        ha,
		Notifiers: notifiers,
		Config:    cfg,
	})

	handler := newMux(engine, store, hub, commander, *configPath)
	server := &http.Server{
		Addr:    *listen,
		Handler: handler,
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Printer feed routine. The live client reconnects on its own; the
	// replay returns once the fixture is exhausted.
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if replay != nil {
			err = replay.Run(ctx)
		} else {
			err = client.Monitor(ctx)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("printer feed failed: %v", err)
		}
		log.Print("printer feed routine terminated")
	}()

	// Pulse source routine.
	if source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := source.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("pulse source failed: %v", err)
			}
			log.Print("pulse source routine terminated")
		}()
	}

	// Detection engine routine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("monitor engine failed: %v", err)
		}
		log.Print("monitor engine routine terminated")
	}()

	// Websocket broadcast routine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
		log.Print("websocket hub routine terminated")
	}()

	// Configuration watch routine: edits to the config file (including the
	// API's own saves) land on the running engine.
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			engine.ApplyConfig(updated)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("config watch failed: %v", err)
		}
		log.Print("config watch routine terminated")
	}()

	// HTTP server routine.
	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Print("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Print("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Print("graceful shutdown complete")
}

// newPulseSource opens the configured movement sensor.
func newPulseSource(cfg *config.Config, counter *pulse.Counter, clock timeutil.Clock) (pulse.Source, error) {
	switch src := cfg.GetPulseSource(); src {
	case "gpio":
		return pulse.NewGPIOSource(cfg.GPIOConfig(), counter)
	case "serial":
		return pulse.NewSerialSource(cfg.SerialConfig(), counter)
	case "fake":
		return pulse.NewFakeSource(counter, 0, clock), nil
	default:
		return nil, fmt.Errorf("unknown pulse_source %q", src)
	}
}
