package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/filament-data/flow.watch/internal/pulse"
	"github.com/filament-data/flow.watch/internal/timeutil"
)

// Record kinds in a session fixture.
const (
	RecordStatus = "status"
	RecordPulse  = "pulse"
)

// Record is one line of a captured session fixture (JSONL). Status records
// carry the controller fields the engine consumes; pulse records inject
// sensor pulses. ExtrusionMm stays nil for reports without print progress,
// matching a live controller that omits the extrusion fields.
type Record struct {
	AtMs        int64    `json:"at_ms"`
	Kind        string   `json:"kind"`
	PrintStatus int      `json:"print_status,omitempty"`
	ExtrusionMm *float64 `json:"extrusion_mm,omitempty"`
	Pulses      int64    `json:"pulses,omitempty"`
}

// ReadRecords parses a JSONL fixture. Blank lines and #-comment lines are
// skipped. Records must be ordered by at_ms.
func ReadRecords(r io.Reader) ([]Record, error) {
	var records []Record
	lastAt := int64(-1)
	lineNo := 0
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		lineNo++
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("fixture line %d: %w", lineNo, err)
		}
		switch rec.Kind {
		case RecordStatus, RecordPulse:
		default:
			return nil, fmt.Errorf("fixture line %d: unknown kind %q", lineNo, rec.Kind)
		}
		if rec.AtMs < lastAt {
			return nil, fmt.Errorf("fixture line %d: at_ms %d out of order", lineNo, rec.AtMs)
		}
		lastAt = rec.AtMs
		records = append(records, rec)
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return records, nil
}

// ReplayFeed plays a fixture as if the controller were live, emitting status
// Updates on the same channel shape as Client and crediting pulse records to
// a shared counter.
type ReplayFeed struct {
	records []Record
	clock   timeutil.Clock
	counter *pulse.Counter
	updates chan Update
}

// NewReplayFeed builds a feed over records. counter may be nil when the
// fixture has no pulse records.
func NewReplayFeed(records []Record, clock timeutil.Clock, counter *pulse.Counter) *ReplayFeed {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &ReplayFeed{
		records: records,
		clock:   clock,
		counter: counter,
		updates: make(chan Update, updateBuffer),
	}
}

// Updates returns the replayed status stream. The channel closes when Run
// finishes the fixture.
func (f *ReplayFeed) Updates() <-chan Update {
	return f.updates
}

// Run plays the fixture on the clock's schedule. Unlike the live client,
// status delivery blocks rather than dropping so a replay is lossless.
func (f *ReplayFeed) Run(ctx context.Context) error {
	defer close(f.updates)
	prev := int64(0)
	for _, rec := range f.records {
		if d := rec.AtMs - prev; d > 0 {
			timer := f.clock.NewTimer(time.Duration(d) * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C():
			}
		}
		prev = rec.AtMs

		switch rec.Kind {
		case RecordPulse:
			if f.counter == nil {
				continue
			}
			n := rec.Pulses
			if n <= 0 {
				n = 1
			}
			f.counter.Add(n)
		case RecordStatus:
			u := Update{Status: recordStatus(rec), ReceivedMs: f.clock.Now().UnixMilli()}
			select {
			case f.updates <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func recordStatus(rec Record) Status {
	st := Status{
		MainboardID: "replay",
		PrintStatus: rec.PrintStatus,
		Printing:    rec.PrintStatus == PrintStatusPrinting,
		Paused:      rec.PrintStatus == PrintStatusPaused,
	}
	if rec.ExtrusionMm != nil {
		st.CumulativeMm = *rec.ExtrusionMm
		st.HasExtrusion = true
	}
	return st
}
