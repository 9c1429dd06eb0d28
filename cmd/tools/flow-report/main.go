// Command flow-report renders an HTML report of recorded flow samples and jam
// events, and prints summary statistics to stdout. It reads the daemon's
// database directly, so it can run on the device or on a copied-off backup.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/gonum/stat"

	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/units"
)

func main() {
	dbPath := flag.String("db", "flowwatch.db", "path to the flowwatch database")
	out := flag.String("o", "flow-report.html", "output HTML path")
	since := flag.Duration("since", 24*time.Hour, "report window, ending now")
	tz := flag.String("tz", "UTC", "timezone for chart labels")
	unit := flag.String("units", units.MM, "length units for deficit display ("+units.GetValidUnitsString()+")")
	maxPoints := flag.Int("max-points", 2000, "downsample charts to at most this many samples")
	flag.Parse()

	if !units.IsValid(*unit) {
		log.Fatalf("invalid units %q, want one of %s", *unit, units.GetValidUnitsString())
	}
	if !units.IsTimezoneValid(*tz) {
		log.Fatalf("invalid timezone %q", *tz)
	}

	store, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	toMs := time.Now().UnixMilli()
	fromMs := toMs - since.Milliseconds()

	samples, err := store.SamplesBetween(fromMs, toMs)
	if err != nil {
		log.Fatalf("failed to read flow samples: %v", err)
	}
	if len(samples) == 0 {
		log.Fatalf("no flow samples between %s and %s", stamp(fromMs, *tz), stamp(toMs, *tz))
	}

	events, err := store.RecentJamEvents(500)
	if err != nil {
		log.Fatalf("failed to read jam events: %v", err)
	}
	var jams []db.JamEvent
	hard, soft := 0, 0
	for _, ev := range events {
		if ev.FiredAtMs < fromMs || ev.FiredAtMs >= toMs {
			continue
		}
		jams = append(jams, ev)
		if ev.Kind == "hard" {
			hard++
		} else {
			soft++
		}
	}

	ratios := make([]float64, 0, len(samples))
	deficits := make([]float64, 0, len(samples))
	for _, s := range samples {
		ratios = append(ratios, s.PassRatio)
		deficits = append(deficits, units.ConvertLength(s.DeficitMm, *unit))
	}

	fmt.Printf("%d samples, %d jam events (hard=%d soft=%d) between %s and %s\n\n",
		len(samples), len(jams), hard, soft, stamp(fromMs, *tz), stamp(toMs, *tz))
	fmt.Printf("%-14s %10s %10s %10s\n", "", "mean", "median", "p95")
	printRow("pass_ratio", ratios)
	printRow("deficit_"+*unit, deficits)

	// Downsample by stride so huge windows stay renderable.
	stride := 1
	if len(samples) > *maxPoints {
		stride = int(math.Ceil(float64(len(samples)) / float64(*maxPoints)))
	}

	labels := make([]string, 0, len(samples)/stride+1)
	ratioData := make([]opts.LineData, 0, len(samples)/stride+1)
	deficitData := make([]opts.LineData, 0, len(samples)/stride+1)
	expRateData := make([]opts.LineData, 0, len(samples)/stride+1)
	actRateData := make([]opts.LineData, 0, len(samples)/stride+1)
	for i := 0; i < len(samples); i += stride {
		s := samples[i]
		labels = append(labels, stamp(s.AtMs, *tz))
		ratioData = append(ratioData, opts.LineData{Value: s.PassRatio})
		deficitData = append(deficitData, opts.LineData{Value: units.ConvertLength(s.DeficitMm, *unit)})
		expRateData = append(expRateData, opts.LineData{Value: s.ExpectedRate})
		actRateData = append(actRateData, opts.LineData{Value: s.ActualRate})
	}

	ratioLine := charts.NewLine()
	ratioLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "flowwatch report", Theme: "dark", Width: "1200px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pass ratio", Subtitle: fmt.Sprintf("samples=%d stride=%d", len(samples), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1.5, Name: "actual/expected"}),
	)
	ratioLine.SetXAxis(labels).AddSeries("pass_ratio", ratioData)

	rateLine := charts.NewLine()
	rateLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Flow rate", Subtitle: "expected vs measured"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "mm/s"}),
	)
	rateLine.SetXAxis(labels).
		AddSeries("expected", expRateData).
		AddSeries("measured", actRateData)

	deficitLine := charts.NewLine()
	deficitLine.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Deficit", Subtitle: "expected minus measured movement"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: *unit}),
	)
	deficitLine.SetXAxis(labels).AddSeries("deficit", deficitData)

	page := components.NewPage()
	page.AddCharts(ratioLine, rateLine, deficitLine)

	if len(jams) > 0 {
		jamLabels := make([]string, 0, len(jams))
		jamData := make([]opts.ScatterData, 0, len(jams))
		for i := len(jams) - 1; i >= 0; i-- { // RecentJamEvents is newest first
			ev := jams[i]
			jamLabels = append(jamLabels, stamp(ev.FiredAtMs, *tz))
			jamData = append(jamData, opts.ScatterData{Value: ev.PassRatio, Name: ev.Kind})
		}
		jamScatter := charts.NewScatter()
		jamScatter.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "1200px", Height: "420px"}),
			charts.WithTitleOpts(opts.Title{Title: "Jam events", Subtitle: "pass ratio at detection"}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1, Name: "pass_ratio"}),
		)
		jamScatter.SetXAxis(jamLabels).
			AddSeries("jams", jamData, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}))
		page.AddCharts(jamScatter)
	}

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *out, err)
	}
	if err := page.Render(f); err != nil {
		f.Close()
		log.Fatalf("failed to render report: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("failed to write %s: %v", *out, err)
	}
	log.Printf("✓ wrote %s", *out)
}

func printRow(name string, xs []float64) {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	fmt.Printf("%-14s %10.3f %10.3f %10.3f\n", name,
		stat.Mean(sorted, nil),
		stat.Quantile(0.5, stat.Empirical, sorted, nil),
		stat.Quantile(0.95, stat.Empirical, sorted, nil))
}

// stamp formats an epoch-ms timestamp in the display timezone.
func stamp(atMs int64, tz string) string {
	t := time.UnixMilli(atMs).UTC()
	if converted, err := units.ConvertTime(t, tz); err == nil {
		t = converted
	}
	return t.Format("2006-01-02 15:04:05")
}
