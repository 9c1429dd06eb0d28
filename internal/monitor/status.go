package monitor

// Status is one consistent snapshot of the monitor, safe to hand to API and
// websocket consumers while the engine keeps running.
type Status struct {
	NowMs           int64  `json:"now_ms"`
	Enabled         bool   `json:"enabled"`
	Printing        bool   `json:"printing"`
	Paused          bool   `json:"paused"`
	PrintStatus     int    `json:"print_status"`
	MainboardID     string `json:"mainboard_id,omitempty"`
	TelemetryOK     bool   `json:"telemetry_ok"`
	LastTelemetryMs int64  `json:"last_telemetry_ms"`

	GraceState     string  `json:"grace_state"`
	GraceActive    bool    `json:"grace_active"`
	Jammed         bool    `json:"jammed"`
	PauseRequested bool    `json:"pause_requested"`
	ActiveJamID    string  `json:"active_jam_id,omitempty"`
	HardJamPercent float64 `json:"hard_jam_percent"`
	SoftJamPercent float64 `json:"soft_jam_percent"`

	PassRatio         float64 `json:"pass_ratio"`
	DeficitMm         float64 `json:"deficit_mm"`
	ExpectedMm        float64 `json:"expected_mm"`
	ActualMm          float64 `json:"actual_mm"`
	ExpectedRateMmS   float64 `json:"expected_rate_mm_s"`
	ActualRateMmS     float64 `json:"actual_rate_mm_s"`
	PulseCount        int64   `json:"pulse_count"`
	TrackedPositionMm float64 `json:"tracked_position_mm"`
	SensorTotalMm     float64 `json:"sensor_total_mm"`

	// TrackerFresh reports the tracker-side grace query. It is a telemetry
	// freshness indicator, not a detection gate; the classifier owns
	// suppression.
	TrackerFresh bool `json:"tracker_fresh"`

	RunoutTriggered bool `json:"runout_triggered"`
}
