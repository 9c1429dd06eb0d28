// Package config loads and watches the daemon's JSON settings file. The
// schema keeps the firmware-era snake_case settings vocabulary so a
// user_settings.json from an older sensor install carries over, with pointer
// fields so omitted keys fall back to defaults through the Get* accessors.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/filament-data/flow.watch/internal/flow"
	"github.com/filament-data/flow.watch/internal/jam"
	"github.com/filament-data/flow.watch/internal/pulse"
)

// DefaultConfigPath is the path to the canonical defaults file, the
// reference copy of every shipped default value. The accessors repeat the
// same values so partial config files stay safe.
const DefaultConfigPath = "config/flowwatch.defaults.json"

// Config is the root settings document. The same schema serves the startup
// file, hot reloads, and the PUT /api/config endpoint.
type Config struct {
	// Printer connection
	PrinterHost *string `json:"printer_host,omitempty"`

	// Detection params (firmware settings vocabulary)
	Enabled                 *bool    `json:"enabled,omitempty"`
	DetectionMode           *string  `json:"detection_mode,omitempty"` // both, hard_only, soft_only
	DetectionRatioThreshold *float64 `json:"detection_ratio_threshold,omitempty"`
	HardPassRatio           *float64 `json:"hard_pass_ratio,omitempty"`
	DetectionHardJamMm      *float64 `json:"detection_hard_jam_mm,omitempty"`
	DetectionSoftJamTimeMs  *int64   `json:"detection_soft_jam_time_ms,omitempty"`
	DetectionHardJamTimeMs  *int64   `json:"detection_hard_jam_time_ms,omitempty"`
	DetectionGracePeriodMs  *int64   `json:"detection_grace_period_ms,omitempty"`
	StartPrintTimeout       *int64   `json:"start_print_timeout,omitempty"` // ms
	CheckIntervalMs         *int64   `json:"check_interval_ms,omitempty"`

	// Flow tracking params
	FlowStrategy         *string  `json:"flow_strategy,omitempty"` // windowed, cumulative, ewma
	FlowWindowMs         *int64   `json:"flow_window_ms,omitempty"`
	FlowMaxSamples       *int     `json:"flow_max_samples,omitempty"`
	FlowEwmaAlpha        *float64 `json:"flow_ewma_alpha,omitempty"`
	MovementMmPerPulse   *float64 `json:"movement_mm_per_pulse,omitempty"`
	FlowTelemetryStaleMs *int64   `json:"flow_telemetry_stale_ms,omitempty"`

	// Pause behavior
	PauseOnRunout         *bool `json:"pause_on_runout,omitempty"`
	SuppressPauseCommands *bool `json:"suppress_pause_commands,omitempty"`
	// AutoCalibrateSensor is parsed for firmware settings-file
	// compatibility; Validate rejects it when enabled.
	AutoCalibrateSensor *bool `json:"auto_calibrate_sensor,omitempty"`

	// Pulse source
	PulseSource      *string `json:"pulse_source,omitempty"` // gpio, serial, fake
	GPIOChip         *string `json:"gpio_chip,omitempty"`
	GPIOMovementLine *int    `json:"gpio_movement_line,omitempty"`
	GPIORunoutLine   *int    `json:"gpio_runout_line,omitempty"` // negative disables the runout input
	GPIODebounceMs   *int    `json:"gpio_debounce_ms,omitempty"`
	SerialPort       *string `json:"serial_port,omitempty"`
	SerialBaud       *int    `json:"serial_baud,omitempty"`

	// Storage
	DBPath               *string `json:"db_path,omitempty"`
	SampleRetentionHours *int    `json:"sample_retention_hours,omitempty"`

	// Integrations
	MQTTBroker        *string `json:"mqtt_broker,omitempty"`
	MQTTUsername      *string `json:"mqtt_username,omitempty"`
	MQTTPassword      *string `json:"mqtt_password,omitempty"`
	MQTTTopicPrefix   *string `json:"mqtt_topic_prefix,omitempty"`
	HADiscoveryPrefix *string `json:"ha_discovery_prefix,omitempty"`
	WebhookURL        *string `json:"webhook_url,omitempty"`

	// UI
	UIRefreshIntervalMs *int64 `json:"ui_refresh_interval_ms,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyConfig returns a Config with all fields unset, so every accessor
// answers with its default.
func EmptyConfig() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The path must carry a .json
// extension and the file must be under the size cap; fields omitted from
// the file keep their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the config as indented JSON through a temp-file rename, so a
// reader never sees a partial file.
func Save(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// MustLoadDefaults loads the canonical defaults from DefaultConfigPath,
// searching upward from the current directory. Panics if the file cannot be
// loaded, intended for test setup.
func MustLoadDefaults() *Config {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that explicitly set values are usable. Unset fields are
// always valid.
func (c *Config) Validate() error {
	if c.DetectionMode != nil {
		switch *c.DetectionMode {
		case "both", "hard_only", "soft_only", "hard", "soft":
		default:
			return fmt.Errorf("detection_mode must be both, hard_only, or soft_only, got %q", *c.DetectionMode)
		}
	}
	if c.DetectionRatioThreshold != nil {
		if *c.DetectionRatioThreshold <= 0 || *c.DetectionRatioThreshold > 1 {
			return fmt.Errorf("detection_ratio_threshold must be in (0, 1], got %f", *c.DetectionRatioThreshold)
		}
	}
	if c.HardPassRatio != nil {
		if *c.HardPassRatio <= 0 || *c.HardPassRatio > 1 {
			return fmt.Errorf("hard_pass_ratio must be in (0, 1], got %f", *c.HardPassRatio)
		}
	}
	if c.DetectionSoftJamTimeMs != nil && *c.DetectionSoftJamTimeMs <= 0 {
		return fmt.Errorf("detection_soft_jam_time_ms must be positive, got %d", *c.DetectionSoftJamTimeMs)
	}
	if c.DetectionHardJamTimeMs != nil && *c.DetectionHardJamTimeMs <= 0 {
		return fmt.Errorf("detection_hard_jam_time_ms must be positive, got %d", *c.DetectionHardJamTimeMs)
	}
	if c.DetectionGracePeriodMs != nil && *c.DetectionGracePeriodMs < 0 {
		return fmt.Errorf("detection_grace_period_ms must be non-negative, got %d", *c.DetectionGracePeriodMs)
	}
	if c.StartPrintTimeout != nil && *c.StartPrintTimeout < 0 {
		return fmt.Errorf("start_print_timeout must be non-negative, got %d", *c.StartPrintTimeout)
	}
	if c.CheckIntervalMs != nil && *c.CheckIntervalMs <= 0 {
		return fmt.Errorf("check_interval_ms must be positive, got %d", *c.CheckIntervalMs)
	}
	if c.FlowStrategy != nil {
		switch *c.FlowStrategy {
		case "windowed", "cumulative", "ewma":
		default:
			return fmt.Errorf("flow_strategy must be windowed, cumulative, or ewma, got %q", *c.FlowStrategy)
		}
	}
	if c.FlowWindowMs != nil && *c.FlowWindowMs <= 0 {
		return fmt.Errorf("flow_window_ms must be positive, got %d", *c.FlowWindowMs)
	}
	if c.FlowMaxSamples != nil && *c.FlowMaxSamples <= 0 {
		return fmt.Errorf("flow_max_samples must be positive, got %d", *c.FlowMaxSamples)
	}
	if c.FlowEwmaAlpha != nil {
		if *c.FlowEwmaAlpha <= 0 || *c.FlowEwmaAlpha > 1 {
			return fmt.Errorf("flow_ewma_alpha must be in (0, 1], got %f", *c.FlowEwmaAlpha)
		}
	}
	if c.MovementMmPerPulse != nil && *c.MovementMmPerPulse <= 0 {
		return fmt.Errorf("movement_mm_per_pulse must be positive, got %f", *c.MovementMmPerPulse)
	}
	if c.FlowTelemetryStaleMs != nil && *c.FlowTelemetryStaleMs <= 0 {
		return fmt.Errorf("flow_telemetry_stale_ms must be positive, got %d", *c.FlowTelemetryStaleMs)
	}
	if c.AutoCalibrateSensor != nil && *c.AutoCalibrateSensor {
		return fmt.Errorf("auto_calibrate_sensor is not supported; set movement_mm_per_pulse from the sensor spec instead")
	}
	if c.PulseSource != nil {
		switch *c.PulseSource {
		case "gpio", "serial", "fake":
		default:
			return fmt.Errorf("pulse_source must be gpio, serial, or fake, got %q", *c.PulseSource)
		}
		if *c.PulseSource == "serial" && c.GetSerialPort() == "" {
			return fmt.Errorf("pulse_source serial requires serial_port")
		}
	}
	if c.GPIODebounceMs != nil && *c.GPIODebounceMs < 0 {
		return fmt.Errorf("gpio_debounce_ms must be non-negative, got %d", *c.GPIODebounceMs)
	}
	if c.SerialBaud != nil && *c.SerialBaud <= 0 {
		return fmt.Errorf("serial_baud must be positive, got %d", *c.SerialBaud)
	}
	if c.SampleRetentionHours != nil && *c.SampleRetentionHours < 0 {
		return fmt.Errorf("sample_retention_hours must be non-negative, got %d", *c.SampleRetentionHours)
	}
	if c.UIRefreshIntervalMs != nil && *c.UIRefreshIntervalMs <= 0 {
		return fmt.Errorf("ui_refresh_interval_ms must be positive, got %d", *c.UIRefreshIntervalMs)
	}
	return nil
}

// GetPrinterHost returns the printer_host value or empty when unset.
func (c *Config) GetPrinterHost() string {
	if c.PrinterHost == nil {
		return ""
	}
	return *c.PrinterHost
}

// GetEnabled returns the enabled value or the default.
func (c *Config) GetEnabled() bool {
	if c.Enabled == nil {
		return true // detection on by default
	}
	return *c.Enabled
}

// GetDetectionMode returns the detection_mode value or the default.
func (c *Config) GetDetectionMode() string {
	if c.DetectionMode == nil {
		return string(jam.ModeBoth)
	}
	return *c.DetectionMode
}

// GetRatioThreshold returns the detection_ratio_threshold value or the default.
func (c *Config) GetRatioThreshold() float64 {
	if c.DetectionRatioThreshold == nil {
		return jam.DefaultRatioThreshold
	}
	return *c.DetectionRatioThreshold
}

// GetHardPassRatio returns the hard_pass_ratio value or the default.
func (c *Config) GetHardPassRatio() float64 {
	if c.HardPassRatio == nil {
		return jam.DefaultHardPassRatio
	}
	return *c.HardPassRatio
}

// GetHardJamMm returns the detection_hard_jam_mm value or the default.
func (c *Config) GetHardJamMm() float64 {
	if c.DetectionHardJamMm == nil {
		return jam.DefaultHardJamMm
	}
	return *c.DetectionHardJamMm
}

// GetSoftJamTimeMs returns the detection_soft_jam_time_ms value or the default.
func (c *Config) GetSoftJamTimeMs() int64 {
	if c.DetectionSoftJamTimeMs == nil {
		return jam.DefaultSoftJamTimeMs
	}
	return *c.DetectionSoftJamTimeMs
}

// GetHardJamTimeMs returns the detection_hard_jam_time_ms value or the default.
func (c *Config) GetHardJamTimeMs() int64 {
	if c.DetectionHardJamTimeMs == nil {
		return jam.DefaultHardJamTimeMs
	}
	return *c.DetectionHardJamTimeMs
}

// GetGracePeriodMs returns the detection_grace_period_ms value or the default.
func (c *Config) GetGracePeriodMs() int64 {
	if c.DetectionGracePeriodMs == nil {
		return jam.DefaultGraceTimeMs
	}
	return *c.DetectionGracePeriodMs
}

// GetStartPrintTimeoutMs returns the start_print_timeout value or the default.
func (c *Config) GetStartPrintTimeoutMs() int64 {
	if c.StartPrintTimeout == nil {
		return jam.DefaultStartTimeoutMs
	}
	return *c.StartPrintTimeout
}

// GetCheckIntervalMs returns the check_interval_ms value or the default.
func (c *Config) GetCheckIntervalMs() int64 {
	if c.CheckIntervalMs == nil {
		return jam.DefaultCheckIntervalMs
	}
	return *c.CheckIntervalMs
}

// GetFlowStrategy returns the flow_strategy value or the default.
func (c *Config) GetFlowStrategy() string {
	if c.FlowStrategy == nil {
		return string(flow.StrategyWindowed)
	}
	return *c.FlowStrategy
}

// GetFlowWindowMs returns the flow_window_ms value or the default.
func (c *Config) GetFlowWindowMs() int64 {
	if c.FlowWindowMs == nil {
		return flow.DefaultWindowMs
	}
	return *c.FlowWindowMs
}

// GetFlowMaxSamples returns the flow_max_samples value or the default.
func (c *Config) GetFlowMaxSamples() int {
	if c.FlowMaxSamples == nil {
		return flow.DefaultMaxSamples
	}
	return *c.FlowMaxSamples
}

// GetFlowEwmaAlpha returns the flow_ewma_alpha value or the default.
func (c *Config) GetFlowEwmaAlpha() float64 {
	if c.FlowEwmaAlpha == nil {
		return 0.3
	}
	return *c.FlowEwmaAlpha
}

// GetMmPerPulse returns the movement_mm_per_pulse value or the default.
func (c *Config) GetMmPerPulse() float64 {
	if c.MovementMmPerPulse == nil {
		return 2.88 // sensor spec
	}
	return *c.MovementMmPerPulse
}

// GetTelemetryStaleMs returns the flow_telemetry_stale_ms value or the default.
func (c *Config) GetTelemetryStaleMs() int64 {
	if c.FlowTelemetryStaleMs == nil {
		return 1000
	}
	return *c.FlowTelemetryStaleMs
}

// GetPauseOnRunout returns the pause_on_runout value or the default.
func (c *Config) GetPauseOnRunout() bool {
	if c.PauseOnRunout == nil {
		return true
	}
	return *c.PauseOnRunout
}

// GetSuppressPauseCommands returns the suppress_pause_commands value or the default.
func (c *Config) GetSuppressPauseCommands() bool {
	if c.SuppressPauseCommands == nil {
		return false
	}
	return *c.SuppressPauseCommands
}

// GetPulseSource returns the pulse_source value or the default.
func (c *Config) GetPulseSource() string {
	if c.PulseSource == nil {
		return "gpio"
	}
	return *c.PulseSource
}

// GetGPIOChip returns the gpio_chip value or the default.
func (c *Config) GetGPIOChip() string {
	if c.GPIOChip == nil {
		return pulse.DefaultGPIOChip
	}
	return *c.GPIOChip
}

// GetGPIOMovementLine returns the gpio_movement_line value or the default.
func (c *Config) GetGPIOMovementLine() int {
	if c.GPIOMovementLine == nil {
		return 17
	}
	return *c.GPIOMovementLine
}

// GetGPIORunoutLine returns the gpio_runout_line value or the default.
// The runout input stays disabled until a line is configured, so an unwired
// pull-up can never read as a runout.
func (c *Config) GetGPIORunoutLine() int {
	if c.GPIORunoutLine == nil {
		return -1
	}
	return *c.GPIORunoutLine
}

// GetGPIODebounceMs returns the gpio_debounce_ms value or the default.
func (c *Config) GetGPIODebounceMs() int {
	if c.GPIODebounceMs == nil {
		return 10
	}
	return *c.GPIODebounceMs
}

// GetSerialPort returns the serial_port value or empty when unset.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return ""
	}
	return *c.SerialPort
}

// GetSerialBaud returns the serial_baud value or the default.
func (c *Config) GetSerialBaud() int {
	if c.SerialBaud == nil {
		return pulse.DefaultSerialBaud
	}
	return *c.SerialBaud
}

// GetDBPath returns the db_path value or the default.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "flowwatch.db"
	}
	return *c.DBPath
}

// GetSampleRetentionHours returns the sample_retention_hours value or the
// default. Zero keeps samples forever.
func (c *Config) GetSampleRetentionHours() int {
	if c.SampleRetentionHours == nil {
		return 72
	}
	return *c.SampleRetentionHours
}

// GetMQTTBroker returns the mqtt_broker value or empty when unset. An empty
// broker disables the Home Assistant publisher.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTUsername returns the mqtt_username value or empty when unset.
func (c *Config) GetMQTTUsername() string {
	if c.MQTTUsername == nil {
		return ""
	}
	return *c.MQTTUsername
}

// GetMQTTPassword returns the mqtt_password value or empty when unset.
func (c *Config) GetMQTTPassword() string {
	if c.MQTTPassword == nil {
		return ""
	}
	return *c.MQTTPassword
}

// GetMQTTTopicPrefix returns the mqtt_topic_prefix value or the default.
func (c *Config) GetMQTTTopicPrefix() string {
	if c.MQTTTopicPrefix == nil {
		return "flowwatch"
	}
	return *c.MQTTTopicPrefix
}

// GetHADiscoveryPrefix returns the ha_discovery_prefix value or the default.
func (c *Config) GetHADiscoveryPrefix() string {
	if c.HADiscoveryPrefix == nil {
		return "homeassistant"
	}
	return *c.HADiscoveryPrefix
}

// GetWebhookURL returns the webhook_url value or empty when unset.
func (c *Config) GetWebhookURL() string {
	if c.WebhookURL == nil {
		return ""
	}
	return *c.WebhookURL
}

// GetUIRefreshIntervalMs returns the ui_refresh_interval_ms value or the default.
func (c *Config) GetUIRefreshIntervalMs() int64 {
	if c.UIRefreshIntervalMs == nil {
		return 1000
	}
	return *c.UIRefreshIntervalMs
}

// JamConfig maps the detection settings onto the classifier configuration.
func (c *Config) JamConfig() jam.Config {
	return jam.Config{
		Mode:            jam.ParseDetectionMode(c.GetDetectionMode()),
		RatioThreshold:  c.GetRatioThreshold(),
		HardPassRatio:   c.GetHardPassRatio(),
		HardJamMm:       c.GetHardJamMm(),
		SoftJamTimeMs:   c.GetSoftJamTimeMs(),
		HardJamTimeMs:   c.GetHardJamTimeMs(),
		GraceTimeMs:     c.GetGracePeriodMs(),
		StartTimeoutMs:  c.GetStartPrintTimeoutMs(),
		CheckIntervalMs: c.GetCheckIntervalMs(),
	}
}

// TrackerConfig maps the flow settings onto the tracker configuration.
func (c *Config) TrackerConfig() flow.Config {
	return flow.Config{
		Strategy:   flow.Strategy(c.GetFlowStrategy()),
		WindowMs:   c.GetFlowWindowMs(),
		MaxSamples: c.GetFlowMaxSamples(),
		EWMAAlpha:  c.GetFlowEwmaAlpha(),
	}
}

// GPIOConfig maps the pin settings onto the GPIO source configuration.
func (c *Config) GPIOConfig() pulse.GPIOConfig {
	return pulse.GPIOConfig{
		Chip:         c.GetGPIOChip(),
		MovementLine: c.GetGPIOMovementLine(),
		RunoutLine:   c.GetGPIORunoutLine(),
		DebounceMs:   c.GetGPIODebounceMs(),
	}
}

// SerialConfig maps the serial settings onto the serial source configuration.
func (c *Config) SerialConfig() pulse.SerialConfig {
	return pulse.SerialConfig{
		Port: c.GetSerialPort(),
		Baud: c.GetSerialBaud(),
	}
}
