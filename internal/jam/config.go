package jam

import "strings"

// DetectionMode selects which accumulator families may latch a jam.
type DetectionMode string

const (
	// ModeBoth latches on either the hard or the soft accumulator.
	ModeBoth DetectionMode = "both"
	// ModeHardOnly ignores soft-jam triggers.
	ModeHardOnly DetectionMode = "hard_only"
	// ModeSoftOnly ignores hard-jam triggers.
	ModeSoftOnly DetectionMode = "soft_only"
)

// ParseDetectionMode maps a settings-file spelling to a DetectionMode.
// Unknown values resolve to ModeBoth.
func ParseDetectionMode(s string) DetectionMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hard_only", "hard":
		return ModeHardOnly
	case "soft_only", "soft":
		return ModeSoftOnly
	default:
		return ModeBoth
	}
}

// Defaults mirror the movement-sensor settings store.
const (
	DefaultRatioThreshold        = 0.25
	DefaultHardPassRatio         = 0.10
	DefaultHardJamMm             = 5.0
	DefaultSoftJamTimeMs   int64 = 7000
	DefaultHardJamTimeMs   int64 = 3000
	DefaultGraceTimeMs     int64 = 5000
	DefaultStartTimeoutMs  int64 = 10000
	DefaultCheckIntervalMs int64 = 1000
)

// Fallbacks applied to invalid configured values. The soft and hard time
// fallbacks are deliberately wider than the defaults so that a corrupted
// setting errs toward fewer pauses, not more.
const (
	fallbackRatioThreshold       = 0.25
	fallbackSoftJamTimeMs  int64 = 10000
	fallbackHardJamTimeMs  int64 = 5000
)

// Fixed evaluation thresholds. These are properties of the detection
// algorithm rather than user-facing tuning knobs.
const (
	// minHardWindowMm is the least expected extrusion a window must carry
	// before hard-jam evidence accumulates or triggers.
	minHardWindowMm = 1.0
	// minSoftPerCheckMm is the least per-tick deficit that counts as
	// soft-jam evidence.
	minSoftPerCheckMm = 0.25
	// minSoftDeficitMm is the total accumulated deficit a soft trigger
	// requires.
	minSoftDeficitMm = 0.5
	// resumeProofPulses promotes RESUME_GRACE to ACTIVE once this many
	// pulses arrive after a resume.
	resumeProofPulses = 5
	// pulseForgivenessSlackMs extends the check interval when deciding
	// whether a pulse is recent enough to clear hard-jam evidence.
	pulseForgivenessSlackMs int64 = 500
)

// Config carries the per-tick detection settings. A fresh snapshot arrives
// with every Input, so live settings changes apply on the next tick.
type Config struct {
	Mode           DetectionMode
	RatioThreshold float64
	HardPassRatio  float64
	// HardJamMm is retained from older firmware settings files. Evaluation
	// is time-based and does not read it.
	HardJamMm       float64
	SoftJamTimeMs   int64
	HardJamTimeMs   int64
	GraceTimeMs     int64
	StartTimeoutMs  int64
	CheckIntervalMs int64
}

// DefaultConfig returns the settings-store defaults.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeBoth,
		RatioThreshold:  DefaultRatioThreshold,
		HardPassRatio:   DefaultHardPassRatio,
		HardJamMm:       DefaultHardJamMm,
		SoftJamTimeMs:   DefaultSoftJamTimeMs,
		HardJamTimeMs:   DefaultHardJamTimeMs,
		GraceTimeMs:     DefaultGraceTimeMs,
		StartTimeoutMs:  DefaultStartTimeoutMs,
		CheckIntervalMs: DefaultCheckIntervalMs,
	}
}

// normalized clamps out-of-range values to safe fallbacks. Invalid settings
// are never rejected.
func (c Config) normalized() Config {
	out := c
	switch out.Mode {
	case ModeBoth, ModeHardOnly, ModeSoftOnly:
	default:
		out.Mode = ModeBoth
	}
	if out.RatioThreshold <= 0 {
		out.RatioThreshold = fallbackRatioThreshold
	}
	if out.RatioThreshold > 1 {
		out.RatioThreshold = 1.0
	}
	if out.HardPassRatio <= 0 || out.HardPassRatio > 1 {
		out.HardPassRatio = DefaultHardPassRatio
	}
	if out.HardJamMm <= 0 {
		out.HardJamMm = DefaultHardJamMm
	}
	if out.SoftJamTimeMs <= 0 {
		out.SoftJamTimeMs = fallbackSoftJamTimeMs
	}
	if out.HardJamTimeMs <= 0 {
		out.HardJamTimeMs = fallbackHardJamTimeMs
	}
	if out.GraceTimeMs < 0 {
		out.GraceTimeMs = 0
	}
	if out.StartTimeoutMs < 0 {
		out.StartTimeoutMs = 0
	}
	if out.CheckIntervalMs <= 0 {
		out.CheckIntervalMs = DefaultCheckIntervalMs
	}
	return out
}
