// Package units provides shared constants and conversions for filament
// lengths, pulse counts, and report display.
package units

import (
	"fmt"
	"time"
)

// Length unit constants. Filament distances are stored in millimetres.
const (
	MM = "mm"
	CM = "cm"
	M  = "m"
	IN = "in"
)

// ValidUnits contains all valid length unit values.
var ValidUnits = []string{MM, CM, M, IN}

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages.
func GetValidUnitsString() string {
	return "mm, cm, m, in"
}

// ConvertLength converts a length from millimetres to the target units.
// The store and all internal arithmetic use millimetres.
func ConvertLength(lengthMm float64, targetUnits string) float64 {
	switch targetUnits {
	case CM:
		return lengthMm / 10.0
	case M:
		return lengthMm / 1000.0
	case IN:
		return lengthMm / 25.4
	case MM:
		return lengthMm
	default:
		return lengthMm // default to mm if unknown unit
	}
}

// PulsesToMm converts a movement-sensor pulse count to millimetres of filament.
// Returns 0 when mmPerPulse is not positive (uncalibrated sensor).
func PulsesToMm(pulses int64, mmPerPulse float64) float64 {
	if mmPerPulse <= 0 {
		return 0
	}
	return float64(pulses) * mmPerPulse
}

// RateMmPerSec computes a flow rate from a distance delta over a millisecond
// interval. Returns 0 for non-positive intervals.
func RateMmPerSec(deltaMm float64, deltaMs int64) float64 {
	if deltaMs <= 0 {
		return 0
	}
	return deltaMm * 1000.0 / float64(deltaMs)
}

// IsTimezoneValid checks the given timezone against the system tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// ConvertTime converts a UTC time to the specified timezone for display.
// The store keeps all times in UTC.
func ConvertTime(utcTime time.Time, targetTimezone string) (time.Time, error) {
	if targetTimezone == "UTC" {
		return utcTime, nil
	}

	loc, err := time.LoadLocation(targetTimezone)
	if err != nil {
		return utcTime, fmt.Errorf("failed to load timezone %s: %w", targetTimezone, err)
	}
	return utcTime.In(loc), nil
}
