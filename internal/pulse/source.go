// Package pulse counts physical filament movement pulses. A Source watches
// one piece of hardware (a GPIO line, a serial bench rig, or a fake for dev
// mode) and increments a shared Counter; the monitor loop reads the counter
// on its own schedule. The counter is the only state shared between the two
// contexts.
package pulse

import "context"

// Source streams pulse detections into the Counter it was built with.
type Source interface {
	// Monitor blocks counting pulses until ctx ends. A nil return means
	// the context ended; anything else is a hardware or protocol failure.
	Monitor(ctx context.Context) error
	Close() error
}

// RunoutSensor is implemented by sources that also watch a filament runout
// switch. The level is polled, not event-driven.
type RunoutSensor interface {
	RunoutTriggered() (bool, error)
}

// DefaultGPIOChip is the Raspberry Pi's primary GPIO character device.
const DefaultGPIOChip = "gpiochip0"

// GPIOConfig names the character-device lines the sensor board is wired to.
// A negative RunoutLine disables runout watching.
type GPIOConfig struct {
	Chip         string
	MovementLine int
	RunoutLine   int
	DebounceMs   int
}
