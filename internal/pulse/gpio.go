//go:build linux

package pulse

import (
	"context"
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOSource counts rising edges on the movement-sensor line via the Linux
// GPIO character device. An optional runout line is read as a level.
type GPIOSource struct {
	counter *Counter
	chip    *gpiocdev.Chip
	line    *gpiocdev.Line
	runout  *gpiocdev.Line
}

// NewGPIOSource requests the configured lines. The movement line is edge
// triggered with kernel-side debounce; events fire on the character device's
// own thread and touch nothing but the counter.
func NewGPIOSource(cfg GPIOConfig, counter *Counter) (*GPIOSource, error) {
	chipName := cfg.Chip
	if chipName == "" {
		chipName = DefaultGPIOChip
	}
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipName, err)
	}

	s := &GPIOSource{counter: counter, chip: chip}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(s.handleEdge),
	}
	if cfg.DebounceMs > 0 {
		opts = append(opts, gpiocdev.WithDebounce(time.Duration(cfg.DebounceMs)*time.Millisecond))
	}

	line, err := chip.RequestLine(cfg.MovementLine, opts...)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request movement line %d: %w", cfg.MovementLine, err)
	}
	s.line = line

	if cfg.RunoutLine >= 0 {
		runout, err := chip.RequestLine(cfg.RunoutLine, gpiocdev.AsInput, gpiocdev.WithPullUp)
		if err != nil {
			line.Close()
			chip.Close()
			return nil, fmt.Errorf("request runout line %d: %w", cfg.RunoutLine, err)
		}
		s.runout = runout
	}

	return s, nil
}

func (s *GPIOSource) handleEdge(evt gpiocdev.LineEvent) {
	if evt.Type == gpiocdev.LineEventRisingEdge {
		s.counter.Increment()
	}
}

// Monitor blocks until ctx ends. Edge events arrive via the handler, so
// there is nothing to poll.
func (s *GPIOSource) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// RunoutTriggered reads the runout switch. The switch holds the line low
// while filament is present; the pull-up raises it when the filament runs
// out and the switch opens. Always false when no runout line is configured.
func (s *GPIOSource) RunoutTriggered() (bool, error) {
	if s.runout == nil {
		return false, nil
	}
	v, err := s.runout.Value()
	if err != nil {
		return false, fmt.Errorf("read runout line: %w", err)
	}
	return v != 0, nil
}

// Close releases the requested lines and the chip.
func (s *GPIOSource) Close() error {
	var firstErr error
	if s.line != nil {
		if err := s.line.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close movement line: %w", err)
		}
	}
	if s.runout != nil {
		if err := s.runout.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close runout line: %w", err)
		}
	}
	if s.chip != nil {
		if err := s.chip.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close chip: %w", err)
		}
	}
	return firstErr
}
