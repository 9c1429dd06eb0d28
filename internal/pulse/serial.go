package pulse

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/filament-data/flow.watch/internal/monitoring"
)

// DefaultSerialBaud matches the bench rig firmware.
const DefaultSerialBaud = 115200

// SerialConfig names the port a bench rig is attached to.
type SerialConfig struct {
	Port string
	Baud int
}

// SerialSource counts pulses from a bench rig that streams one line per
// detection: "P" for a single pulse, "P <n>" for a batch flushed together.
type SerialSource struct {
	port    serial.Port
	counter *Counter
}

// NewSerialSource opens the rig's serial port.
func NewSerialSource(cfg SerialConfig, counter *Counter) (*SerialSource, error) {
	baud := cfg.Baud
	if baud <= 0 {
		baud = DefaultSerialBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: 1,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open pulse port %s: %w", cfg.Port, err)
	}

	return &SerialSource{port: port, counter: counter}, nil
}

// Monitor reads pulse lines until ctx ends.
func (s *SerialSource) Monitor(ctx context.Context) error {
	defer s.Close()
	scan := bufio.NewScanner(s.port)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if !scan.Scan() {
				return scan.Err()
			}
			s.handleLine(scan.Text())
		}
	}
}

// Close closes the serial port.
func (s *SerialSource) Close() error {
	return s.port.Close()
}

func (s *SerialSource) handleLine(line string) {
	n, ok := parsePulseLine(line)
	if !ok {
		monitoring.Debugf("pulse: ignoring serial line %q", line)
		return
	}
	s.counter.Add(n)
}

// parsePulseLine returns the pulse count a rig line reports. Lines that are
// not pulse reports (boot banners, debug chatter) return ok=false.
func parsePulseLine(line string) (int64, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 || fields[0] != "P" {
		return 0, false
	}
	if len(fields) == 1 {
		return 1, true
	}
	n, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
