package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/filament-data/flow.watch/internal/monitoring"
	"github.com/filament-data/flow.watch/internal/timeutil"
)

// DefaultPort is the controller's websocket port.
const DefaultPort = 3030

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	updateBuffer   = 16
	commandBuffer  = 8
)

// Update pairs a decoded status with the local receive time the engine uses
// for freshness checks.
type Update struct {
	Status     Status
	ReceivedMs int64
}

// Client maintains the controller websocket connection, decoding status
// reports into Updates and writing queued command envelopes.
type Client struct {
	url   string
	id    string
	clock timeutil.Clock

	updates  chan Update
	commands chan CommandMessage

	mu          sync.Mutex
	mainboardID string
	printStatus int
	machineBits []int
}

// NewClient builds a client for the controller at host. A bare IP or
// hostname gets the controller's standard port and path appended; a full
// ws:// URL is used as-is.
func NewClient(host string, clock timeutil.Clock) *Client {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	url := host
	if !strings.Contains(host, "://") {
		url = fmt.Sprintf("ws://%s:%d/websocket", host, DefaultPort)
	}
	return &Client{
		url:      url,
		id:       uuid.NewString(),
		clock:    clock,
		updates:  make(chan Update, updateBuffer),
		commands: make(chan CommandMessage, commandBuffer),
	}
}

// Updates returns the stream of decoded status updates. When the engine
// falls behind, the oldest buffered update is dropped first.
func (c *Client) Updates() <-chan Update {
	return c.updates
}

// MainboardID returns the id learned from the last status report.
func (c *Client) MainboardID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainboardID
}

// SendCommand queues an SDCP command for the connection writer. The envelope
// snapshots the latest known mainboard id and machine state.
func (c *Client) SendCommand(cmd int) error {
	c.mu.Lock()
	mainboard := c.mainboardID
	printStatus := c.printStatus
	bits := append([]int(nil), c.machineBits...)
	c.mu.Unlock()

	msg := BuildCommand(c.id, cmd, NewRequestID(), mainboard, c.clock.Now().Unix(), printStatus, bits)
	select {
	case c.commands <- msg:
		return nil
	default:
		return fmt.Errorf("command queue full (cmd %d)", cmd)
	}
}

// Monitor keeps the connection alive until ctx ends, reconnecting with
// doubling backoff. The backoff resets once a connection delivers a status
// report, not merely on a completed handshake.
func (c *Client) Monitor(ctx context.Context) error {
	backoff := initialBackoff
	for {
		received, err := c.runConn(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			backoff = initialBackoff
		}
		monitoring.Logf("telemetry: connection to %s lost: %v (retry in %s)", c.url, err, backoff)

		timer := c.clock.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C():
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// Close is a no-op; Monitor owns the connection and closes it when its
// context ends.
func (c *Client) Close() error {
	return nil
}

func (c *Client) runConn(ctx context.Context) (bool, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.url, err)
	}
	defer conn.Close()
	monitoring.Logf("telemetry: connected to %s", c.url)

	// The writer goroutine owns all writes; gorilla allows one concurrent
	// writer per connection. Closing the conn on cancellation unblocks the
	// read loop below.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-connCtx.Done():
				conn.Close()
				return
			case cmd := <-c.commands:
				if err := conn.WriteJSON(cmd); err != nil {
					monitoring.Logf("telemetry: write command %d failed: %v", cmd.Data.Cmd, err)
					// Requeue so the next connection can deliver it.
					select {
					case c.commands <- cmd:
					default:
					}
					conn.Close()
					return
				}
				monitoring.Debugf("telemetry: sent command %d to %s", cmd.Data.Cmd, cmd.Data.MainboardID)
			}
		}
	}()

	received := false
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return received, fmt.Errorf("read: %w", err)
		}
		if c.handleMessage(payload) {
			received = true
		}
	}
}

// handleMessage decodes one frame, refreshes the cached controller identity,
// and emits an Update. Non-status frames (command responses, notices) are
// ignored.
func (c *Client) handleMessage(payload []byte) bool {
	st, err := DecodeStatus(payload)
	if err != nil {
		monitoring.Debugf("telemetry: ignoring frame: %v", err)
		return false
	}

	c.mu.Lock()
	if st.MainboardID != "" {
		c.mainboardID = st.MainboardID
	}
	c.printStatus = st.PrintStatus
	if st.MachineStatus != nil {
		c.machineBits = st.MachineStatus
	}
	c.mu.Unlock()

	u := Update{Status: *st, ReceivedMs: c.clock.Now().UnixMilli()}
	select {
	case c.updates <- u:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- u:
		default:
		}
	}
	return true
}
