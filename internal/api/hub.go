package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/monitor"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends websocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16

	// defaultBroadcastInterval paces status frames when no interval is
	// configured.
	defaultBroadcastInterval = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves the local network; origin policy belongs to a
	// reverse proxy if one is ever put in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is the JSON envelope sent to websocket clients. Event is "status"
// for periodic snapshots, "jam" when a jam fires, and "jam_cleared" when it
// clears; Data carries a monitor.Status or db.JamEvent accordingly.
type Frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub manages websocket clients: it broadcasts the monitor status on a fixed
// cadence and pushes jam transitions the moment they happen. Hub is also a
// monitor.Notifier, so the engine's fan-out drives the event frames.
type Hub struct {
	status   func() monitor.Status
	interval time.Duration

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a hub reading snapshots from status every interval.
func NewHub(status func() monitor.Status, interval time.Duration) *Hub {
	if interval <= 0 {
		interval = defaultBroadcastInterval
	}
	return &Hub{
		status:   status,
		interval: interval,
		clients:  make(map[*wsClient]struct{}),
	}
}

// Run drives the status broadcast ticker until ctx is cancelled, then closes
// all active connections.
func (h *Hub) Run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-t.C:
			if h.Count() == 0 {
				continue
			}
			h.broadcastStatus()
		}
	}
}

// ServeHTTP upgrades the connection and serves the client. A status frame is
// sent immediately on connect so the UI has data before the first tick.
// Blocks until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}
	h.register(c)
	defer h.unregister(c)

	if data, err := h.statusFrame(); err == nil {
		select {
		case c.send <- data:
		default:
		}
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of currently connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyJam pushes a jam frame to every client.
func (h *Hub) NotifyJam(event db.JamEvent) {
	h.broadcastEvent("jam", event)
}

// NotifyJamCleared pushes a clear frame to every client.
func (h *Hub) NotifyJamCleared(event db.JamEvent) {
	h.broadcastEvent("jam_cleared", event)
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) statusFrame() ([]byte, error) {
	return json.Marshal(Frame{Event: "status", Data: h.status()})
}

func (h *Hub) broadcastStatus() {
	data, err := h.statusFrame()
	if err != nil {
		return
	}
	h.send(data)
}

func (h *Hub) broadcastEvent(event string, jam db.JamEvent) {
	data, err := json.Marshal(Frame{Event: event, Data: jam})
	if err != nil {
		return
	}
	h.send(data)
}

func (h *Hub) send(data []byte) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Client's outgoing buffer is full: disconnect it.
			h.unregister(c)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// writePump drains the client's send channel onto the connection and sends
// periodic ping frames. Runs in its own goroutine per client.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel closed: hub shutdown or client removed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes frames to process control messages and detect
// disconnects. Blocks until the connection closes.
func (c *wsClient) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
