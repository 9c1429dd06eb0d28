package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filament-data/flow.watch/internal/timeutil"
)

const statusFixture = `{
	"Data": {
		"MainboardID": "abc123",
		"TimeStamp": 1638360000,
		"Status": {
			"CurrentStatus": [0, 2],
			"PrintInfo": {"Status": 13, "TotalExtrusion": 55.5}
		}
	}
}`

// wsServer upgrades each incoming connection and hands it to serve.
func wsServer(t *testing.T, serve func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// waitUpdate polls for the next update while nudging the mock clock, so
// pending mock timers fire without real sleeps.
func waitUpdate(t *testing.T, updates <-chan Update, clock *timeutil.MockClock) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			return u
		case <-deadline:
			t.Fatal("timed out waiting for update")
		default:
			if clock != nil {
				clock.Advance(time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNewClient_URLForms(t *testing.T) {
	t.Parallel()

	c := NewClient("192.168.1.50", nil)
	assert.Equal(t, "ws://192.168.1.50:3030/websocket", c.url)
	assert.NotEmpty(t, c.id)

	c = NewClient("ws://printer.local:9000/feed", nil)
	assert.Equal(t, "ws://printer.local:9000/feed", c.url)
}

func TestClient_DeliversStatusUpdates(t *testing.T) {
	srv := wsServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(statusFixture)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(wsURL(srv), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Monitor(ctx) }()

	u := waitUpdate(t, c.Updates(), nil)
	assert.Equal(t, "abc123", u.Status.MainboardID)
	assert.True(t, u.Status.Printing)
	assert.Equal(t, 55.5, u.Status.CumulativeMm)
	assert.True(t, u.Status.HasExtrusion)
	assert.Equal(t, []int{0, 2}, u.Status.MachineStatus)
	assert.Greater(t, u.ReceivedMs, int64(0))
	assert.Equal(t, "abc123", c.MainboardID())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Monitor did not stop on cancel")
	}
}

func TestClient_SendsCommandEnvelope(t *testing.T) {
	gotCmd := make(chan []byte, 1)
	srv := wsServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(statusFixture)))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		gotCmd <- raw
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(wsURL(srv), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Monitor(ctx) }()

	waitUpdate(t, c.Updates(), nil)
	require.NoError(t, c.SendCommand(CmdPausePrint))

	var raw []byte
	select {
	case raw = <-gotCmd:
	case <-time.After(5 * time.Second):
		t.Fatal("command never reached the server")
	}

	var msg CommandMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, CmdPausePrint, msg.Data.Cmd)
	assert.Equal(t, "abc123", msg.Data.MainboardID)
	assert.Equal(t, "sdcp/request/abc123", msg.Topic)
	assert.Equal(t, 0, msg.Data.From)
	// The envelope echoes the machine state from the last status report.
	assert.Equal(t, PrintStatusPrinting, msg.Data.PrintStatus)
	assert.Equal(t, []int{0, 2}, msg.Data.CurrentStatus)
	assert.Len(t, msg.Data.RequestID, 32)
	assert.Greater(t, msg.Data.TimeStamp, int64(0))
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	var conns atomic.Int32
	srv := wsServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(statusFixture)))
		if n == 1 {
			return // drop the first connection right after the status
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	clock := timeutil.NewMockClock(time.Unix(1700000000, 0))
	c := NewClient(wsURL(srv), clock)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Monitor(ctx) }()

	waitUpdate(t, c.Updates(), clock)
	waitUpdate(t, c.Updates(), clock)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestClient_IgnoresNonStatusFrames(t *testing.T) {
	ack := `{"Id": "conn", "Data": {"Cmd": 129, "RequestID": "abc", "Ack": 0}}`
	srv := wsServer(t, func(conn *websocket.Conn) {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(ack)))
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(statusFixture)))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	c := NewClient(wsURL(srv), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Monitor(ctx) }()

	u := waitUpdate(t, c.Updates(), nil)
	assert.Equal(t, "abc123", u.Status.MainboardID)
}

func TestClient_CommandQueueFull(t *testing.T) {
	t.Parallel()

	c := NewClient("192.0.2.1", nil) // never dialed
	for i := 0; i < commandBuffer; i++ {
		require.NoError(t, c.SendCommand(CmdStatusRefresh))
	}
	err := c.SendCommand(CmdPausePrint)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}

func TestClient_DropsOldestWhenSlow(t *testing.T) {
	t.Parallel()

	c := NewClient("192.0.2.1", nil)
	for i := 1; i <= updateBuffer+4; i++ {
		payload := fmt.Sprintf(`{"Data": {"TimeStamp": %d, "Status": {"PrintInfo": {"Status": 13}}}}`, i)
		require.True(t, c.handleMessage([]byte(payload)))
	}

	var got []int64
	for {
		select {
		case u := <-c.Updates():
			got = append(got, u.Status.TimeStampSec)
			continue
		default:
		}
		break
	}
	require.Len(t, got, updateBuffer)
	assert.Equal(t, int64(5), got[0], "oldest updates should be dropped first")
	assert.Equal(t, int64(updateBuffer+4), got[len(got)-1])

	assert.False(t, c.handleMessage([]byte("junk")))
	select {
	case u := <-c.Updates():
		t.Fatalf("junk frame produced an update: %+v", u)
	default:
	}
}
