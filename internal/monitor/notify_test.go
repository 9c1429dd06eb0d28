package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/homeassistant"
	"github.com/filament-data/flow.watch/internal/httputil"
	"github.com/filament-data/flow.watch/internal/monitoring"
)

func sampleJamEvent() db.JamEvent {
	return db.JamEvent{
		ID:          "ev-42",
		FiredAtMs:   1700000123000,
		Kind:        "hard",
		PassRatio:   0.04,
		DeficitMm:   12.5,
		AccumMs:     3000,
		GraceState:  "jammed",
		PrintStatus: 13,
	}
}

// captureLogs routes monitoring output into a slice for the test's duration.
func captureLogs(t *testing.T) *[]string {
	t.Helper()
	var lines []string
	old := monitoring.Logf
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.Logf = old })
	return &lines
}

func TestLogNotifier(t *testing.T) {
	lines := captureLogs(t)

	var n LogNotifier
	ev := sampleJamEvent()
	n.NotifyJam(ev)
	ev.ClearedAtMs = 1700000185000
	n.NotifyJamCleared(ev)

	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[0], "jam detected")
	assert.Contains(t, (*lines)[0], "ev-42")
	assert.Contains(t, (*lines)[0], "kind=hard")
	assert.Contains(t, (*lines)[1], "jam cleared")
	assert.Contains(t, (*lines)[1], "cleared_at=1700000185000")
}

func TestHANotifier(t *testing.T) {
	pub := homeassistant.NewFakePublisher()
	n := HANotifier{Publisher: pub}

	ev := sampleJamEvent()
	n.NotifyJam(ev)
	ev.ClearedAtMs = 1700000185000
	n.NotifyJamCleared(ev)

	require.Len(t, pub.Events, 2)

	fired := pub.Events[0]
	assert.Equal(t, "ev-42", fired.ID)
	assert.Equal(t, "hard", fired.Kind)
	assert.Equal(t, int64(1700000123000), fired.FiredAtMs)
	assert.InDelta(t, 0.04, fired.PassRatio, 1e-9)
	assert.InDelta(t, 12.5, fired.DeficitMm, 1e-9)
	assert.False(t, fired.Cleared)

	assert.True(t, pub.Events[1].Cleared)
	assert.Equal(t, "ev-42", pub.Events[1].ID)

	// The published payload carries the stamped timestamp.
	require.Len(t, pub.EventPayloads, 2)
	assert.Contains(t, string(pub.EventPayloads[0]), `"timestamp":"2023-11-14T`)
}

func TestWebhookNotifier(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	n := NewWebhookNotifier("http://example.test/hook", client)

	n.NotifyJam(sampleJamEvent())
	require.Equal(t, 1, client.RequestCount())

	req := client.GetRequest(0)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://example.test/hook", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var payload struct {
		Type  string      `json:"type"`
		Event db.JamEvent `json:"event"`
	}
	require.NoError(t, json.Unmarshal([]byte(client.GetRequestBody(0)), &payload))
	assert.Equal(t, "jam_detected", payload.Type)
	assert.Equal(t, "ev-42", payload.Event.ID)
	assert.Equal(t, "hard", payload.Event.Kind)
	assert.InDelta(t, 12.5, payload.Event.DeficitMm, 1e-9)

	ev := sampleJamEvent()
	ev.ClearedAtMs = 1700000185000
	n.NotifyJamCleared(ev)
	require.Equal(t, 2, client.RequestCount())
	require.NoError(t, json.Unmarshal([]byte(client.GetRequestBody(1)), &payload))
	assert.Equal(t, "jam_cleared", payload.Type)
	assert.Equal(t, int64(1700000185000), payload.Event.ClearedAtMs)
}

func TestWebhookNotifier_ToleratesFailures(t *testing.T) {
	lines := captureLogs(t)

	client := httputil.NewMockHTTPClient()
	client.AddResponse(http.StatusInternalServerError, "boom")
	client.AddErrorResponse(errors.New("connection refused"))

	n := NewWebhookNotifier("http://example.test/hook", client)
	n.NotifyJam(sampleJamEvent())
	n.NotifyJamCleared(sampleJamEvent())

	assert.Equal(t, 2, client.RequestCount())
	require.Len(t, *lines, 2)
	assert.Contains(t, (*lines)[0], "status 500")
	assert.Contains(t, (*lines)[1], "connection refused")
}

func TestWebhookNotifier_DefaultClient(t *testing.T) {
	n := NewWebhookNotifier("http://example.test/hook", nil)
	require.NotNil(t, n.Client)
}
