package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/filament-data/flow.watch/internal/db"
	"github.com/filament-data/flow.watch/internal/homeassistant"
	"github.com/filament-data/flow.watch/internal/httputil"
	"github.com/filament-data/flow.watch/internal/monitoring"
)

// Notifier receives jam transitions from the engine. Implementations must
// tolerate being called from a goroutine off the engine loop.
type Notifier interface {
	NotifyJam(event db.JamEvent)
	NotifyJamCleared(event db.JamEvent)
}

// LogNotifier writes jam transitions to the diagnostic log.
type LogNotifier struct{}

func (LogNotifier) NotifyJam(event db.JamEvent) {
	monitoring.Logf("jam detected: %s", event.String())
}

func (LogNotifier) NotifyJamCleared(event db.JamEvent) {
	monitoring.Logf("jam cleared: %s (cleared_at=%d)", event.ID, event.ClearedAtMs)
}

// HANotifier forwards jam transitions to a Home Assistant publisher.
type HANotifier struct {
	Publisher homeassistant.Publisher
}

func (n HANotifier) NotifyJam(event db.JamEvent) {
	if err := n.Publisher.PublishJamEvent(haEvent(event, false)); err != nil {
		monitoring.Logf("homeassistant: jam event publish failed: %v", err)
	}
}

func (n HANotifier) NotifyJamCleared(event db.JamEvent) {
	if err := n.Publisher.PublishJamEvent(haEvent(event, true)); err != nil {
		monitoring.Logf("homeassistant: jam clear publish failed: %v", err)
	}
}

func haEvent(event db.JamEvent, cleared bool) homeassistant.JamEvent {
	return homeassistant.JamEvent{
		ID:        event.ID,
		Kind:      event.Kind,
		PassRatio: event.PassRatio,
		DeficitMm: event.DeficitMm,
		FiredAtMs: event.FiredAtMs,
		Cleared:   cleared,
	}
}

// WebhookNotifier POSTs jam transitions as JSON to a configured URL.
// Delivery is best-effort; failures are logged, never retried.
type WebhookNotifier struct {
	URL    string
	Client httputil.HTTPClient
}

// NewWebhookNotifier creates a webhook notifier. A nil client gets a default
// with a 10 second timeout.
func NewWebhookNotifier(url string, client httputil.HTTPClient) *WebhookNotifier {
	if client == nil {
		client = httputil.NewStandardClient(&http.Client{Timeout: 10 * time.Second})
	}
	return &WebhookNotifier{URL: url, Client: client}
}

type webhookPayload struct {
	Type  string      `json:"type"` // jam_detected or jam_cleared
	Event db.JamEvent `json:"event"`
}

func (n *WebhookNotifier) NotifyJam(event db.JamEvent) {
	n.post(webhookPayload{Type: "jam_detected", Event: event})
}

func (n *WebhookNotifier) NotifyJamCleared(event db.JamEvent) {
	n.post(webhookPayload{Type: "jam_cleared", Event: event})
}

func (n *WebhookNotifier) post(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		monitoring.Logf("webhook: marshal payload: %v", err)
		return
	}

	resp, err := n.Client.Post(n.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		monitoring.Logf("webhook: deliver to %s: %v", n.URL, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		monitoring.Logf("webhook: %s returned status %d", n.URL, resp.StatusCode)
	}
}
