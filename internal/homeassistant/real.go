package homeassistant

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/filament-data/flow.watch/internal/monitoring"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
	cfg    Config
}

// NewRealPublisher creates a publisher connected to the configured broker.
// The will message marks the device offline if the connection dies, and
// discovery documents plus the online availability flag are re-announced on
// every (re)connect.
func NewRealPublisher(cfg Config) (*RealPublisher, error) {
	p := &RealPublisher{cfg: cfg}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.deviceID()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.AvailabilityTopic(), AvailabilityOffline, 1, true).
		SetOnConnectHandler(func(paho.Client) { p.announce() })
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return p, nil
}

// announce publishes the discovery documents and flips availability online.
// Runs on the paho callback goroutine after each (re)connect.
func (p *RealPublisher) announce() {
	msgs, err := DiscoveryMessages(p.cfg)
	if err != nil {
		monitoring.Logf("homeassistant: build discovery: %v", err)
		return
	}
	for _, m := range msgs {
		if err := p.publish(m.Topic, 1, true, m.Payload); err != nil {
			monitoring.Logf("homeassistant: publish discovery %s: %v", m.Topic, err)
			return
		}
	}
	if err := p.publish(p.cfg.AvailabilityTopic(), 1, true, []byte(AvailabilityOnline)); err != nil {
		monitoring.Logf("homeassistant: publish availability: %v", err)
	}
}

// PublishState sends a state snapshot. QoS 0, retained so Home Assistant
// sees the last snapshot after its own restart.
func (p *RealPublisher) PublishState(state State) error {
	payload, err := FormatState(state)
	if err != nil {
		return fmt.Errorf("format state payload: %w", err)
	}
	return p.publish(p.cfg.StateTopic(), 0, true, payload)
}

// PublishJamEvent sends a jam transition. QoS 1 (at-least-once): losing a
// jam notification defeats the point of the monitor.
func (p *RealPublisher) PublishJamEvent(event JamEvent) error {
	payload, err := FormatJamEvent(event)
	if err != nil {
		return fmt.Errorf("format jam event payload: %w", err)
	}
	return p.publish(p.cfg.EventTopic(), 1, false, payload)
}

func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Close marks the device offline and disconnects. The explicit offline
// publish is needed because the will only fires on an ungraceful drop.
func (p *RealPublisher) Close() error {
	if p.client.IsConnected() {
		if err := p.publish(p.cfg.AvailabilityTopic(), 1, true, []byte(AvailabilityOffline)); err != nil {
			monitoring.Logf("homeassistant: publish offline: %v", err)
		}
	}
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
