// Package homeassistant publishes monitor state to an MQTT broker with
// Home Assistant discovery, behind an abstraction for testing.
package homeassistant

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/filament-data/flow.watch/internal/version"
)

// Availability payloads. The broker retains the last one, and the will
// message flips it to offline when the daemon dies without closing.
const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"
)

// Config selects the broker and topic layout.
type Config struct {
	Broker          string // e.g. "tcp://homeassistant.local:1883"
	Username        string
	Password        string
	TopicPrefix     string // e.g. "flowwatch"
	DiscoveryPrefix string // e.g. "homeassistant"
	DeviceID        string // node id in discovery topics; defaults to TopicPrefix
}

func (c Config) deviceID() string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	return c.TopicPrefix
}

// StateTopic carries the JSON state snapshot every UI refresh interval.
func (c Config) StateTopic() string { return c.TopicPrefix + "/state" }

// EventTopic carries jam fired/cleared events.
func (c Config) EventTopic() string { return c.TopicPrefix + "/event" }

// AvailabilityTopic carries online/offline, retained.
func (c Config) AvailabilityTopic() string { return c.TopicPrefix + "/status" }

// State is the wire form of one monitor snapshot.
type State struct {
	Jammed     bool    `json:"jammed"`
	Printing   bool    `json:"printing"`
	PassRatio  float64 `json:"pass_ratio"`
	DeficitMm  float64 `json:"deficit_mm"`
	ExpectedMm float64 `json:"expected_mm"`
	ActualMm   float64 `json:"actual_mm"`
	PulseCount int64   `json:"pulse_count"`
	GraceState string  `json:"grace_state"`
}

// FormatState creates the JSON payload for a state snapshot.
func FormatState(state State) ([]byte, error) {
	return json.Marshal(state)
}

// JamEvent is the wire form of a jam transition. Cleared is false when the
// jam fires and true on the matching clear.
type JamEvent struct {
	Timestamp string  `json:"timestamp"`
	ID        string  `json:"id"`
	Kind      string  `json:"kind"`
	PassRatio float64 `json:"pass_ratio"`
	DeficitMm float64 `json:"deficit_mm"`
	FiredAtMs int64   `json:"fired_at_ms"`
	Cleared   bool    `json:"cleared"`
}

// FormatJamEvent creates the JSON payload for a jam transition, stamping the
// RFC3339 timestamp from FiredAtMs when the caller left it empty.
func FormatJamEvent(event JamEvent) ([]byte, error) {
	if event.Timestamp == "" {
		event.Timestamp = time.UnixMilli(event.FiredAtMs).UTC().Format(time.RFC3339)
	}
	return json.Marshal(event)
}

// Publisher publishes monitor output to MQTT.
type Publisher interface {
	// PublishState sends a state snapshot to the broker.
	// Returns error if publishing fails (should not crash the process).
	PublishState(state State) error

	// PublishJamEvent sends a jam fired/cleared event to the broker.
	PublishJamEvent(event JamEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// DiscoveryMessage is one retained Home Assistant discovery document.
type DiscoveryMessage struct {
	Topic   string
	Payload []byte
}

type discoveryDevice struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
	Model       string   `json:"model,omitempty"`
	SwVersion   string   `json:"sw_version,omitempty"`
}

type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	DeviceClass       string          `json:"device_class,omitempty"`
	StateClass        string          `json:"state_class,omitempty"`
	UnitOfMeasurement string          `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string          `json:"value_template,omitempty"`
	PayloadOn         string          `json:"payload_on,omitempty"`
	PayloadOff        string          `json:"payload_off,omitempty"`
	Device            discoveryDevice `json:"device"`
}

// DiscoveryMessages builds the retained discovery documents for every entity
// this monitor exposes. Topics follow the Home Assistant convention
// <prefix>/<component>/<node_id>/<object_id>/config.
func DiscoveryMessages(cfg Config) ([]DiscoveryMessage, error) {
	node := cfg.deviceID()
	device := discoveryDevice{
		Identifiers: []string{node},
		Name:        "Filament flow monitor",
		Model:       "flow.watch",
		SwVersion:   version.Version,
	}

	base := discoveryConfig{
		StateTopic:        cfg.StateTopic(),
		AvailabilityTopic: cfg.AvailabilityTopic(),
		Device:            device,
	}

	type entity struct {
		component string
		objectID  string
		config    discoveryConfig
	}

	entities := []entity{
		{
			component: "binary_sensor",
			objectID:  "jam",
			config: func() discoveryConfig {
				c := base
				c.Name = "Filament jam"
				c.DeviceClass = "problem"
				c.ValueTemplate = "{{ 'ON' if value_json.jammed else 'OFF' }}"
				c.PayloadOn = "ON"
				c.PayloadOff = "OFF"
				return c
			}(),
		},
		{
			component: "binary_sensor",
			objectID:  "printing",
			config: func() discoveryConfig {
				c := base
				c.Name = "Printing"
				c.DeviceClass = "running"
				c.ValueTemplate = "{{ 'ON' if value_json.printing else 'OFF' }}"
				c.PayloadOn = "ON"
				c.PayloadOff = "OFF"
				return c
			}(),
		},
		{
			component: "sensor",
			objectID:  "pass_ratio",
			config: func() discoveryConfig {
				c := base
				c.Name = "Flow pass ratio"
				c.StateClass = "measurement"
				c.ValueTemplate = "{{ value_json.pass_ratio | round(3) }}"
				return c
			}(),
		},
		{
			component: "sensor",
			objectID:  "deficit",
			config: func() discoveryConfig {
				c := base
				c.Name = "Filament deficit"
				c.StateClass = "measurement"
				c.UnitOfMeasurement = "mm"
				c.ValueTemplate = "{{ value_json.deficit_mm | round(2) }}"
				return c
			}(),
		},
		{
			component: "sensor",
			objectID:  "pulses",
			config: func() discoveryConfig {
				c := base
				c.Name = "Filament pulses"
				c.StateClass = "total_increasing"
				c.ValueTemplate = "{{ value_json.pulse_count }}"
				return c
			}(),
		},
		{
			component: "sensor",
			objectID:  "grace_state",
			config: func() discoveryConfig {
				c := base
				c.Name = "Detection state"
				c.ValueTemplate = "{{ value_json.grace_state }}"
				return c
			}(),
		},
	}

	msgs := make([]DiscoveryMessage, 0, len(entities))
	for _, e := range entities {
		e.config.UniqueID = node + "_" + e.objectID
		payload, err := json.Marshal(e.config)
		if err != nil {
			return nil, fmt.Errorf("marshal discovery config %s: %w", e.objectID, err)
		}
		msgs = append(msgs, DiscoveryMessage{
			Topic:   fmt.Sprintf("%s/%s/%s/%s/config", cfg.DiscoveryPrefix, e.component, node, e.objectID),
			Payload: payload,
		})
	}

	return msgs, nil
}
