// Package telemetry consumes the printer controller's SDCP websocket feed
// and turns it into normalized flow updates: print state plus the cumulative
// extrusion position the tracker consumes. It also builds the SDCP command
// envelopes the monitor loop uses to pause a jammed print.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SDCP command codes.
const (
	CmdStatusRefresh = 0
	CmdStartPrint    = 128
	CmdPausePrint    = 129
	CmdStopPrint     = 130
	CmdContinuePrint = 131
)

// Print status codes reported in PrintInfo.Status.
const (
	PrintStatusIdle     = 0
	PrintStatusPaused   = 6
	PrintStatusPrinting = 13
)

// CommandMessage is the envelope the controller accepts on
// sdcp/request/<MainboardID>.
type CommandMessage struct {
	Id    string      `json:"Id"`
	Data  CommandData `json:"Data"`
	Topic string      `json:"Topic,omitempty"`
}

// CommandData is the command payload. From is always 0, which is what the
// controller's Home Assistant integration sends and the firmware accepts.
type CommandData struct {
	Cmd           int    `json:"Cmd"`
	RequestID     string `json:"RequestID"`
	MainboardID   string `json:"MainboardID"`
	TimeStamp     int64  `json:"TimeStamp"`
	From          int    `json:"From"`
	PrintStatus   int    `json:"PrintStatus"`
	CurrentStatus []int  `json:"CurrentStatus"`
}

// NewRequestID returns the 32-character hex request id the controller
// expects.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildCommand assembles a command envelope. The Topic is omitted when the
// mainboard id is not yet known; the controller accepts topic-less commands
// on a direct connection. timestampSec is Unix seconds.
func BuildCommand(id string, cmd int, requestID, mainboardID string, timestampSec int64, printStatus int, currentStatus []int) CommandMessage {
	if currentStatus == nil {
		currentStatus = []int{}
	}
	msg := CommandMessage{
		Id: id,
		Data: CommandData{
			Cmd:           cmd,
			RequestID:     requestID,
			MainboardID:   mainboardID,
			TimeStamp:     timestampSec,
			From:          0,
			PrintStatus:   printStatus,
			CurrentStatus: currentStatus,
		},
	}
	if mainboardID != "" {
		msg.Topic = "sdcp/request/" + mainboardID
	}
	return msg
}

// Status is one decoded controller status report.
type Status struct {
	MainboardID string
	PrintStatus int
	Printing    bool
	Paused      bool
	// CumulativeMm is TotalExtrusion when the controller reports it, else
	// CurrentExtrusion. HasExtrusion is false when neither arrived.
	CumulativeMm float64
	HasExtrusion bool
	// MachineStatus is the controller's CurrentStatus bit list, echoed
	// back in command envelopes.
	MachineStatus []int
	TimeStampSec  int64
}

type statusEnvelope struct {
	Id    string     `json:"Id"`
	Data  statusData `json:"Data"`
	Topic string     `json:"Topic"`
}

type statusData struct {
	MainboardID string     `json:"MainboardID"`
	TimeStamp   int64      `json:"TimeStamp"`
	Status      statusBody `json:"Status"`
}

type statusBody struct {
	CurrentStatus []int `json:"CurrentStatus"`
	// PrintInfo keys stay loosely typed: some controller firmware builds
	// emit the extrusion keys hex-byte-encoded.
	PrintInfo map[string]any `json:"PrintInfo"`
}

// DecodeStatus parses a status payload from sdcp/status/<MainboardID>.
func DecodeStatus(payload []byte) (*Status, error) {
	var env statusEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode status payload: %w", err)
	}
	if env.Data.Status.PrintInfo == nil && env.Data.Status.CurrentStatus == nil {
		return nil, fmt.Errorf("status payload has no status body")
	}

	st := &Status{
		MainboardID:   env.Data.MainboardID,
		MachineStatus: env.Data.Status.CurrentStatus,
		TimeStampSec:  env.Data.TimeStamp,
	}

	info := env.Data.Status.PrintInfo
	if v, ok := info["Status"].(float64); ok {
		st.PrintStatus = int(v)
	}
	st.Printing = st.PrintStatus == PrintStatusPrinting
	st.Paused = st.PrintStatus == PrintStatusPaused

	if v, ok := readExtrusion(info, "TotalExtrusion"); ok {
		st.CumulativeMm = v
		st.HasExtrusion = true
	} else if v, ok := readExtrusion(info, "CurrentExtrusion"); ok {
		st.CumulativeMm = v
		st.HasExtrusion = true
	}

	return st, nil
}

// IsStatusTopic reports whether topic is a status feed topic.
func IsStatusTopic(topic string) bool {
	return strings.HasPrefix(topic, "sdcp/status/")
}

// TopicMainboardID extracts the mainboard id from an sdcp topic, empty if
// the topic has no id segment.
func TopicMainboardID(topic string) string {
	i := strings.LastIndex(topic, "/")
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	return topic[i+1:]
}

// readExtrusion reads a numeric PrintInfo value by name, accepting both the
// plain key and the controller quirk where the key arrives as space-separated
// hex bytes with a trailing NUL ("54 6F ... 00").
func readExtrusion(info map[string]any, name string) (float64, bool) {
	if v, ok := info[name].(float64); ok {
		return v, true
	}
	for k, raw := range info {
		decoded, ok := decodeHexKey(k)
		if !ok || decoded != name {
			continue
		}
		if v, ok := raw.(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// decodeHexKey turns "54 6F 74 61 6C ... 00" into "Total...". Trailing NUL
// bytes are stripped. Returns ok=false for keys that are not hex encoded.
func decodeHexKey(key string) (string, bool) {
	fields := strings.Fields(key)
	if len(fields) < 2 {
		return "", false
	}
	buf := make([]byte, 0, len(fields))
	for _, f := range fields {
		if len(f) != 2 {
			return "", false
		}
		b, err := strconv.ParseUint(f, 16, 8)
		if err != nil {
			return "", false
		}
		buf = append(buf, byte(b))
	}
	for len(buf) > 0 && buf[len(buf)-1] == 0 {
		buf = buf[:len(buf)-1]
	}
	if len(buf) == 0 {
		return "", false
	}
	return string(buf), true
}
