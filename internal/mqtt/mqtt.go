// Package mqtt publishes busylight lifecycle events and drives
// Tasmota-style smart plugs over MQTT.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"
)

// DefaultTopicPrefix roots every system topic.
const DefaultTopicPrefix = "busylight"

// System event names. OFFLINE is only ever sent by the broker as the
// last will.
const (
	EventStartup   = "STARTUP"
	EventHeartbeat = "HEARTBEAT"
	EventStatus    = "STATUS"
	EventShutdown  = "SHUTDOWN"
	EventOffline   = "OFFLINE"
)

// SystemTopic returns the lifecycle topic under prefix.
func SystemTopic(prefix string) string {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return strings.TrimSuffix(prefix, "/") + "/system"
}

// Publisher sends system events. Errors are reported, never fatal.
type Publisher interface {
	PublishSystem(event SystemEvent) error
	Close() error
}

// ConnectionStatus reports whether the broker connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent is one lifecycle message. When RawPayload is set (a full
// status snapshot) it is sent as is; otherwise a small envelope is built.
type SystemEvent struct {
	Timestamp  time.Time
	Event      string
	Reason     string // SHUTDOWN only
	Instance   string
	RawPayload []byte
	Retained   bool
}

// SystemPayload is the envelope for events without a snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	Instance  string `json:"instance,omitempty"`
}

// FormatSystemPayload returns the bytes published for event.
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}
	return json.Marshal(SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
			Instance:  event.Instance,
		},
	})
}
