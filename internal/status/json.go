package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Instance      string       `json:"instance"`
	Phase         string       `json:"phase"`
	State         string       `json:"state"`
	CurrentEvent  string       `json:"current_event,omitempty"`
	ActiveEvents  int          `json:"active_events"`
	LastCheck     string       `json:"last_check,omitempty"`
	ErrorFlashing bool         `json:"error_flashing"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Connections   Connections  `json:"connections"`
	Agenda        []AgendaJSON `json:"agenda"`
	Config        ConfigJSON   `json:"config"`
}

// Connections reports port and broker health.
type Connections struct {
	Device   bool `json:"device"`
	Calendar bool `json:"calendar"`
	MQTT     bool `json:"mqtt"`
}

// AgendaJSON is one of today's events.
type AgendaJSON struct {
	Title string `json:"title"`
	Span  string `json:"span"`
	Busy  bool   `json:"busy"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	PollSeconds      int64  `json:"poll_seconds"`
	LeadMinutes      int64  `json:"lead_minutes"`
	HeartbeatSeconds int64  `json:"heartbeat_seconds"`
	Calendar         string `json:"calendar"`
	Device           string `json:"device"`
	Broker           string `json:"broker,omitempty"`
	HTTPAddr         string `json:"http_addr"`
}

func buildInner(snap Snapshot) StatusInner {
	state := "UNKNOWN"
	if snap.Checked() {
		state = "FREE"
		if snap.Busy {
			state = "BUSY"
		}
	}

	inner := StatusInner{
		Instance:      snap.Instance,
		Phase:         string(snap.Phase),
		State:         state,
		CurrentEvent:  snap.Event,
		ActiveEvents:  snap.ActiveEvents,
		ErrorFlashing: snap.ErrorFlashing,
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Connections: Connections{
			Device:   snap.DeviceVerified,
			Calendar: snap.CalendarVerified,
			MQTT:     snap.MQTTConnected,
		},
		Agenda: make([]AgendaJSON, 0, len(snap.Agenda)),
		Config: ConfigJSON{
			PollSeconds:      int64(snap.Config.PollInterval / time.Second),
			LeadMinutes:      int64(snap.Config.LeadTime / time.Minute),
			HeartbeatSeconds: int64(snap.Config.Heartbeat / time.Second),
			Calendar:         snap.Config.Calendar,
			Device:           snap.Config.Device,
			Broker:           snap.Config.Broker,
			HTTPAddr:         snap.Config.HTTPAddr,
		},
	}
	if snap.Checked() {
		inner.LastCheck = snap.LastCheck.UTC().Format(time.RFC3339)
	}
	for _, a := range snap.Agenda {
		inner.Agenda = append(inner.Agenda, AgendaJSON{Title: a.Title, Span: a.Span, Busy: a.Busy})
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
