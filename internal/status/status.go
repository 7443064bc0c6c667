// Package status provides a thread-safe status tracker for the busylight daemon.
// It is read by the HTTP handlers, the MQTT STATUS event and the status record file.
package status

import (
	"sync"
	"time"
)

// Phase is the orchestrator's lifecycle phase.
type Phase string

const (
	PhaseStarting Phase = "STARTING"
	PhaseRunning  Phase = "RUNNING"
	PhaseError    Phase = "ERROR"
	PhaseStopped  Phase = "STOPPED"
)

// Config contains daemon configuration for display.
type Config struct {
	PollInterval time.Duration
	LeadTime     time.Duration
	Heartbeat    time.Duration
	Calendar     string // calendar provider
	Device       string // device driver
	Broker       string
	HTTPAddr     string
}

// AgendaItem is one of today's events as shown on the status page.
type AgendaItem struct {
	Title string
	Span  string // "HH:MM-HH:MM" or "All day"
	Busy  bool
}

// Check is the outcome of one tick.
type Check struct {
	At           time.Time
	Busy         bool
	Event        string
	ActiveEvents int
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	Instance         string
	Phase            Phase
	Busy             bool
	Event            string
	ActiveEvents     int
	LastCheck        time.Time
	ErrorFlashing    bool
	DeviceVerified   bool
	CalendarVerified bool
	Agenda           []AgendaItem
	StartTime        time.Time
	Now              time.Time
	MQTTConnected    bool
	Config           Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Checked reports whether any tick has completed.
func (s Snapshot) Checked() bool {
	return !s.LastCheck.IsZero()
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, instance string, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Instance:  instance,
			Phase:     PhaseStarting,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordCheck stores the outcome of a tick.
func (t *Tracker) RecordCheck(c Check) {
	t.mu.Lock()
	t.snap.LastCheck = c.At
	t.snap.Busy = c.Busy
	t.snap.Event = c.Event
	t.snap.ActiveEvents = c.ActiveEvents
	t.mu.Unlock()
}

// SetPhase sets the lifecycle phase.
func (t *Tracker) SetPhase(p Phase) {
	t.mu.Lock()
	t.snap.Phase = p
	t.mu.Unlock()
}

// SetErrorFlashing records whether the error flash is running.
func (t *Tracker) SetErrorFlashing(on bool) {
	t.mu.Lock()
	t.snap.ErrorFlashing = on
	t.mu.Unlock()
}

// SetVerified records port health.
func (t *Tracker) SetVerified(device, calendar bool) {
	t.mu.Lock()
	t.snap.DeviceVerified = device
	t.snap.CalendarVerified = calendar
	t.mu.Unlock()
}

// SetAgenda replaces today's agenda.
func (t *Tracker) SetAgenda(items []AgendaItem) {
	items = append([]AgendaItem(nil), items...)
	t.mu.Lock()
	t.snap.Agenda = items
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Agenda = append([]AgendaItem(nil), t.snap.Agenda...)
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
