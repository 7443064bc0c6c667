// Package logic contains the pure busy/free decision and change detection.
// This package has NO external dependencies (no calendar, device, OS, or time.Sleep).
package logic

// State is the busy-light state derived each tick.
type State string

const (
	StateBusy State = "BUSY"
	StateFree State = "FREE"
)

// StateOf maps a switch state to a busy state.
func StateOf(on bool) State {
	if on {
		return StateBusy
	}
	return StateFree
}

// Input is the outcome of one tick's two calendar queries.
type Input struct {
	Soon      bool   // an opaque event overlaps [now, now+lead]
	SoonEvent string // its title
	Now       bool   // an opaque event is in progress
	NowEvent  string
}

// Decision is the desired light state for a tick.
type Decision struct {
	On    bool
	Event string
	// Upcoming is set when the light is on only because of an event that
	// has not started yet.
	Upcoming bool
}

// Transition classifies a tick relative to the previous one, for logging.
type Transition string

const (
	TransitionUpcoming  Transition = "UPCOMING"
	TransitionBusy      Transition = "CURRENTLY_BUSY"
	TransitionNowFree   Transition = "NOW_FREE"
	TransitionStillFree Transition = "STILL_FREE"
	TransitionNone      Transition = "NONE" // still busy with the same event
)

// Step is what the caller should do after observing a decision.
type Step struct {
	Transition Transition
	// NewEvent is set when the light stays busy but the event changed.
	NewEvent bool
	// Write is set when the device must be switched to Decision.On.
	Write bool
}
