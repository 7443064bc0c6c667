package logic

// Decide combines the two busy queries. The light is on if either fires;
// when both do, the busy-within event names the state.
func Decide(in Input) Decision {
	d := Decision{On: in.Soon || in.Now}
	switch {
	case in.Soon && in.SoonEvent != "":
		d.Event = in.SoonEvent
	case in.Now:
		d.Event = in.NowEvent
	}
	d.Upcoming = in.Soon && !in.Now
	return d
}

// Tracker holds the state that survives between ticks: the previous
// decision (for transition logging) and the last state written to the
// device (for change detection).
type Tracker struct {
	prevBusy  bool
	prevEvent string

	tracked bool
	known   bool
}

// NewTracker creates a Tracker with no device state recorded, so the
// first observation always writes.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe records d as the current decision and reports the transition
// and whether a device write is needed.
func (t *Tracker) Observe(d Decision) Step {
	var s Step
	switch {
	case d.On && (!t.prevBusy || d.Event != t.prevEvent):
		s.Transition = TransitionBusy
		if d.Upcoming {
			s.Transition = TransitionUpcoming
		}
		s.NewEvent = t.prevBusy
	case d.On:
		s.Transition = TransitionNone
	case t.prevBusy:
		s.Transition = TransitionNowFree
	default:
		s.Transition = TransitionStillFree
	}
	s.Write = !t.known || d.On != t.tracked

	t.prevBusy = d.On
	t.prevEvent = d.Event
	return s
}

// Written records a successful device write.
func (t *Tracker) Written(on bool) {
	t.tracked = on
	t.known = true
}

// Invalidate forgets the device state, e.g. after an error flash left the
// switch in an arbitrary position. The next Observe will write.
func (t *Tracker) Invalidate() {
	t.known = false
}

// Tracked returns the last written state and whether one is recorded.
func (t *Tracker) Tracked() (on, known bool) {
	return t.tracked, t.known
}

// Busy returns the previous decision's busy flag and event name.
func (t *Tracker) Busy() (bool, string) {
	return t.prevBusy, t.prevEvent
}
