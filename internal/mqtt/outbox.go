package mqtt

import "github.com/rs/zerolog"

// pendingEvent is a formatted system event waiting for a broker connection.
type pendingEvent struct {
	event    string
	topic    string
	payload  []byte
	retained bool
}

// snapshot events carry the full status; only the newest one matters.
func snapshot(event string) bool {
	return event == EventStatus || event == EventHeartbeat
}

// outbox queues events while the broker is unreachable. A queued STATUS or
// HEARTBEAT is replaced by a newer one of the same kind; lifecycle events
// (STARTUP, SHUTDOWN) are always kept. When full, the oldest event goes.
// Callers hold the publisher mutex.
type outbox struct {
	pending []pendingEvent
	limit   int
	dropped int
	log     zerolog.Logger
}

func newOutbox(limit int, log zerolog.Logger) *outbox {
	return &outbox{limit: limit, log: log}
}

func (o *outbox) add(ev pendingEvent) {
	if snapshot(ev.event) {
		for i := range o.pending {
			if o.pending[i].event == ev.event && o.pending[i].topic == ev.topic {
				copy(o.pending[i:], o.pending[i+1:])
				o.pending[len(o.pending)-1] = ev
				return
			}
		}
	}
	if len(o.pending) >= o.limit {
		if o.dropped == 0 {
			o.log.Warn().Int("limit", o.limit).Msg("mqtt outbox full, dropping oldest event")
		}
		o.dropped++
		o.pending = o.pending[1:]
	}
	o.pending = append(o.pending, ev)
}

// requeue puts events back at the front after a failed replay.
func (o *outbox) requeue(evs []pendingEvent) {
	rest := o.pending
	o.pending = nil
	for _, ev := range evs {
		o.add(ev)
	}
	for _, ev := range rest {
		o.add(ev)
	}
}

// take empties the outbox, returning events oldest first.
func (o *outbox) take() []pendingEvent {
	if len(o.pending) == 0 {
		return nil
	}
	out := o.pending
	o.pending = nil
	if o.dropped > 0 {
		o.log.Warn().Int("dropped", o.dropped).Msg("mqtt events lost while offline")
		o.dropped = 0
	}
	return out
}

func (o *outbox) len() int { return len(o.pending) }
