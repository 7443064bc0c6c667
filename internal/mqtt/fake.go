package mqtt

import "sync"

// FakePublisher records system events in memory. Read the exported slices
// only after publishing has stopped; EventNames and Latest lock.
type FakePublisher struct {
	mu sync.Mutex

	SystemEvents   []SystemEvent
	SystemPayloads [][]byte

	// PublishSystemError, if set, fails every publish.
	PublishSystemError error

	// Connected is returned by IsConnected.
	Connected bool
}

// NewFakePublisher returns an empty FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishSystem records event and its formatted payload.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)
	return nil
}

// EventNames returns the recorded event names in publish order.
func (f *FakePublisher) EventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}

// Latest returns the payload of the most recent event named event.
func (f *FakePublisher) Latest(event string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.SystemEvents) - 1; i >= 0; i-- {
		if f.SystemEvents[i].Event == event {
			return f.SystemPayloads[i], true
		}
	}
	return nil, false
}

func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

func (f *FakePublisher) Close() error { return nil }
