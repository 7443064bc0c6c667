package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSystemTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "busylight/system"},
		{"office/light", "office/light/system"},
		{"office/light/", "office/light/system"},
	}
	for _, tt := range tests {
		if got := SystemTopic(tt.prefix); got != tt.want {
			t.Errorf("SystemTopic(%q): got %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
		Event:     EventShutdown,
		Reason:    "SIGTERM",
		Instance:  "abc",
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"system":{"timestamp":"2026-03-02T09:00:00Z","event":"SHUTDOWN","reason":"SIGTERM","instance":"abc"}}`
	if string(payload) != want {
		t.Errorf("payload:\ngot  %s\nwant %s", payload, want)
	}
}

func TestFormatSystemPayloadOmitsEmptyFields(t *testing.T) {
	payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Unix(0, 0), Event: EventHeartbeat})

	var raw map[string]map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := raw["system"]["reason"]; ok {
		t.Error("reason should be omitted")
	}
	if _, ok := raw["system"]["instance"]; ok {
		t.Error("instance should be omitted")
	}
}

func TestFormatSystemPayloadTimezoneConversion(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Date(2026, 3, 2, 11, 0, 0, 0, loc), Event: EventStartup})

	var parsed SystemPayload
	json.Unmarshal(payload, &parsed)
	if parsed.System.Timestamp != "2026-03-02T09:00:00Z" {
		t.Errorf("timestamp: got %s, want UTC", parsed.System.Timestamp)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{}}`)
	got, err := FormatSystemPayload(SystemEvent{Event: EventStatus, RawPayload: raw})
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(raw) {
		t.Errorf("got %s, want raw payload", got)
	}
}

func TestFakePublisherPublishSystem(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Event: EventStartup})
	f.PublishSystem(SystemEvent{Event: EventHeartbeat})

	got := f.EventNames()
	if len(got) != 2 || got[0] != EventStartup || got[1] != EventHeartbeat {
		t.Errorf("events: got %v", got)
	}
	if len(f.SystemPayloads) != 2 {
		t.Errorf("payloads: got %d, want 2", len(f.SystemPayloads))
	}

	f.PublishSystemError = errors.New("broker down")
	if err := f.PublishSystem(SystemEvent{Event: EventShutdown}); err == nil {
		t.Error("expected error")
	}

	if len(f.EventNames()) != 2 {
		t.Errorf("failed publish was recorded: %v", f.EventNames())
	}
}

func TestFakePublisherLatest(t *testing.T) {
	f := NewFakePublisher()
	f.PublishSystem(SystemEvent{Event: EventStatus, RawPayload: []byte("first")})
	f.PublishSystem(SystemEvent{Event: EventHeartbeat, RawPayload: []byte("beat")})
	f.PublishSystem(SystemEvent{Event: EventStatus, RawPayload: []byte("second")})

	got, ok := f.Latest(EventStatus)
	if !ok || string(got) != "second" {
		t.Errorf("Latest(STATUS): got %q, %v", got, ok)
	}
	if _, ok := f.Latest(EventShutdown); ok {
		t.Error("Latest(SHUTDOWN): expected none")
	}
}

func TestPublisherPublishesWhenConnected(t *testing.T) {
	client := newFakeClient(true)
	p := newPublisher(client, Config{TopicPrefix: "desk"}, zerolog.Nop())

	if err := p.PublishSystem(SystemEvent{Event: EventStatus, RawPayload: []byte(`{}`), Retained: true}); err != nil {
		t.Fatalf("PublishSystem: %v", err)
	}

	msgs := client.messages()
	if len(msgs) != 1 {
		t.Fatalf("published: got %d, want 1", len(msgs))
	}
	if msgs[0].topic != "desk/system" || msgs[0].qos != 1 || !msgs[0].retained {
		t.Errorf("message: got %+v", msgs[0])
	}
}

func TestPublisherBuffersWhileOffline(t *testing.T) {
	client := newFakeClient(false)
	p := newPublisher(client, Config{}, zerolog.Nop())

	for _, ev := range []string{EventStartup, EventHeartbeat, EventShutdown} {
		if err := p.PublishSystem(SystemEvent{Event: ev}); err != nil {
			t.Fatalf("PublishSystem(%s): %v", ev, err)
		}
	}
	if len(client.messages()) != 0 {
		t.Fatal("nothing should be sent while offline")
	}
	if p.Buffered() != 3 {
		t.Errorf("buffered: got %d, want 3", p.Buffered())
	}

	client.setConnected(true)
	p.flush()

	msgs := client.messages()
	if len(msgs) != 3 {
		t.Fatalf("replayed: got %d, want 3", len(msgs))
	}
	var first SystemPayload
	json.Unmarshal(msgs[0].payload, &first)
	if first.System.Event != EventStartup {
		t.Errorf("replay order: first event %q, want STARTUP", first.System.Event)
	}
	if p.Buffered() != 0 {
		t.Errorf("buffered after flush: got %d", p.Buffered())
	}
}

func TestPublisherKeepsLatestHeartbeatWhileOffline(t *testing.T) {
	client := newFakeClient(false)
	p := newPublisher(client, Config{}, zerolog.Nop())

	for i := 0; i < 5; i++ {
		p.PublishSystem(SystemEvent{Event: EventHeartbeat, RawPayload: []byte{byte('0' + i)}})
	}
	if p.Buffered() != 1 {
		t.Fatalf("buffered: got %d, want 1", p.Buffered())
	}

	client.setConnected(true)
	p.flush()
	msgs := client.messages()
	if len(msgs) != 1 || string(msgs[0].payload) != "4" {
		t.Errorf("replayed: got %+v", msgs)
	}
}

func TestPublisherRebuffersOnPublishError(t *testing.T) {
	client := newFakeClient(true)
	client.publishErr = errors.New("broker rejected")
	p := newPublisher(client, Config{}, zerolog.Nop())

	if err := p.PublishSystem(SystemEvent{Event: EventHeartbeat}); err == nil {
		t.Error("expected error")
	}
	if p.Buffered() != 1 {
		t.Errorf("buffered: got %d, want 1", p.Buffered())
	}
}

func TestPublisherBufferOverflowKeepsNewest(t *testing.T) {
	client := newFakeClient(false)
	p := newPublisher(client, Config{BufferSize: 2}, zerolog.Nop())

	p.PublishSystem(SystemEvent{Event: "A"})
	p.PublishSystem(SystemEvent{Event: "B"})
	p.PublishSystem(SystemEvent{Event: "C"})

	client.setConnected(true)
	p.flush()
	msgs := client.messages()
	if len(msgs) != 2 {
		t.Fatalf("replayed: got %d, want 2", len(msgs))
	}
	var last SystemPayload
	json.Unmarshal(msgs[1].payload, &last)
	if last.System.Event != "C" {
		t.Errorf("last event: got %q, want C", last.System.Event)
	}
}

func TestPublisherClose(t *testing.T) {
	client := newFakeClient(true)
	p := newPublisher(client, Config{}, zerolog.Nop())
	p.Close()
	if p.IsConnected() {
		t.Error("expected disconnected after Close")
	}
}
