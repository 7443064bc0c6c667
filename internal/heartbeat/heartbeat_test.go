package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/mqtt"
)

type recordingSink struct {
	mu    sync.Mutex
	beats []time.Time
	err   error
	beat  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{beat: make(chan struct{}, 16)}
}

func (r *recordingSink) Beat(_ context.Context, at time.Time) error {
	r.mu.Lock()
	r.beats = append(r.beats, at)
	r.mu.Unlock()
	r.beat <- struct{}{}
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.beats)
}

func waitBeat(t *testing.T, s *recordingSink) {
	t.Helper()
	select {
	case <-s.beat:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for beat")
	}
}

func TestRunBeatsImmediatelyThenOnTick(t *testing.T) {
	sink := newRecordingSink()
	ticks := make(chan time.Time)
	p := New(time.Hour, []Sink{sink}, WithTicks(ticks))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	waitBeat(t, sink)
	ticks <- time.Now()
	waitBeat(t, sink)
	ticks <- time.Now()
	waitBeat(t, sink)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := sink.count(); got != 3 {
		t.Errorf("beats: got %d, want 3", got)
	}
}

func TestRunContinuesAfterSinkError(t *testing.T) {
	failing := newRecordingSink()
	failing.err = errors.New("disk full")
	ok := newRecordingSink()
	ticks := make(chan time.Time)
	p := New(time.Hour, []Sink{failing, ok}, WithTicks(ticks))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitBeat(t, failing)
	waitBeat(t, ok)
	ticks <- time.Now()
	waitBeat(t, failing)
	waitBeat(t, ok)
}

func TestRunRecordsMetric(t *testing.T) {
	at := time.Unix(1772442000, 0)
	m := metrics.New()
	sink := newRecordingSink()
	p := New(time.Hour, []Sink{sink}, WithTicks(make(chan time.Time)), WithClock(func() time.Time { return at }), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	waitBeat(t, sink)
	cancel()
	<-done

	want := `
# HELP busylight_last_heartbeat_timestamp_seconds Unix time of the last heartbeat
# TYPE busylight_last_heartbeat_timestamp_seconds gauge
busylight_last_heartbeat_timestamp_seconds 1.772442e+09
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "busylight_last_heartbeat_timestamp_seconds"); err != nil {
		t.Error(err)
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	if p := New(0, nil); p.interval != DefaultInterval {
		t.Errorf("interval: got %v, want %v", p.interval, DefaultInterval)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "heartbeat")
	s := NewFileSink(path)
	at := time.Unix(1772442000, 0)

	if err := s.Beat(context.Background(), at); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != "1772442000" {
		t.Errorf("content: got %q", got)
	}

	s.Beat(context.Background(), at.Add(30*time.Second))
	data, _ = os.ReadFile(path)
	if got := strings.TrimSpace(string(data)); got != "1772442030" {
		t.Errorf("overwritten content: got %q", got)
	}
}

func TestMQTTSinkPlainEvent(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	s := NewMQTTSink(pub, "inst-1", nil)
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	if err := s.Beat(context.Background(), at); err != nil {
		t.Fatalf("Beat: %v", err)
	}
	if len(pub.SystemEvents) != 1 {
		t.Fatalf("events: got %d, want 1", len(pub.SystemEvents))
	}
	var payload mqtt.SystemPayload
	json.Unmarshal(pub.SystemPayloads[0], &payload)
	if payload.System.Event != "HEARTBEAT" || payload.System.Instance != "inst-1" {
		t.Errorf("payload: got %+v", payload.System)
	}
}

func TestMQTTSinkStatusPayload(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	s := NewMQTTSink(pub, "inst-1", func(event string) []byte {
		return []byte(`{"status":{"event":"` + event + `"}}`)
	})

	s.Beat(context.Background(), time.Now())
	ev := pub.SystemEvents[0]
	if !ev.Retained {
		t.Error("status heartbeat should be retained")
	}
	if string(pub.SystemPayloads[0]) != `{"status":{"event":"HEARTBEAT"}}` {
		t.Errorf("payload: got %s", pub.SystemPayloads[0])
	}
}

func TestMQTTSinkError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("offline")
	if err := NewMQTTSink(pub, "", nil).Beat(context.Background(), time.Now()); err == nil {
		t.Error("expected error")
	}
}
