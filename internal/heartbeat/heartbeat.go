// Package heartbeat publishes a periodic liveness signal so an external
// supervisor can tell the daemon is alive.
package heartbeat

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/fileutil"
	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/mqtt"
)

// DefaultInterval is the time between beats.
const DefaultInterval = 30 * time.Second

// Sink receives beats.
type Sink interface {
	Beat(ctx context.Context, at time.Time) error
}

// FileSink overwrites a liveness file with the unix timestamp of each beat.
type FileSink struct {
	path string
}

func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

func (f *FileSink) Beat(_ context.Context, at time.Time) error {
	return fileutil.WriteAtomic(f.path, []byte(strconv.FormatInt(at.Unix(), 10)+"\n"), 0o644)
}

// MQTTSink publishes a HEARTBEAT system event. If payload is non-nil
// its result is sent as a retained status snapshot instead of the
// plain event.
type MQTTSink struct {
	pub      mqtt.Publisher
	instance string
	payload  func(event string) []byte
}

func NewMQTTSink(pub mqtt.Publisher, instance string, payload func(event string) []byte) *MQTTSink {
	return &MQTTSink{pub: pub, instance: instance, payload: payload}
}

func (m *MQTTSink) Beat(_ context.Context, at time.Time) error {
	ev := mqtt.SystemEvent{Timestamp: at, Event: mqtt.EventHeartbeat, Instance: m.instance}
	if m.payload != nil {
		ev.RawPayload = m.payload(mqtt.EventHeartbeat)
		ev.Retained = true
	}
	return m.pub.PublishSystem(ev)
}

// Publisher beats every interval until its context is cancelled.
type Publisher struct {
	interval time.Duration
	sinks    []Sink
	now      func() time.Time
	ticks    <-chan time.Time
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithTicks replaces the interval ticker; used by tests.
func WithTicks(ch <-chan time.Time) Option {
	return func(p *Publisher) { p.ticks = ch }
}

// WithLogger sets the publisher logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// WithMetrics records the time of each beat.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a Publisher. A non-positive interval means DefaultInterval.
func New(interval time.Duration, sinks []Sink, opts ...Option) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Publisher{
		interval: interval,
		sinks:    sinks,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run beats immediately, then every interval, until ctx is done.
// Sink failures are logged and never stop the loop.
func (p *Publisher) Run(ctx context.Context) {
	ticks := p.ticks
	if ticks == nil {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	p.log.Info().Dur("interval", p.interval).Msg("heartbeat started")
	defer p.log.Info().Msg("heartbeat stopped")

	p.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			p.beat(ctx)
		}
	}
}

func (p *Publisher) beat(ctx context.Context) {
	at := p.now()
	for _, s := range p.sinks {
		if err := s.Beat(ctx, at); err != nil {
			p.log.Warn().Err(err).Msg("heartbeat sink failed")
		}
	}
	p.metrics.Heartbeat(at)
}
