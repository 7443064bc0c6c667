package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// DefaultBufferSize is how many system events are held while offline.
const DefaultBufferSize = 100

// Config configures the system event publisher.
type Config struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	Instance    string
	BufferSize  int
}

func clientOptions(broker, clientID string) *paho.ClientOptions {
	return paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
}

// RealPublisher publishes to an actual MQTT broker. Events published
// while disconnected are buffered and replayed on reconnect.
type RealPublisher struct {
	client paho.Client
	topic  string
	log    zerolog.Logger

	mu  sync.Mutex
	out *outbox
}

// NewRealPublisher creates a publisher for the given broker. If the broker
// is not reachable within 10s the publisher is still returned; paho keeps
// retrying in the background and events are buffered meanwhile.
func NewRealPublisher(cfg Config, log zerolog.Logger) (*RealPublisher, error) {
	p := newPublisher(nil, cfg, log)

	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventOffline, Instance: cfg.Instance})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}
	opts := clientOptions(cfg.Broker, cfg.ClientID).
		SetWill(p.topic, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) { p.flush() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	p.client = paho.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		log.Warn().Str("broker", cfg.Broker).Msg("mqtt broker not reachable yet, buffering events")
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(client paho.Client, cfg Config, log zerolog.Logger) *RealPublisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RealPublisher{
		client: client,
		topic:  SystemTopic(cfg.TopicPrefix),
		log:    log,
		out:    newOutbox(size, log),
	}
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	msg := pendingEvent{event: event.Event, topic: p.topic, payload: payload, retained: event.Retained}

	if !p.client.IsConnected() {
		p.mu.Lock()
		p.out.add(msg)
		p.mu.Unlock()
		p.log.Debug().Str("event", event.Event).Msg("mqtt offline, event buffered")
		return nil
	}

	if err := p.send(msg); err != nil {
		p.mu.Lock()
		p.out.add(msg)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *RealPublisher) send(msg pendingEvent) error {
	token := p.client.Publish(msg.topic, 1, msg.retained, msg.payload)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("publish system timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish system: %w", err)
	}
	return nil
}

// flush replays queued events oldest first. Runs on every (re)connect.
func (p *RealPublisher) flush() {
	p.mu.Lock()
	pending := p.out.take()
	p.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	p.log.Info().Int("count", len(pending)).Msg("replaying buffered mqtt events")
	for i, msg := range pending {
		if err := p.send(msg); err != nil {
			p.log.Warn().Err(err).Msg("replay failed, re-buffering")
			p.mu.Lock()
			p.out.requeue(pending[i:])
			p.mu.Unlock()
			return
		}
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnected()
}

// Buffered returns the number of events waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}

// waitToken waits for token, the timeout or ctx, whichever comes first.
func waitToken(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("mqtt timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}
