package mqtt

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/device"
)

// SwitchConfig configures a Tasmota-style plug.
type SwitchConfig struct {
	Broker   string
	ClientID string
	// Topic is the device topic, as in cmnd/<Topic>/POWER.
	Topic   string
	Timeout time.Duration
}

// Switch implements device.Port for a plug speaking the Tasmota POWER
// protocol: commands on cmnd/<topic>/POWER, state on stat/<topic>/POWER.
// An empty command payload queries the state.
type Switch struct {
	client   paho.Client
	cmnd     string
	stat     string
	endpoint string
	timeout  time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	replies chan bool
}

// NewSwitch creates a Switch. No connection is made until OpenSession.
func NewSwitch(cfg SwitchConfig, log zerolog.Logger) *Switch {
	opts := clientOptions(cfg.Broker, cfg.ClientID).SetConnectRetry(false)
	return newSwitch(paho.NewClient(opts), cfg, log)
}

func newSwitch(client paho.Client, cfg SwitchConfig, log zerolog.Logger) *Switch {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Switch{
		client:   client,
		cmnd:     "cmnd/" + cfg.Topic + "/POWER",
		stat:     "stat/" + cfg.Topic + "/POWER",
		endpoint: cfg.Broker + "/" + cfg.Topic,
		timeout:  cfg.Timeout,
		log:      log,
		replies:  make(chan bool, 4),
	}
}

var _ device.Port = (*Switch)(nil)

// OpenSession connects to the broker if needed and subscribes to state reports.
func (s *Switch) OpenSession(ctx context.Context) (device.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.client.IsConnectionOpen() {
		if err := waitToken(ctx, s.client.Connect(), s.timeout); err != nil {
			return device.Session{}, fmt.Errorf("%w: connect %s: %v", device.ErrDevice, s.endpoint, err)
		}
	}
	if err := waitToken(ctx, s.client.Subscribe(s.stat, 1, s.onState), s.timeout); err != nil {
		return device.Session{}, fmt.Errorf("%w: subscribe %s: %v", device.ErrDevice, s.stat, err)
	}
	return device.Session{Transport: "mqtt", Endpoint: s.endpoint, OpenedAt: time.Now()}, nil
}

func (s *Switch) onState(_ paho.Client, msg paho.Message) {
	on, ok := parsePower(msg.Payload())
	if !ok {
		s.log.Debug().Str("payload", string(msg.Payload())).Msg("ignoring unrecognised POWER report")
		return
	}
	select {
	case s.replies <- on:
	default:
	}
}

func parsePower(payload []byte) (bool, bool) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1":
		return true, true
	case "OFF", "0":
		return false, true
	}
	return false, false
}

func (s *Switch) ReadState(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.command(ctx, "", nil)
}

func (s *Switch) WriteState(ctx context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.command(ctx, device.StateString(on), &on)
	return err
}

// command publishes payload and waits for a state report. If want is set
// only a matching report completes the command.
func (s *Switch) command(ctx context.Context, payload string, want *bool) (bool, error) {
	if !s.client.IsConnected() {
		return false, fmt.Errorf("%w: %s not connected", device.ErrDevice, s.endpoint)
	}
	s.drain()

	if err := waitToken(ctx, s.client.Publish(s.cmnd, 1, false, payload), s.timeout); err != nil {
		return false, fmt.Errorf("%w: publish %s: %v", device.ErrDevice, s.cmnd, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case on := <-s.replies:
			if want == nil || on == *want {
				return on, nil
			}
		case <-timer.C:
			return false, fmt.Errorf("%w: no POWER report from %s", device.ErrDevice, s.endpoint)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// drain discards stale reports so a reply is matched to its command.
func (s *Switch) drain() {
	for {
		select {
		case <-s.replies:
		default:
			return
		}
	}
}

func (s *Switch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.stat).WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	return nil
}
