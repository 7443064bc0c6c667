// Package netprobe checks basic outbound network reachability.
package netprobe

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/retry"
)

// ErrNetworkUnavailable describes a negative connectivity probe.
var ErrNetworkUnavailable = errors.New("network unavailable")

// DefaultAddress is a well-known, highly available TCP endpoint (public DNS).
const DefaultAddress = "8.8.8.8:53"

// DialFunc opens a connection; net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Probe dials a fixed address to decide whether the network is usable.
type Probe struct {
	address string
	timeout time.Duration
	dial    DialFunc
	now     func() time.Time
	sleep   retry.SleepFunc
	log     zerolog.Logger
}

// Option configures a Probe.
type Option func(*Probe)

// WithDial replaces the dialer.
func WithDial(fn DialFunc) Option {
	return func(p *Probe) { p.dial = fn }
}

func WithClock(now func() time.Time) Option {
	return func(p *Probe) { p.now = now }
}

// WithSleep replaces the wait between probes in WaitForReachable.
func WithSleep(fn retry.SleepFunc) Option {
	return func(p *Probe) { p.sleep = fn }
}

// New creates a Probe for address. An empty address uses DefaultAddress.
func New(address string, timeout time.Duration, log zerolog.Logger, opts ...Option) *Probe {
	if address == "" {
		address = DefaultAddress
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	var d net.Dialer
	p := &Probe{
		address: address,
		timeout: timeout,
		dial:    d.DialContext,
		now:     time.Now,
		sleep:   retry.Sleep,
		log:     log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsReachable reports whether a connection to the probe address succeeds
// within timeout. A non-positive timeout uses the probe default.
func (p *Probe) IsReachable(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = p.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.address)
	if err != nil {
		p.log.Debug().Str("address", p.address).Err(err).Msg("connectivity probe failed")
		return false
	}
	conn.Close()
	return true
}

// WaitForReachable polls IsReachable every interval until it succeeds,
// maxWait elapses, or ctx is done. It returns false on timeout.
func (p *Probe) WaitForReachable(ctx context.Context, maxWait, interval time.Duration) bool {
	p.log.Info().Dur("max_wait", maxWait).Msg("waiting for network connectivity")
	deadline := p.now().Add(maxWait)

	for p.now().Before(deadline) {
		if p.IsReachable(ctx, 0) {
			p.log.Info().Msg("network connectivity restored")
			return true
		}
		p.log.Info().Dur("retry_in", interval).Msg("network still unavailable")
		if err := p.sleep(ctx, interval); err != nil {
			return false
		}
	}

	p.log.Error().Err(ErrNetworkUnavailable).Dur("waited", maxWait).Msg("network not available after max wait")
	return false
}
