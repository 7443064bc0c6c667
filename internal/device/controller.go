package device

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/health"
	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/retry"
)

// DefaultErrorCadence is the on/off period of the error flash.
const DefaultErrorCadence = 300 * time.Millisecond

// Controller wraps a Port with retries, reconnect-on-demand and flash
// sequences. All public methods are total: failures are logged and
// reported as false, never returned as errors.
//
// Port access is serialized by mu, so an error flash running in the
// background can never interleave a toggle with a main-loop write.
type Controller struct {
	mu      sync.Mutex
	port    Port
	health  *health.Health
	exec    *retry.Executor
	policy  retry.Policy
	cadence time.Duration
	sleep   retry.SleepFunc
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics

	session    Session
	opened     bool
	lastState  bool
	stateKnown bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides retry.DefaultPolicy.
func WithPolicy(p retry.Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithSleep replaces the wait between flash toggles.
func WithSleep(fn retry.SleepFunc) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithClock replaces time.Now for health bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithErrorCadence sets the error flash period.
func WithErrorCadence(d time.Duration) Option {
	return func(c *Controller) { c.cadence = d }
}

// WithMetrics records writes and verification state.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// NewController creates a Controller. exec may be shared with other components.
func NewController(port Port, h *health.Health, exec *retry.Executor, opts ...Option) *Controller {
	c := &Controller{
		port:    port,
		health:  h,
		exec:    exec,
		policy:  retry.DefaultPolicy,
		cadence: DefaultErrorCadence,
		sleep:   retry.Sleep,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type connectResult struct {
	session Session
	on      bool
}

// Connect opens a session and reads the current state to verify it.
func (c *Controller) Connect(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Controller) connectLocked(ctx context.Context) bool {
	res, err := retry.Do(ctx, c.exec, c.policy, "device.connect", func(ctx context.Context) (connectResult, error) {
		s, err := c.port.OpenSession(ctx)
		if err != nil {
			return connectResult{}, err
		}
		on, err := c.port.ReadState(ctx)
		if err != nil {
			return connectResult{}, err
		}
		return connectResult{session: s, on: on}, nil
	})
	if err != nil {
		c.log.Error().Err(err).Msg("device connection failed")
		c.health.Invalidate()
		c.metrics.SetVerified("device", false)
		return false
	}

	c.session = res.session
	c.opened = true
	c.lastState = res.on
	c.stateKnown = true
	c.health.MarkVerified(c.now())
	c.metrics.SetVerified("device", true)
	c.log.Info().
		Str("transport", res.session.Transport).
		Str("endpoint", res.session.Endpoint).
		Str("state", StateString(res.on)).
		Msg("device connected")
	return true
}

// EnsureConnection reconnects when health is stale or unverified,
// otherwise probes the live session once and reconnects if that fails.
func (c *Controller) EnsureConnection(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLocked(ctx)
}

func (c *Controller) ensureLocked(ctx context.Context) bool {
	if !c.health.IsFresh() {
		c.log.Info().Msg("reconnecting to device")
		return c.connectLocked(ctx)
	}

	if _, err := c.port.ReadState(ctx); err != nil {
		c.log.Warn().Err(err).Msg("device connection check failed, reconnecting")
		return c.connectLocked(ctx)
	}
	c.health.MarkVerified(c.now())
	return true
}

// SetState ensures a connection and writes on. It returns false without
// writing when no connection can be established.
func (c *Controller) SetState(ctx context.Context, on bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.ensureLocked(ctx) {
		c.log.Error().Msg("cannot establish device connection")
		return false
	}

	err := retry.Run(ctx, c.exec, c.policy, "device.write", func(ctx context.Context) error {
		return c.port.WriteState(ctx, on)
	})
	c.metrics.DeviceWrite(on, err == nil)
	if err != nil {
		// A cancelled caller says nothing about the device.
		if ctx.Err() == nil {
			c.log.Error().Err(err).Str("state", StateString(on)).Msg("failed to set switch state")
			c.health.Invalidate()
			c.metrics.SetVerified("device", false)
		}
		return false
	}

	c.lastState = on
	c.stateKnown = true
	c.log.Debug().Str("state", StateString(on)).Str("transport", c.session.Transport).Msg("switch set")
	return true
}

// Flash toggles ON/OFF times times, waiting interval after each toggle,
// then restores the pre-flash state if it was ON. Any failed toggle
// aborts the sequence without restoring.
func (c *Controller) Flash(ctx context.Context, times int, interval time.Duration) bool {
	c.mu.Lock()
	opened := c.opened
	original, known := c.lastState, c.stateKnown
	c.mu.Unlock()

	if !opened {
		return false
	}

	c.log.Info().Int("times", times).Msg("flashing switch")
	for i := 0; i < times; i++ {
		for _, on := range []bool{true, false} {
			if !c.SetState(ctx, on) {
				return false
			}
			if err := c.sleep(ctx, interval); err != nil {
				return false
			}
		}
	}

	// The last toggle left the switch OFF.
	if known && original {
		c.SetState(ctx, original)
	}
	return true
}

// FlashError toggles the switch at the error cadence until ctx is done.
// ctx is checked after every wait, so it stops within one cadence.
func (c *Controller) FlashError(ctx context.Context) {
	c.log.Warn().Dur("cadence", c.cadence).Msg("starting error flash")
	for ctx.Err() == nil {
		c.SetState(ctx, true)
		if err := c.sleep(ctx, c.cadence); err != nil {
			break
		}
		c.SetState(ctx, false)
		if err := c.sleep(ctx, c.cadence); err != nil {
			break
		}
	}
	c.log.Info().Msg("error flash stopped")
}

// Verified reports the health flag regardless of staleness.
func (c *Controller) Verified() bool {
	return c.health.Verified()
}

// LastState returns the last state read or written, and whether one is known.
func (c *Controller) LastState() (on, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastState, c.stateKnown
}

// Session returns the current session, if one was ever opened.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.opened
}

// Close releases the port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
