// Package gpio drives a busy-light relay from a GPIO output line.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/device"
)

// Line is a requested output line.
type Line interface {
	// Value returns the raw line level (0 or 1).
	Value() (int, error)

	// SetValue drives the line to the raw level.
	SetValue(value int) error

	// Close releases the line.
	Close() error
}

// OpenFunc requests the relay line as an output driven to initial.
type OpenFunc func(initial int) (Line, error)

// Default line on the first chip (BCM numbering).
const (
	DefaultChip = "gpiochip0"
	DefaultLine = 17
)

// Relay implements device.Port for a relay module on a GPIO line.
// Many relay boards energise on a low level; ActiveLow inverts the mapping.
type Relay struct {
	open      OpenFunc
	endpoint  string
	activeLow bool
	log       zerolog.Logger

	mu   sync.Mutex
	line Line
	// last is the raw level written, used as the initial value on re-open
	// so reconnects don't glitch the relay.
	last int
}

// NewRelay creates a relay port. endpoint is descriptive (e.g. "gpiochip0:17").
func NewRelay(open OpenFunc, endpoint string, activeLow bool, log zerolog.Logger) *Relay {
	r := &Relay{open: open, endpoint: endpoint, activeLow: activeLow, log: log}
	r.last = r.raw(false)
	return r
}

var _ device.Port = (*Relay)(nil)

func (r *Relay) raw(on bool) int {
	if on != r.activeLow {
		return 1
	}
	return 0
}

func (r *Relay) logical(raw int) bool {
	return (raw != 0) != r.activeLow
}

// OpenSession requests the line, releasing any previous request first.
func (r *Relay) OpenSession(ctx context.Context) (device.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.line != nil {
		if err := r.line.Close(); err != nil {
			r.log.Debug().Err(err).Msg("releasing previous line")
		}
		r.line = nil
	}

	line, err := r.open(r.last)
	if err != nil {
		return device.Session{}, fmt.Errorf("%w: request %s: %v", device.ErrDevice, r.endpoint, err)
	}
	r.line = line
	return device.Session{Transport: "gpio", Endpoint: r.endpoint, OpenedAt: time.Now()}, nil
}

func (r *Relay) ReadState(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.line == nil {
		return false, fmt.Errorf("%w: line %s not requested", device.ErrDevice, r.endpoint)
	}
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("%w: read %s: %v", device.ErrDevice, r.endpoint, err)
	}
	return r.logical(v), nil
}

func (r *Relay) WriteState(ctx context.Context, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.line == nil {
		return fmt.Errorf("%w: line %s not requested", device.ErrDevice, r.endpoint)
	}
	v := r.raw(on)
	if err := r.line.SetValue(v); err != nil {
		return fmt.Errorf("%w: write %s: %v", device.ErrDevice, r.endpoint, err)
	}
	r.last = v
	return nil
}

// Close releases the line. Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.line == nil {
		return nil
	}
	err := r.line.Close()
	r.line = nil
	return err
}
