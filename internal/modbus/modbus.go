// Package modbus drives the busy light through a single coil on a
// Modbus TCP relay module.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/device"
)

const (
	coilOn  = 0xFF00
	coilOff = 0x0000
)

type Config struct {
	Endpoint string
	UnitID   uint8
	Coil     uint16
	Timeout  time.Duration
}

// Coil implements device.Port. Requests are serialized because the
// handler's connection is not safe for concurrent use.
type Coil struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

func NewCoil(cfg Config, log zerolog.Logger) (*Coil, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("modbus coil: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Coil{cfg: cfg, log: log}, nil
}

var _ device.Port = (*Coil)(nil)

// OpenSession dials the endpoint, dropping any existing connection.
func (c *Coil) OpenSession(ctx context.Context) (device.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handler != nil {
		c.handler.Close()
		c.handler = nil
		c.client = nil
	}

	h := modbus.NewTCPClientHandler(c.cfg.Endpoint)
	h.Timeout = c.timeout(ctx)
	h.SlaveId = c.cfg.UnitID
	if err := h.Connect(); err != nil {
		return device.Session{}, fmt.Errorf("%w: connect %s: %v", device.ErrDevice, c.cfg.Endpoint, err)
	}

	c.handler = h
	c.client = modbus.NewClient(h)
	c.log.Debug().Str("endpoint", c.cfg.Endpoint).Uint8("unit", c.cfg.UnitID).Msg("modbus connected")
	return device.Session{Transport: "modbus", Endpoint: fmt.Sprintf("%s/%d/%d", c.cfg.Endpoint, c.cfg.UnitID, c.cfg.Coil), OpenedAt: time.Now()}, nil
}

func (c *Coil) ReadState(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return false, fmt.Errorf("%w: not connected", device.ErrDevice)
	}
	c.handler.Timeout = c.timeout(ctx)

	res, err := c.client.ReadCoils(c.cfg.Coil, 1)
	if err != nil {
		return false, fmt.Errorf("%w: read coil %d: %v", device.ErrDevice, c.cfg.Coil, err)
	}
	if len(res) == 0 {
		return false, fmt.Errorf("%w: read coil %d: empty response", device.ErrDevice, c.cfg.Coil)
	}
	return res[0]&0x01 != 0, nil
}

func (c *Coil) WriteState(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return fmt.Errorf("%w: not connected", device.ErrDevice)
	}
	c.handler.Timeout = c.timeout(ctx)

	value := uint16(coilOff)
	if on {
		value = coilOn
	}
	if _, err := c.client.WriteSingleCoil(c.cfg.Coil, value); err != nil {
		return fmt.Errorf("%w: write coil %d: %v", device.ErrDevice, c.cfg.Coil, err)
	}
	return nil
}

func (c *Coil) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handler == nil {
		return nil
	}
	err := c.handler.Close()
	c.handler = nil
	c.client = nil
	return err
}

// timeout bounds a request by the configured timeout and ctx's deadline.
func (c *Coil) timeout(ctx context.Context) time.Duration {
	t := c.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < t {
			t = left
		}
	}
	return t
}
