// Package device drives the busy-light switch.
// Transports (GPIO relay, Modbus coil, MQTT smart plug) implement Port;
// Controller adds retries, health-aware reconnects and flash sequences.
package device

import (
	"context"
	"errors"
	"time"
)

// ErrDevice is wrapped by transports when the switch rejects or fails a
// read, write or session request.
var ErrDevice = errors.New("device error")

// Session describes an open connection to the switch.
type Session struct {
	Transport string
	Endpoint  string
	OpenedAt  time.Time
}

// Port is the transport-level capability the Controller drives.
type Port interface {
	// OpenSession (re)establishes the connection, replacing any existing one.
	OpenSession(ctx context.Context) (Session, error)

	// ReadState returns the current switch state (true = ON).
	ReadState(ctx context.Context) (bool, error)

	// WriteState sets the switch.
	WriteState(ctx context.Context, on bool) error

	// Close releases transport resources.
	Close() error
}

// StateString renders a switch state for logs and status output.
func StateString(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}
