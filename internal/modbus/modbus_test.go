package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/device"
)

// relayServer answers function codes 1 (read coils) and 5 (write single
// coil) over Modbus TCP, like a cheap Ethernet relay board.
type relayServer struct {
	ln net.Listener

	mu     sync.Mutex
	coils  map[uint16]bool
	writes int
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &relayServer{ln: ln, coils: map[uint16]bool{}}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *relayServer) addr() string { return s.ln.Addr().String() }

func (s *relayServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *relayServer) handle(conn net.Conn) {
	defer conn.Close()
	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		pdu := make([]byte, int(binary.BigEndian.Uint16(header[4:]))-1)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		var resp []byte
		addr := binary.BigEndian.Uint16(pdu[1:])
		s.mu.Lock()
		switch pdu[0] {
		case 1:
			var b byte
			if s.coils[addr] {
				b = 1
			}
			resp = []byte{1, 1, b}
		case 5:
			s.coils[addr] = binary.BigEndian.Uint16(pdu[3:]) == coilOn
			s.writes++
			resp = pdu
		default:
			resp = []byte{pdu[0] | 0x80, 1}
		}
		s.mu.Unlock()

		out := make([]byte, 7+len(resp))
		copy(out, header[:4])
		binary.BigEndian.PutUint16(out[4:], uint16(len(resp)+1))
		out[6] = header[6]
		copy(out[7:], resp)
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func (s *relayServer) coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

func TestCoilWriteAndRead(t *testing.T) {
	srv := newRelayServer(t)
	c, err := NewCoil(Config{Endpoint: srv.addr(), UnitID: 1, Coil: 3, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	s, err := c.OpenSession(ctx)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if s.Transport != "modbus" {
		t.Errorf("transport: got %q", s.Transport)
	}

	on, err := c.ReadState(ctx)
	if err != nil || on {
		t.Fatalf("initial ReadState: got (%v, %v), want (false, nil)", on, err)
	}

	if err := c.WriteState(ctx, true); err != nil {
		t.Fatalf("WriteState: %v", err)
	}
	if !srv.coil(3) {
		t.Error("coil 3 should be set on the server")
	}
	on, err = c.ReadState(ctx)
	if err != nil || !on {
		t.Errorf("ReadState after ON: got (%v, %v)", on, err)
	}

	if err := c.WriteState(ctx, false); err != nil {
		t.Fatalf("WriteState OFF: %v", err)
	}
	if srv.coil(3) {
		t.Error("coil 3 should be cleared")
	}
}

func TestCoilRequiresSession(t *testing.T) {
	c, _ := NewCoil(Config{Endpoint: "127.0.0.1:1"}, zerolog.Nop())
	ctx := context.Background()

	if err := c.WriteState(ctx, true); !errors.Is(err, device.ErrDevice) {
		t.Errorf("WriteState: got %v, want ErrDevice", err)
	}
	if _, err := c.ReadState(ctx); !errors.Is(err, device.ErrDevice) {
		t.Errorf("ReadState: got %v, want ErrDevice", err)
	}
}

func TestCoilConnectRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	c, _ := NewCoil(Config{Endpoint: addr, Timeout: 200 * time.Millisecond}, zerolog.Nop())
	if _, err := c.OpenSession(context.Background()); !errors.Is(err, device.ErrDevice) {
		t.Errorf("got %v, want ErrDevice", err)
	}
}

func TestNewCoilRequiresEndpoint(t *testing.T) {
	if _, err := NewCoil(Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error for empty endpoint")
	}
}

func TestCoilTimeoutHonoursDeadline(t *testing.T) {
	c, _ := NewCoil(Config{Endpoint: "x:502", Timeout: 10 * time.Second}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if got := c.timeout(ctx); got > time.Second {
		t.Errorf("timeout: got %v, want <= 1s", got)
	}
	if got := c.timeout(context.Background()); got != 10*time.Second {
		t.Errorf("timeout without deadline: got %v, want 10s", got)
	}
}
