package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakePort is an in-memory switch for tests. It is safe for concurrent use
// since error flashes toggle it from a background goroutine.
type FakePort struct {
	mu sync.Mutex

	state    bool
	openErr  error
	readErr  error
	writeErr error

	// failWrites makes the next n writes fail before writeErr is consulted.
	failWrites int

	opens  int
	reads  int
	writes []bool
	closed bool
}

// NewFakePort creates a FakePort whose switch starts in state on.
func NewFakePort(on bool) *FakePort {
	return &FakePort{state: on}
}

func (f *FakePort) OpenSession(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return Session{}, f.openErr
	}
	return Session{Transport: "fake", Endpoint: "memory", OpenedAt: time.Now()}, nil
}

func (f *FakePort) ReadState(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return false, f.readErr
	}
	return f.state, nil
}

func (f *FakePort) WriteState(ctx context.Context, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites > 0 {
		f.failWrites--
		return fmt.Errorf("%w: scripted write failure", ErrDevice)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	f.state = on
	f.writes = append(f.writes, on)
	return nil
}

func (f *FakePort) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// SetOpenError makes every OpenSession fail with err (nil clears).
func (f *FakePort) SetOpenError(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

// SetReadError makes every ReadState fail with err (nil clears).
func (f *FakePort) SetReadError(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

// SetWriteError makes every WriteState fail with err (nil clears).
func (f *FakePort) SetWriteError(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

// FailNextWrites makes the next n writes fail.
func (f *FakePort) FailNextWrites(n int) {
	f.mu.Lock()
	f.failWrites = n
	f.mu.Unlock()
}

// State returns the simulated switch state.
func (f *FakePort) State() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Writes returns a copy of every successful write, in order.
func (f *FakePort) Writes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.writes...)
}

// WriteCount returns the number of successful writes.
func (f *FakePort) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// ResetWrites clears the write log.
func (f *FakePort) ResetWrites() {
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
}

// Opens returns the number of OpenSession calls.
func (f *FakePort) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Closed reports whether Close was called.
func (f *FakePort) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
