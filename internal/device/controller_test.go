package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/busylight/internal/health"
	"github.com/sweeney/busylight/internal/retry"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func instantExecutor() *retry.Executor {
	return retry.NewExecutor(retry.WithSleep(func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	}))
}

// newTestController returns a controller with instant retries and a
// recording flash sleep.
func newTestController(t *testing.T, port *FakePort, opts ...Option) (*Controller, *testClock, *[]time.Duration) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	var mu sync.Mutex
	sleeps := &[]time.Duration{}
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*sleeps = append(*sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	all := append([]Option{WithSleep(sleep), WithClock(clk.Now)}, opts...)
	c := NewController(port, health.New(5*time.Minute, clk.Now), instantExecutor(), all...)
	return c, clk, sleeps
}

func TestConnectReadsState(t *testing.T) {
	port := NewFakePort(true)
	c, _, _ := newTestController(t, port)

	if !c.Connect(context.Background()) {
		t.Fatal("expected Connect to succeed")
	}
	if !c.Verified() {
		t.Error("expected verified after Connect")
	}
	on, known := c.LastState()
	if !on || !known {
		t.Errorf("LastState: got (%v, %v), want (true, true)", on, known)
	}
	if s, ok := c.Session(); !ok || s.Transport != "fake" {
		t.Errorf("Session: got (%+v, %v)", s, ok)
	}
}

func TestConnectFailureRetriesThenGivesUp(t *testing.T) {
	port := NewFakePort(false)
	port.SetOpenError(fmt.Errorf("%w: unreachable", ErrDevice))
	c, _, _ := newTestController(t, port)

	if c.Connect(context.Background()) {
		t.Fatal("expected Connect to fail")
	}
	if got := port.Opens(); got != retry.DefaultPolicy.MaxAttempts {
		t.Errorf("opens: got %d, want %d", got, retry.DefaultPolicy.MaxAttempts)
	}
	if c.Verified() {
		t.Error("expected unverified after failed Connect")
	}
}

func TestSetStateWithoutConnectionDoesNotWrite(t *testing.T) {
	port := NewFakePort(false)
	port.SetOpenError(errors.New("down"))
	c, _, _ := newTestController(t, port)

	if c.SetState(context.Background(), true) {
		t.Fatal("expected SetState to fail")
	}
	if got := port.WriteCount(); got != 0 {
		t.Errorf("writes: got %d, want 0", got)
	}
}

func TestSetStateRecordsLastState(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)
	ctx := context.Background()

	if !c.SetState(ctx, true) {
		t.Fatal("expected SetState to succeed")
	}
	if !port.State() {
		t.Error("expected fake switch ON")
	}
	on, known := c.LastState()
	if !on || !known {
		t.Errorf("LastState: got (%v, %v), want (true, true)", on, known)
	}

	// Fresh health: second write probes instead of reopening.
	if !c.SetState(ctx, false) {
		t.Fatal("expected second SetState to succeed")
	}
	if got := port.Opens(); got != 1 {
		t.Errorf("opens: got %d, want 1", got)
	}
}

func TestStaleHealthForcesReconnect(t *testing.T) {
	port := NewFakePort(false)
	c, clk, _ := newTestController(t, port)
	ctx := context.Background()

	c.Connect(ctx)
	clk.Advance(5 * time.Minute)

	if !c.SetState(ctx, true) {
		t.Fatal("expected SetState to succeed")
	}
	if got := port.Opens(); got != 2 {
		t.Errorf("opens: got %d, want 2", got)
	}
}

func TestFailedProbeReconnects(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)
	ctx := context.Background()
	c.Connect(ctx)

	port.SetReadError(errors.New("timeout"))
	if c.EnsureConnection(ctx) {
		t.Fatal("expected EnsureConnection to fail while reads fail")
	}
	if c.Verified() {
		t.Error("expected unverified")
	}

	port.SetReadError(nil)
	if !c.EnsureConnection(ctx) {
		t.Fatal("expected EnsureConnection to recover")
	}
}

func TestSetStateRetriesTransientWriteFailure(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)
	c.Connect(context.Background())

	port.FailNextWrites(2)
	if !c.SetState(context.Background(), true) {
		t.Fatal("expected SetState to succeed on third attempt")
	}
	if got := port.Writes(); len(got) != 1 || !got[0] {
		t.Errorf("writes: got %v, want [true]", got)
	}
}

func TestSetStateExhaustionInvalidatesHealth(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)
	ctx := context.Background()
	c.Connect(ctx)

	port.SetWriteError(fmt.Errorf("%w: rejected", ErrDevice))
	if c.SetState(ctx, true) {
		t.Fatal("expected SetState to fail")
	}
	if c.Verified() {
		t.Error("expected health invalidated after exhausted write")
	}
	on, _ := c.LastState()
	if on {
		t.Error("failed write must not change LastState")
	}

	port.SetWriteError(nil)
	if !c.SetState(ctx, true) {
		t.Fatal("expected recovery after write error cleared")
	}
	if got := port.Opens(); got != 2 {
		t.Errorf("opens: got %d, want 2 (reconnect after invalidation)", got)
	}
}

func TestFlashFromOffIssuesSixWrites(t *testing.T) {
	port := NewFakePort(false)
	c, _, sleeps := newTestController(t, port)
	c.Connect(context.Background())

	if !c.Flash(context.Background(), 3, time.Second) {
		t.Fatal("expected Flash to succeed")
	}

	want := []bool{true, false, true, false, true, false}
	got := port.Writes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("writes: got %v, want %v", got, want)
	}
	if len(*sleeps) != 6 {
		t.Errorf("sleeps: got %d, want 6", len(*sleeps))
	}
	for i, d := range *sleeps {
		if d != time.Second {
			t.Errorf("sleep %d: got %v, want 1s", i, d)
		}
	}
}

func TestFlashFromOnRestores(t *testing.T) {
	port := NewFakePort(true)
	c, _, _ := newTestController(t, port)
	c.Connect(context.Background())

	if !c.Flash(context.Background(), 3, time.Second) {
		t.Fatal("expected Flash to succeed")
	}

	got := port.Writes()
	if len(got) != 7 {
		t.Fatalf("writes: got %d (%v), want 7", len(got), got)
	}
	if !got[6] {
		t.Error("expected final restoring write to be ON")
	}
	if !port.State() {
		t.Error("expected switch restored to ON")
	}
}

func TestFlashAbortsWithoutRestore(t *testing.T) {
	port := NewFakePort(true)
	var c *Controller
	sleepCalls := 0
	sleep := func(ctx context.Context, d time.Duration) error {
		sleepCalls++
		if sleepCalls == 2 {
			port.SetWriteError(errors.New("link lost"))
		}
		return nil
	}
	c, _, _ = newTestController(t, port, WithSleep(sleep))
	c.Connect(context.Background())

	if c.Flash(context.Background(), 3, time.Second) {
		t.Fatal("expected Flash to fail")
	}

	got := port.Writes()
	if fmt.Sprint(got) != fmt.Sprint([]bool{true, false}) {
		t.Errorf("writes: got %v, want [true false]", got)
	}
	if port.State() {
		t.Error("switch should remain in the last written state (OFF)")
	}
}

func TestFlashWithoutSessionFails(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)

	if c.Flash(context.Background(), 3, time.Second) {
		t.Error("expected Flash to fail before any session was opened")
	}
	if got := port.WriteCount(); got != 0 {
		t.Errorf("writes: got %d, want 0", got)
	}
}

func TestFlashErrorStopsOnCancel(t *testing.T) {
	port := NewFakePort(false)
	c := NewController(port, health.New(time.Minute, nil), instantExecutor(),
		WithErrorCadence(time.Millisecond))
	c.Connect(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.FlashError(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for port.WriteCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FlashError did not stop after cancel")
	}

	got := port.Writes()
	if len(got) < 4 {
		t.Fatalf("expected at least 4 toggles, got %d", len(got))
	}
	for i, on := range got {
		if on != (i%2 == 0) {
			t.Errorf("toggle %d: got %v, want %v", i, on, i%2 == 0)
		}
	}

	n := port.WriteCount()
	time.Sleep(10 * time.Millisecond)
	if port.WriteCount() != n {
		t.Error("writes continued after FlashError returned")
	}
}

func TestFlashErrorSerializesWithSetState(t *testing.T) {
	port := NewFakePort(false)
	c := NewController(port, health.New(time.Minute, nil), instantExecutor(),
		WithErrorCadence(time.Millisecond))
	c.Connect(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.FlashError(ctx)
	}()

	for i := 0; i < 50; i++ {
		c.SetState(context.Background(), i%2 == 0)
	}
	cancel()
	wg.Wait()
}

func TestCloseClosesPort(t *testing.T) {
	port := NewFakePort(false)
	c, _, _ := newTestController(t, port)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !port.Closed() {
		t.Error("expected port closed")
	}
}
