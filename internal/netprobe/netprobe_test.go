package netprobe

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedDial fails for the first n calls, then succeeds with a pipe.
func scriptedDial(failures int, calls *int) DialFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		*calls++
		if *calls <= failures {
			return nil, errors.New("connect: network is unreachable")
		}
		c1, c2 := net.Pipe()
		c2.Close()
		return c1, nil
	}
}

// fakeTime advances by each requested sleep.
type fakeTime struct {
	now    time.Time
	sleeps int
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(ctx context.Context, d time.Duration) error {
	f.sleeps++
	f.now = f.now.Add(d)
	return ctx.Err()
}

func newTestProbe(failures int, calls *int, ft *fakeTime) *Probe {
	return New("192.0.2.1:53", time.Second, zerolog.Nop(),
		WithDial(scriptedDial(failures, calls)),
		WithClock(ft.Now),
		WithSleep(ft.Sleep),
	)
}

func TestIsReachable(t *testing.T) {
	calls := 0
	p := newTestProbe(0, &calls, &fakeTime{now: time.Now()})
	if !p.IsReachable(context.Background(), time.Second) {
		t.Error("expected reachable")
	}
}

func TestIsReachableFailureCollapsesToFalse(t *testing.T) {
	calls := 0
	p := newTestProbe(100, &calls, &fakeTime{now: time.Now()})
	if p.IsReachable(context.Background(), time.Second) {
		t.Error("expected unreachable")
	}
}

func TestIsReachableRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := New(ln.Addr().String(), time.Second, zerolog.Nop())
	if !p.IsReachable(context.Background(), 0) {
		t.Error("expected local listener to be reachable")
	}
}

func TestWaitForReachableRecovers(t *testing.T) {
	calls := 0
	ft := &fakeTime{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	p := newTestProbe(3, &calls, ft)

	if !p.WaitForReachable(context.Background(), 5*time.Minute, 10*time.Second) {
		t.Fatal("expected recovery")
	}
	if calls != 4 {
		t.Errorf("dial calls: got %d, want 4", calls)
	}
	if ft.sleeps != 3 {
		t.Errorf("sleeps: got %d, want 3", ft.sleeps)
	}
}

func TestWaitForReachableTimesOut(t *testing.T) {
	calls := 0
	ft := &fakeTime{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	p := newTestProbe(1000, &calls, ft)

	if p.WaitForReachable(context.Background(), time.Minute, 10*time.Second) {
		t.Fatal("expected timeout")
	}
	if calls != 6 {
		t.Errorf("dial calls: got %d, want 6", calls)
	}
}

func TestWaitForReachableCancelled(t *testing.T) {
	calls := 0
	ft := &fakeTime{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	p := newTestProbe(1000, &calls, ft)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.WaitForReachable(ctx, time.Hour, time.Second) {
		t.Fatal("expected false on cancelled context")
	}
}

func TestWaitForReachableDefaultSleepHonoursCancel(t *testing.T) {
	calls := 0
	p := New("192.0.2.1:53", time.Second, zerolog.Nop(), WithDial(scriptedDial(100, &calls)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	if p.WaitForReachable(ctx, time.Hour, time.Hour) {
		t.Fatal("expected false")
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Errorf("cancel did not interrupt the wait: took %v", took)
	}
	if calls != 1 {
		t.Errorf("dials: got %d, want 1", calls)
	}
}
