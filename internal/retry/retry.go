// Package retry runs remote operations with exponential backoff and jitter.
// Every calendar and device call in the daemon goes through Do.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// ErrExhausted matches any ExhaustedError via errors.Is.
var ErrExhausted = errors.New("retry attempts exhausted")

// MaxJitter is the upper bound (exclusive) of the random delay added to each backoff.
const MaxJitter = time.Second

// Policy bounds how often and how slowly an operation is retried.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultPolicy is the 3-attempt policy used by the device and calendar adapters.
var DefaultPolicy = Policy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     60 * time.Second,
}

// Validate reports whether the policy can be executed.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.InitialDelay <= 0 {
		return fmt.Errorf("retry: initial delay must be > 0, got %v", p.InitialDelay)
	}
	if p.MaxDelay < p.InitialDelay {
		return fmt.Errorf("retry: max delay %v is below initial delay %v", p.MaxDelay, p.InitialDelay)
	}
	return nil
}

// ExhaustedError wraps the last failure after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrExhausted) match.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// SleepFunc blocks for d or until ctx is done, returning ctx.Err() in the latter case.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	}
}

// Executor holds the collaborators shared by every Do call. It carries no
// per-call state, so one Executor may serve concurrent callers.
type Executor struct {
	sleep   SleepFunc
	jitter  func() time.Duration
	log     zerolog.Logger
	onRetry func(op string, attempt int, delay time.Duration, err error)
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep (tests use it to record delays).
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func() time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// WithLogger sets the logger used for retry warnings.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithRetryHook is called before each backoff sleep.
func WithRetryHook(fn func(op string, attempt int, delay time.Duration, err error)) Option {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor creates an Executor with real sleeping and uniform [0,1s) jitter.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		sleep:  Sleep,
		jitter: uniformJitter,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func uniformJitter() time.Duration {
	return rand.N(MaxJitter)
}

// Delay returns the backoff before retry number attempt (0-indexed):
// min(InitialDelay*2^attempt + jitter, MaxDelay).
func Delay(p Policy, attempt int, jitter time.Duration) time.Duration {
	base := p.InitialDelay
	for i := 0; i < attempt; i++ {
		if base > p.MaxDelay {
			break
		}
		base *= 2
	}
	d := base + jitter
	if d > p.MaxDelay || d < 0 {
		return p.MaxDelay
	}
	return d
}

// Do invokes op up to p.MaxAttempts times. op names the operation for logs.
func Do[T any](ctx context.Context, e *Executor, p Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := Delay(p, attempt, e.jitter())
		e.log.Warn().
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_attempts", p.MaxAttempts).
			Dur("retry_in", delay).
			Err(err).
			Msg("attempt failed, retrying")
		if e.onRetry != nil {
			e.onRetry(op, attempt+1, delay, err)
		}

		if err := e.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}
	return zero, &ExhaustedError{Attempts: p.MaxAttempts, Err: lastErr}
}

// Run is Do for operations without a result value.
func Run(ctx context.Context, e *Executor, p Policy, op string, fn func(context.Context) error) error {
	_, err := Do(ctx, e, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
