package calendar

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/health"
	"github.com/sweeney/busylight/internal/metrics"
	"github.com/sweeney/busylight/internal/retry"
)

// Result is the outcome of a busy query. OK is false when authentication
// or the query failed; Busy is then always false.
type Result struct {
	Busy bool
	// Event is the earliest matching opaque event.
	Event *EventSummary
	// Events holds every matching opaque event, by start time.
	Events []EventSummary
	OK     bool
}

// Title returns the matched event title, or "" when not busy.
func (r Result) Title() string {
	if r.Event == nil {
		return ""
	}
	return r.Event.Title
}

// Monitor wraps a Port with retries and health-aware re-authentication.
// It is safe for concurrent use; the session is guarded by mu.
type Monitor struct {
	mu      sync.Mutex
	session Session
	hasAuth bool

	port    Port
	health  *health.Health
	exec    *retry.Executor
	policy  retry.Policy
	now     func() time.Time
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// Option configures a Monitor.
type Option func(*Monitor)

func WithPolicy(p retry.Policy) Option {
	return func(m *Monitor) { m.policy = p }
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// NewMonitor creates a Monitor.
func NewMonitor(port Port, h *health.Health, exec *retry.Executor, opts ...Option) *Monitor {
	m := &Monitor{
		port:   port,
		health: h,
		exec:   exec,
		policy: retry.DefaultPolicy,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureAuthenticated re-authenticates when health is stale or unverified,
// and refreshes a session that is known to have expired.
func (m *Monitor) EnsureAuthenticated(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.hasAuth || !m.health.IsFresh() {
		m.log.Info().Msg("authenticating with calendar")
		return m.authenticateLocked(ctx)
	}

	if m.session.Expired(m.now()) {
		m.log.Info().Time("expired_at", m.session.ExpiresAt).Msg("calendar credentials expired, refreshing")
		s, err := retry.Do(ctx, m.exec, m.policy, "calendar.refresh", func(ctx context.Context) (Session, error) {
			return m.port.RefreshIfExpired(ctx, m.session)
		})
		if err != nil {
			m.log.Warn().Err(err).Msg("credential refresh failed, re-authenticating")
			return m.authenticateLocked(ctx)
		}
		m.session = s
		m.health.MarkVerified(m.now())
	}
	return true
}

// Authenticate forces a new session, discarding the current one.
func (m *Monitor) Authenticate(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authenticateLocked(ctx)
}

func (m *Monitor) authenticateLocked(ctx context.Context) bool {
	s, err := retry.Do(ctx, m.exec, m.policy, "calendar.auth", m.port.Authenticate)
	if err != nil {
		m.log.Error().Err(err).Msg("calendar authentication failed")
		m.hasAuth = false
		m.health.Invalidate()
		m.metrics.SetVerified("calendar", false)
		return false
	}
	m.session = s
	m.hasAuth = true
	m.health.MarkVerified(m.now())
	m.metrics.SetVerified("calendar", true)
	m.log.Info().Msg("calendar authenticated")
	return true
}

// Verified reports the health flag regardless of staleness.
func (m *Monitor) Verified() bool {
	return m.health.Verified()
}

func (m *Monitor) query(ctx context.Context, op string, timeMin, timeMax time.Time) ([]EventSummary, bool) {
	if !m.EnsureAuthenticated(ctx) {
		return nil, false
	}

	events, err := retry.Do(ctx, m.exec, m.policy, op, func(ctx context.Context) ([]EventSummary, error) {
		return m.port.QueryEvents(ctx, timeMin, timeMax)
	})
	if err != nil {
		if errors.Is(err, ErrAuth) {
			m.log.Error().Err(err).Str("op", op).Msg("calendar rejected credentials")
			m.health.Invalidate()
			m.metrics.SetVerified("calendar", false)
		} else {
			m.log.Error().Err(err).Str("op", op).Msg("calendar query failed")
		}
		return nil, false
	}

	sortByStart(events)
	return events, true
}

// IsBusyWithin reports whether an opaque event overlaps [now, now+lead].
// An event already in progress counts, so the earliest-starting match
// names the result.
func (m *Monitor) IsBusyWithin(ctx context.Context, lead time.Duration) Result {
	now := m.now()
	until := now.Add(lead)
	events, ok := m.query(ctx, "calendar.busy_within", now, until)
	if !ok {
		return Result{}
	}
	return classify(events, func(e EventSummary) bool {
		return !e.Start.After(until) && !e.End.Before(now)
	})
}

// IsBusyNow reports whether an opaque event overlaps the current instant.
func (m *Monitor) IsBusyNow(ctx context.Context) Result {
	now := m.now()
	events, ok := m.query(ctx, "calendar.busy_now", now, now)
	if !ok {
		return Result{}
	}
	return classify(events, func(e EventSummary) bool {
		return !e.Start.After(now) && !now.After(e.End)
	})
}

// ListTodaysEvents returns the current UTC day's events: busy events first,
// then free ones, each in chronological order.
func (m *Monitor) ListTodaysEvents(ctx context.Context) ([]EventSummary, bool) {
	now := m.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	events, ok := m.query(ctx, "calendar.today", start, start.AddDate(0, 0, 1).Add(-time.Nanosecond))
	if !ok {
		return nil, false
	}

	busy := make([]EventSummary, 0, len(events))
	var free []EventSummary
	for _, e := range events {
		if e.Opaque {
			busy = append(busy, e)
		} else {
			free = append(free, e)
		}
	}
	return append(busy, free...), true
}

func classify(events []EventSummary, match func(EventSummary) bool) Result {
	res := Result{OK: true}
	for _, e := range events {
		if !e.Opaque || !match(e) {
			continue
		}
		res.Events = append(res.Events, e)
	}
	if len(res.Events) > 0 {
		first := res.Events[0]
		res.Busy = true
		res.Event = &first
	}
	return res
}

func sortByStart(events []EventSummary) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Start.Before(events[j].Start)
	})
}
