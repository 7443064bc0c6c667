// Package calendar classifies a calendar's busy/free signal.
// Providers (Google Calendar, ICS feeds) implement Port; Monitor adds
// retries, health-aware re-authentication and the busy queries.
package calendar

import (
	"context"
	"errors"
	"time"
)

// ErrAuth is wrapped by providers when the session is invalid, expired or
// cannot be (re)established.
var ErrAuth = errors.New("calendar authentication error")

// Session is an authenticated provider session.
type Session struct {
	Token     string
	ExpiresAt time.Time // zero means no known expiry
}

// Expired reports whether the session is known to have expired at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// EventSummary is one calendar event, reduced to what busy classification needs.
type EventSummary struct {
	Title  string
	Start  time.Time
	End    time.Time
	AllDay bool
	// Opaque events block time. Providers default to true when the source
	// does not carry a transparency marker.
	Opaque bool
}

// Span renders the event's time range as "HH:MM-HH:MM", or "All day".
func (e EventSummary) Span() string {
	if e.AllDay {
		return "All day"
	}
	return e.Start.Format("15:04") + "-" + e.End.Format("15:04")
}

// Port is the provider-level capability the Monitor drives.
type Port interface {
	Authenticate(ctx context.Context) (Session, error)
	RefreshIfExpired(ctx context.Context, s Session) (Session, error)

	// QueryEvents returns the events overlapping [timeMin, timeMax],
	// expanded to single occurrences. Order is not significant.
	QueryEvents(ctx context.Context, timeMin, timeMax time.Time) ([]EventSummary, error)
}
