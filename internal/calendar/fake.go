package calendar

import (
	"context"
	"sync"
	"time"
)

// FakePort serves a fixed event list. It is safe for concurrent use.
type FakePort struct {
	mu sync.Mutex

	events   []EventSummary
	authErr  error
	queryErr error
	expiry   time.Time

	auths     int
	refreshes int
	queries   int
}

// NewFakePort creates a FakePort serving events.
func NewFakePort(events ...EventSummary) *FakePort {
	return &FakePort{events: events}
}

func (f *FakePort) Authenticate(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auths++
	if f.authErr != nil {
		return Session{}, f.authErr
	}
	return f.newSession(), nil
}

func (f *FakePort) RefreshIfExpired(ctx context.Context, s Session) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.authErr != nil {
		return Session{}, f.authErr
	}
	return f.newSession(), nil
}

func (f *FakePort) newSession() Session {
	return Session{Token: "fake-token", ExpiresAt: f.expiry}
}

// QueryEvents returns the events overlapping [timeMin, timeMax].
func (f *FakePort) QueryEvents(ctx context.Context, timeMin, timeMax time.Time) ([]EventSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []EventSummary
	for _, e := range f.events {
		if e.End.Before(timeMin) || e.Start.After(timeMax) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SetEvents replaces the served events.
func (f *FakePort) SetEvents(events ...EventSummary) {
	f.mu.Lock()
	f.events = events
	f.mu.Unlock()
}

// SetAuthError makes Authenticate and RefreshIfExpired fail (nil clears).
func (f *FakePort) SetAuthError(err error) {
	f.mu.Lock()
	f.authErr = err
	f.mu.Unlock()
}

// SetQueryError makes QueryEvents fail (nil clears).
func (f *FakePort) SetQueryError(err error) {
	f.mu.Lock()
	f.queryErr = err
	f.mu.Unlock()
}

// SetSessionExpiry sets ExpiresAt on sessions issued from now on.
func (f *FakePort) SetSessionExpiry(t time.Time) {
	f.mu.Lock()
	f.expiry = t
	f.mu.Unlock()
}

// Auths returns the number of Authenticate calls.
func (f *FakePort) Auths() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auths
}

// Refreshes returns the number of RefreshIfExpired calls.
func (f *FakePort) Refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// Queries returns the number of QueryEvents calls.
func (f *FakePort) Queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}
