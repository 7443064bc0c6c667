package ics

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/calendar"
)

// Port implements calendar.Port over an ICS feed. Feeds have no login,
// so Authenticate verifies the URL and bearer token with one fetch.
type Port struct {
	fetcher *Fetcher
	log     zerolog.Logger
}

// NewPort creates a feed-backed calendar port.
func NewPort(fetcher *Fetcher, log zerolog.Logger) *Port {
	return &Port{fetcher: fetcher, log: log}
}

var _ calendar.Port = (*Port)(nil)

func (p *Port) Authenticate(ctx context.Context) (calendar.Session, error) {
	body, _, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return calendar.Session{}, err
	}
	if _, _, err := Parse(body); err != nil {
		return calendar.Session{}, err
	}
	return calendar.Session{Token: redactURL(p.fetcher.url)}, nil
}

// RefreshIfExpired is a no-op: feed sessions never expire.
func (p *Port) RefreshIfExpired(ctx context.Context, s calendar.Session) (calendar.Session, error) {
	return s, nil
}

func (p *Port) QueryEvents(ctx context.Context, timeMin, timeMax time.Time) ([]calendar.EventSummary, error) {
	body, fromCache, err := p.fetcher.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	events, skipped, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		p.log.Warn().Int("skipped", skipped).Msg("feed contained undecodable events")
	}
	out, err := Expand(events, timeMin, timeMax)
	if err != nil {
		return nil, err
	}
	p.log.Debug().Int("events", len(out)).Bool("from_cache", fromCache).Msg("feed queried")
	return out, nil
}
