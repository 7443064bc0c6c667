// Package google serves busy/free data from the Google Calendar API.
//
// Interactive OAuth consent is not supported: an authorized-user token
// file must already exist. Refreshed tokens are written back to it.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/sweeney/busylight/internal/calendar"
	"github.com/sweeney/busylight/internal/fileutil"
)

// Config locates credentials and selects the calendar.
type Config struct {
	CredentialsPath string
	TokenPath       string
	CalendarID      string
}

// Port implements calendar.Port against Google Calendar.
type Port struct {
	cfg Config
	log zerolog.Logger

	// endpoint overrides the API base URL (tests).
	endpoint string

	mu      sync.Mutex
	source  oauth2.TokenSource
	service *gcal.Service
}

// New creates a Port. Nothing is read until Authenticate.
func New(cfg Config, log zerolog.Logger) *Port {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	return &Port{cfg: cfg, log: log}
}

var _ calendar.Port = (*Port)(nil)

// Authenticate loads the client credentials and stored token, refreshes
// the token if needed and builds the API service.
func (p *Port) Authenticate(ctx context.Context) (calendar.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	creds, err := os.ReadFile(p.cfg.CredentialsPath)
	if err != nil {
		return calendar.Session{}, fmt.Errorf("%w: read credentials: %v", calendar.ErrAuth, err)
	}
	conf, err := googleoauth.ConfigFromJSON(creds, gcal.CalendarReadonlyScope)
	if err != nil {
		return calendar.Session{}, fmt.Errorf("%w: parse credentials: %v", calendar.ErrAuth, err)
	}

	tok, err := loadToken(p.cfg.TokenPath)
	if err != nil {
		return calendar.Session{}, fmt.Errorf("%w: no usable token at %s: %v", calendar.ErrAuth, p.cfg.TokenPath, err)
	}

	// Token() refreshes through the oauth2 endpoint when tok has expired.
	src := oauth2.ReuseTokenSource(tok, conf.TokenSource(context.WithoutCancel(ctx), tok))
	fresh, err := src.Token()
	if err != nil {
		return calendar.Session{}, classify(err, "refresh token")
	}
	if fresh.AccessToken != tok.AccessToken {
		if err := saveToken(p.cfg.TokenPath, fresh); err != nil {
			p.log.Warn().Err(err).Msg("could not save refreshed token")
		} else {
			p.log.Info().Msg("saved refreshed calendar token")
		}
	}

	opts := []option.ClientOption{option.WithTokenSource(src)}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}
	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return calendar.Session{}, fmt.Errorf("create calendar service: %w", err)
	}

	p.source = src
	p.service = svc
	return calendar.Session{Token: fresh.AccessToken, ExpiresAt: fresh.Expiry}, nil
}

// RefreshIfExpired exchanges the refresh token when s has expired.
func (p *Port) RefreshIfExpired(ctx context.Context, s calendar.Session) (calendar.Session, error) {
	if !s.Expired(time.Now()) {
		return s, nil
	}
	p.mu.Lock()
	src := p.source
	p.mu.Unlock()
	if src == nil {
		return calendar.Session{}, fmt.Errorf("%w: not authenticated", calendar.ErrAuth)
	}

	tok, err := src.Token()
	if err != nil {
		return calendar.Session{}, classify(err, "refresh token")
	}
	if err := saveToken(p.cfg.TokenPath, tok); err != nil {
		p.log.Warn().Err(err).Msg("could not save refreshed token")
	}
	return calendar.Session{Token: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// QueryEvents lists single-instance events overlapping [timeMin, timeMax].
func (p *Port) QueryEvents(ctx context.Context, timeMin, timeMax time.Time) ([]calendar.EventSummary, error) {
	p.mu.Lock()
	svc := p.service
	p.mu.Unlock()
	if svc == nil {
		return nil, fmt.Errorf("%w: not authenticated", calendar.ErrAuth)
	}

	// The API rejects an empty window.
	if !timeMax.After(timeMin) {
		timeMax = timeMin.Add(time.Second)
	}

	var out []calendar.EventSummary
	call := svc.Events.List(p.cfg.CalendarID).
		TimeMin(timeMin.UTC().Format(time.RFC3339)).
		TimeMax(timeMax.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Fields("nextPageToken", "items(summary,start,end,transparency,status)")
	err := call.Pages(ctx, func(page *gcal.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			ev, err := toSummary(item)
			if err != nil {
				p.log.Warn().Err(err).Str("title", item.Summary).Msg("skipping event with unreadable times")
				continue
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, classify(err, "list events")
	}
	return out, nil
}

func toSummary(item *gcal.Event) (calendar.EventSummary, error) {
	ev := calendar.EventSummary{
		Title:  item.Summary,
		Opaque: item.Transparency != "transparent",
	}
	if ev.Title == "" {
		ev.Title = "Busy"
	}
	if item.Start == nil || item.End == nil {
		return ev, errors.New("missing start or end")
	}

	var err error
	if item.Start.DateTime == "" {
		ev.AllDay = true
		if ev.Start, err = time.Parse(time.DateOnly, item.Start.Date); err != nil {
			return ev, err
		}
		if ev.End, err = time.Parse(time.DateOnly, item.End.Date); err != nil {
			return ev, err
		}
		return ev, nil
	}
	if ev.Start, err = time.Parse(time.RFC3339, item.Start.DateTime); err != nil {
		return ev, err
	}
	if ev.End, err = time.Parse(time.RFC3339, item.End.DateTime); err != nil {
		return ev, err
	}
	return ev, nil
}

// classify maps 401/403 and oauth2 refresh failures onto calendar.ErrAuth.
func classify(err error, op string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %s: %v", calendar.ErrAuth, op, err)
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return fmt.Errorf("%w: %s: %v", calendar.ErrAuth, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, errors.New("token expired and has no refresh token")
	}
	return &tok, nil
}

// saveToken writes atomically with owner-only permissions.
func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o600)
}
