// Package ics serves busy/free data from an iCalendar (RFC 5545) feed URL.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/busylight/internal/calendar"
	"github.com/sweeney/busylight/internal/fileutil"
)

// cacheMeta is the HTTP validator state stored next to a cached body.
type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads a feed with conditional requests and keeps the last
// good body on disk so a flaky server does not blank the calendar.
type Fetcher struct {
	client      *http.Client
	url         string
	bearerToken string
	cacheDir    string // empty disables the disk cache
	log         zerolog.Logger
}

// NewFetcher creates a Fetcher for feedURL.
func NewFetcher(feedURL, bearerToken, cacheDir string, timeout time.Duration, log zerolog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		url:         feedURL,
		bearerToken: bearerToken,
		cacheDir:    cacheDir,
		log:         log.With().Str("feed", redactURL(feedURL)).Logger(),
	}
}

// Fetch returns the feed body. fromCache is true when the body came from
// disk (304, or a server/network error with a cached copy available).
// 401 and 403 responses wrap calendar.ErrAuth and never fall back to cache.
func (f *Fetcher) Fetch(ctx context.Context) (body []byte, fromCache bool, err error) {
	if f.url == "" {
		return nil, false, errors.New("ics: feed URL is empty")
	}

	dir := f.cachePath()
	var meta cacheMeta
	var cached []byte
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("ics: create cache dir: %w", err)
		}
		meta, _ = loadMeta(dir)
		cached, _ = os.ReadFile(filepath.Join(dir, "body.ics"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("ics: build request: %w", err)
	}
	if f.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.bearerToken)
	}
	if len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 && ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("feed fetch failed, using cached body")
			return cached, true, nil
		}
		return nil, false, fmt.Errorf("ics: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("ics: read body: %w", err)
		}
		if dir != "" {
			m := cacheMeta{
				URL:          f.url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				UpdatedAt:    time.Now().UTC(),
			}
			if err := saveCache(dir, m, data); err != nil {
				f.log.Warn().Err(err).Msg("feed cache save failed")
			}
		}
		f.log.Debug().Int("bytes", len(data)).Msg("feed fetched")
		return data, false, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return nil, false, errors.New("ics: 304 Not Modified without a cached body")
		}
		return cached, true, nil

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, fmt.Errorf("%w: feed returned %s", calendar.ErrAuth, resp.Status)

	default:
		if len(cached) > 0 {
			f.log.Warn().Int("status", resp.StatusCode).Msg("feed returned error, using cached body")
			return cached, true, nil
		}
		return nil, false, fmt.Errorf("ics: feed returned %s", resp.Status)
	}
}

func (f *Fetcher) cachePath() string {
	if f.cacheDir == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(f.url))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var m cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(data, &m)
	return m, err
}

// saveCache writes the body before the metadata so validators never
// describe a body that is not on disk.
func saveCache(dir string, m cacheMeta, body []byte) error {
	if err := fileutil.WriteAtomic(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(filepath.Join(dir, "meta.json"), data, 0o600)
}

// redactURL keeps only scheme and host; feed paths often embed secrets.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
