// Package musicbrainz provides a rate-limited client for the MusicBrainz API.
// See https://musicbrainz.org/doc/MusicBrainz_API for documentation.
package musicbrainz

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	baseURL   = "https://musicbrainz.org/ws/2"
	userAgent = "Resonance/1.0 (https://github.com/resonance-music/resonance)"
)

// Client is a rate-limited MusicBrainz API client.
type Client struct {
	http    *http.Client
	mu      sync.Mutex
	lastReq time.Time
}

// New creates a new MusicBrainz client with rate limiting.
func New() *Client {
	return &Client{
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// throttle enforces the MusicBrainz rate limit of 1 request per second.
func (c *Client) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastReq); elapsed < time.Second {
		time.Sleep(time.Second - elapsed)
	}
	c.lastReq = time.Now()
}

// retrySchedule is the fixed backoff applied on 503 (rate-limited)
// responses. Deterministic: no jitter, bounded attempts.
var retrySchedule = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	u := baseURL + path
	if strings.Contains(u, "?") {
		u += "&fmt=json"
	} else {
		u += "?fmt=json"
	}

	for attempt := 0; ; attempt++ {
		c.throttle()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == 503 && attempt < len(retrySchedule) {
			resp.Body.Close()
			time.Sleep(retrySchedule[attempt])
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == 404 {
			return nil, fmt.Errorf("musicbrainz: not found: %s", path)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("musicbrainz: http %d for %s", resp.StatusCode, path)
		}
		return body, readErr
	}
}

// ArtistResult is the artist-credit target of a release or track. Only the
// fields the provider adapter's artist-name fallback needs are kept; the
// richer artist entity (genres, tags, relations, life span) has no consumer
// in the identification pipeline.
type ArtistResult struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ArtistCredit is one entry in a release's or track's artist-credit list.
type ArtistCredit struct {
	Name   string       `json:"name"`
	Artist ArtistResult `json:"artist"`
}

// ReleaseGroupResult is the release-group a release belongs to. Only
// PrimaryType is consumed, to classify a release as album/single/ep/etc;
// the remaining fields mirror the API response shape for completeness of
// the embedded JSON but are not read.
type ReleaseGroupResult struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	PrimaryType  string `json:"primary-type"`
	FirstRelease string `json:"first-release-date"`
}

// ReleaseResult is a single release (not release-group) from MusicBrainz,
// with its full medium/track listing — what resonance's provider adapter
// needs to build a provider.Release, unlike ReleaseGroupResult which only
// carries release-group-level summary fields.
type ReleaseResult struct {
	ID           string              `json:"id"`
	Title        string              `json:"title"`
	Date         string              `json:"date"`
	Status       string              `json:"status"`
	ArtistCredit []ArtistCredit      `json:"artist-credit"`
	ReleaseGroup *ReleaseGroupResult `json:"release-group"`
	Media        []MediumResult      `json:"media"`
}

// MediumResult is one disc within a release.
type MediumResult struct {
	Position int           `json:"position"`
	Format   string        `json:"format"`
	Tracks   []TrackResult `json:"tracks"`
}

// TrackResult is one track within a medium.
type TrackResult struct {
	ID           string         `json:"id"`
	Position     int            `json:"position"`
	Number       string         `json:"number"`
	Title        string         `json:"title"`
	Length       int            `json:"length"` // milliseconds
	ArtistCredit []ArtistCredit `json:"artist-credit"`
	Recording    struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"recording"`
}

// SearchRelease searches for a release (not release-group) by title and
// artist, returning candidate releases with full track listings already
// included — the provider adapter needs the tracklist to score fingerprint
// and structural evidence, which a release-group search cannot supply.
func (c *Client) SearchRelease(ctx context.Context, title, artist string, trackCount int) ([]ReleaseResult, error) {
	q := fmt.Sprintf("release:%s AND artist:%s", quoteQuery(title), quoteQuery(artist))
	if trackCount > 0 {
		q += fmt.Sprintf(" AND tracks:%d", trackCount)
	}
	path := fmt.Sprintf("/release/?query=%s&limit=10", url.QueryEscape(q))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Releases []ReleaseResult `json:"releases"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("musicbrainz: parse release search: %w", err)
	}
	// A bare search response omits media/tracks; resolve each hit fully.
	out := make([]ReleaseResult, 0, len(resp.Releases))
	for _, r := range resp.Releases {
		full, err := c.GetRelease(ctx, r.ID)
		if err != nil {
			continue
		}
		out = append(out, *full)
	}
	return out, nil
}

// GetRelease fetches a release by MBID with its full medium/track listing
// and release-group, the shape the provider adapter normalizes into a
// provider.Release.
func (c *Client) GetRelease(ctx context.Context, mbid string) (*ReleaseResult, error) {
	path := fmt.Sprintf("/release/%s?inc=recordings+artist-credits+release-groups", url.PathEscape(mbid))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var result ReleaseResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("musicbrainz: parse release: %w", err)
	}
	return &result, nil
}

// LookupRecordingFingerprint finds releases containing a given recording
// MBID, for the fingerprint evidence channel when a fingerprint provider
// (e.g. AcoustID) has already resolved a file to a recording but not a
// release.
func (c *Client) LookupRecordingFingerprint(ctx context.Context, recordingMbid string) ([]ReleaseResult, error) {
	path := fmt.Sprintf("/recording/%s?inc=releases+release-groups+artist-credits", url.PathEscape(recordingMbid))
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var result struct {
		Releases []ReleaseResult `json:"releases"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("musicbrainz: parse recording releases: %w", err)
	}
	// The /recording/<id>?inc=releases form returns release stubs without
	// track listings; resolve each to get the full medium/track data.
	out := make([]ReleaseResult, 0, len(result.Releases))
	for _, r := range result.Releases {
		full, err := c.GetRelease(ctx, r.ID)
		if err != nil {
			continue
		}
		out = append(out, *full)
	}
	return out, nil
}

// quoteQuery wraps a value in quotes for Lucene query syntax.
func quoteQuery(s string) string {
	// Escape internal quotes and wrap in double-quotes.
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
