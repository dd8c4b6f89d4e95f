// Package musicbrainz adapts the raw MusicBrainz HTTP client
// (resonance/pkg/musicbrainz) into the provider.Provider capability surface:
// metadata search and release fetch, normalized into
// provider.Release / provider.Track.
package musicbrainz

import (
	"context"
	"strconv"
	"strings"

	"resonance/pkg/musicbrainz"
	"resonance/pkg/provider"
)

// Name is the provider_name recorded in pinned releases and cache keys.
const Name = "musicbrainz"

// ClientVersion is bumped whenever the normalization logic changes in a way
// that could change a cached result for the same query.
const ClientVersion = "mb-v1"

// Provider adapts musicbrainz.Client to provider.Provider. It never supports
// fingerprint search directly — MusicBrainz has no audio-fingerprint
// endpoint of its own; AcoustID resolves fingerprints to recording IDs and
// this provider's FetchRelease/recording lookup is used downstream to
// expand those into full releases.
type Provider struct {
	client   *musicbrainz.Client
	priority int
}

// New builds a musicbrainz provider with the given deterministic
// provider-priority.
func New(client *musicbrainz.Client, priority int) *Provider {
	return &Provider{client: client, priority: priority}
}

func (p *Provider) Name() string  { return Name }
func (p *Provider) Priority() int { return p.priority }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{SupportsFingerprints: false, SupportsMetadata: true}
}

// SearchByFingerprints is unsupported; MusicBrainz has no fingerprint
// endpoint. Callers must gate on Capabilities().SupportsFingerprints and
// never invoke this.
func (p *Provider) SearchByFingerprints([]string) []provider.Release { return nil }

// SearchByMetadata issues a release search when at least one hint is
// non-empty. All-null-hint calls are rejected rather than returning an
// arbitrary placeholder result.
func (p *Provider) SearchByMetadata(q provider.MetadataQuery) []provider.Release {
	if q.Artist == "" && q.Album == "" {
		return nil
	}
	results, err := p.client.SearchRelease(context.Background(), q.Album, q.Artist, q.TrackCount)
	if err != nil {
		return nil
	}
	out := make([]provider.Release, 0, len(results))
	for _, r := range results {
		out = append(out, normalize(r))
	}
	return out
}

func (p *Provider) FetchRelease(releaseID string) (provider.Release, bool) {
	r, err := p.client.GetRelease(context.Background(), releaseID)
	if err != nil || r == nil {
		return provider.Release{}, false
	}
	return normalize(*r), true
}

// RecordingReleases expands a recording MBID (as resolved by a fingerprint
// provider) into the full releases containing it, for the fingerprint
// evidence channel.
func (p *Provider) RecordingReleases(recordingMbid string) []provider.Release {
	results, err := p.client.LookupRecordingFingerprint(context.Background(), recordingMbid)
	if err != nil {
		return nil
	}
	out := make([]provider.Release, 0, len(results))
	for _, r := range results {
		out = append(out, normalize(r))
	}
	return out
}

func normalize(r musicbrainz.ReleaseResult) provider.Release {
	out := provider.Release{
		ProviderName: Name,
		ReleaseID:    r.ID,
		Title:        r.Title,
		Artist:       creditName(r.ArtistCredit),
		Year:         parseYear(r.Date),
		Kind:         releaseKind(r),
	}
	for _, m := range r.Media {
		for _, t := range m.Tracks {
			num, _ := strconv.Atoi(t.Number)
			if num == 0 {
				num = t.Position
			}
			artist := creditName(t.ArtistCredit)
			if artist == "" {
				artist = out.Artist
			}
			out.Tracks = append(out.Tracks, provider.Track{
				DiscNumber:      m.Position,
				TrackNumber:     num,
				Title:           t.Title,
				Artist:          artist,
				DurationSeconds: t.Length / 1000,
				RecordingID:     t.Recording.ID,
			})
		}
	}
	return out
}

func creditName(credits []musicbrainz.ArtistCredit) string {
	names := make([]string, 0, len(credits))
	for _, c := range credits {
		if c.Name != "" {
			names = append(names, c.Name)
		} else {
			names = append(names, c.Artist.Name)
		}
	}
	return strings.Join(names, ", ")
}

func parseYear(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}

func releaseKind(r musicbrainz.ReleaseResult) string {
	if r.ReleaseGroup == nil {
		return ""
	}
	return strings.ToLower(r.ReleaseGroup.PrimaryType)
}
