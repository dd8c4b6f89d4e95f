package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/pkg/provider"
)

type fakeProvider struct {
	name     string
	priority int
	caps     provider.Capabilities
	byFp     []provider.Release
	byMeta   []provider.Release
}

func (f fakeProvider) Name() string                       { return f.name }
func (f fakeProvider) Priority() int                      { return f.priority }
func (f fakeProvider) Capabilities() provider.Capabilities { return f.caps }
func (f fakeProvider) SearchByFingerprints([]string) []provider.Release { return f.byFp }
func (f fakeProvider) SearchByMetadata(provider.MetadataQuery) []provider.Release { return f.byMeta }
func (f fakeProvider) FetchRelease(id string) (provider.Release, bool) {
	for _, r := range f.byFp {
		if r.ReleaseID == id {
			return r, true
		}
	}
	return provider.Release{}, false
}

func passthroughCache(p provider.Provider, method, args string, fetch func() []provider.Release) []provider.Release {
	return fetch()
}

func exactRelease() provider.Release {
	return provider.Release{
		ProviderName: "musicbrainz",
		ReleaseID:    "rel-1",
		Title:        "Nevermind",
		Artist:       "Nirvana",
		Tracks: []provider.Track{
			{TrackNumber: 1, Title: "Smells Like Teen Spirit", FingerprintID: "fp1", DurationSeconds: 301},
			{TrackNumber: 2, Title: "In Bloom", FingerprintID: "fp2", DurationSeconds: 254},
		},
	}
}

func evidenceFor(r provider.Release) DirectoryEvidence {
	e := DirectoryEvidence{DirID: "dir-1", AudioTrackCount: len(r.Tracks)}
	for i, t := range r.Tracks {
		e.Tracks = append(e.Tracks, TrackEvidence{
			PositionGuess:   i + 1,
			FingerprintID:   t.FingerprintID,
			DurationSeconds: t.DurationSeconds,
		})
		e.TotalDuration += t.DurationSeconds
	}
	return e
}

func TestIdentifyFingerprintMatchIsCertain(t *testing.T) {
	release := exactRelease()
	evidence := evidenceFor(release)
	p := fakeProvider{
		name: "musicbrainz", priority: 0,
		caps: provider.Capabilities{SupportsFingerprints: true, SupportsMetadata: true},
		byFp: []provider.Release{release},
	}

	result := Identify(evidence, Providers{p}, passthroughCache)
	require.Len(t, result.Candidates, 1)
	assert.Equal(t, TierCertain, result.Tier)
	assert.True(t, result.FingerprintChannelExercised)
}

func TestIdentifyNoEvidenceYieldsUnsure(t *testing.T) {
	result := Identify(DirectoryEvidence{DirID: "dir-1"}, Providers{}, passthroughCache)
	assert.Equal(t, TierUnsure, result.Tier)
	assert.Empty(t, result.Candidates)
	assert.False(t, result.FingerprintChannelExercised)
}

func TestIdentifyMultiReleaseConflictForcesUnsure(t *testing.T) {
	releaseA := exactRelease()
	releaseB := exactRelease()
	releaseB.ReleaseID = "rel-2"
	evidence := evidenceFor(releaseA)

	p := fakeProvider{
		name: "musicbrainz", priority: 0,
		caps: provider.Capabilities{SupportsFingerprints: true},
		byFp: []provider.Release{releaseA, releaseB},
	}

	result := Identify(evidence, Providers{p}, passthroughCache)
	assert.Equal(t, TierUnsure, result.Tier)
	assert.Contains(t, result.Reasons, "multi-release-conflict")
}

func TestIdentifyMetadataOnlyNeverCertain(t *testing.T) {
	release := exactRelease()
	evidence := DirectoryEvidence{
		DirID:           "dir-1",
		AudioTrackCount: 2,
		Tracks: []TrackEvidence{
			{ExistingTagArtist: "Nirvana", ExistingTagAlbum: "Nevermind"},
			{ExistingTagArtist: "Nirvana", ExistingTagAlbum: "Nevermind"},
		},
	}
	p := fakeProvider{
		name: "musicbrainz", priority: 0,
		caps:   provider.Capabilities{SupportsMetadata: true},
		byMeta: []provider.Release{release},
	}

	result := Identify(evidence, Providers{p}, passthroughCache)
	assert.NotEqual(t, TierCertain, result.Tier)
	assert.False(t, result.FingerprintChannelExercised)
}

func TestIdentifyNeverCallsFingerprintSearchWithoutFingerprints(t *testing.T) {
	evidence := DirectoryEvidence{DirID: "dir-1", AudioTrackCount: 1, Tracks: []TrackEvidence{{}}}
	called := false
	p := fakeProvider{
		name: "musicbrainz", priority: 0,
		caps: provider.Capabilities{SupportsFingerprints: true},
	}
	cacheSpy := func(prov provider.Provider, method, args string, fetch func() []provider.Release) []provider.Release {
		if method == "search_by_fingerprints" {
			called = true
		}
		return fetch()
	}

	Identify(evidence, Providers{p}, cacheSpy)
	assert.False(t, called)
}
