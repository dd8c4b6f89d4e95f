// Package provider defines the normalized release types and the provider
// capability surface external metadata/fingerprint sources implement, plus
// the content-addressed cache every provider call is routed through.
package provider

// Release is a normalized release record returned by a provider, regardless
// of the provider's native wire format.
type Release struct {
	ProviderName string
	ReleaseID    string
	Title        string
	Artist       string
	Year         int
	Kind         string // e.g. "album", "single", "ep", "compilation"; empty if unknown
	Composer     string // optional; populated for classical releases when the provider exposes one
	Tracks       []Track
}

// Track is one track within a Release.
type Track struct {
	DiscNumber      int
	TrackNumber     int
	Title           string
	Artist          string
	DurationSeconds int
	RecordingID     string // optional recording-level identifier
	FingerprintID   string // optional fingerprint known to match this track
	Composer        string // optional; present for classical recordings with per-track composers
}

// Capabilities reports what evidence channels a provider supports.
type Capabilities struct {
	SupportsFingerprints bool
	SupportsMetadata     bool
}

// MetadataQuery is the input to SearchByMetadata. Artist and Album may be
// empty individually, but a provider must never be called with all fields
// empty.
type MetadataQuery struct {
	Artist     string
	Album      string
	TrackCount int
}

// Provider is the capability surface every external metadata or fingerprint
// source implements. All methods are idempotent, return empty
// on failure, and never panic — failures are recovered locally, not
// propagated to the pipeline.
type Provider interface {
	Name() string
	Priority() int // lower sorts first in deterministic candidate ordering
	Capabilities() Capabilities
	SearchByFingerprints(fingerprints []string) []Release
	SearchByMetadata(q MetadataQuery) []Release
	FetchRelease(releaseID string) (Release, bool)
}
