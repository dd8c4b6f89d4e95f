// Package identifier scores candidate releases for a directory against
// evidence gathered from fingerprint and metadata provider channels, and
// assigns a confidence tier. It never writes to the state
// store; its only side effect is populating the provider cache, which is
// idempotent and content-addressed.
package identifier

import (
	"sort"
	"strconv"
	"strings"

	"resonance/pkg/canon"
	"resonance/pkg/provider"
)

// ScoringVersion is the current scoring algorithm generation.
const ScoringVersion = "score-v1"

// Tier is the confidence level assigned to an IdentificationResult.
type Tier string

const (
	TierCertain  Tier = "CERTAIN"
	TierProbable Tier = "PROBABLE"
	TierUnsure   Tier = "UNSURE"
)

// TrackEvidence is one track's observed evidence.
type TrackEvidence struct {
	PositionGuess      int // 1-based ordinal position in the directory
	FingerprintID      string
	DurationSeconds    int
	ExistingTagArtist  string
	ExistingTagAlbum   string
	ExistingTagTrackNo int
	ExistingTagDiscNo  int
}

// DirectoryEvidence is the read-only bundle the identifier consumes.
type DirectoryEvidence struct {
	DirID           string
	Tracks          []TrackEvidence
	AudioTrackCount int
	TotalDuration   int
}

// Candidate is a scored release candidate.
type Candidate struct {
	Release provider.Release
	Score   float64
	Reasons []string

	// sFp is retained on the candidate (not just folded into Score) because
	// the CERTAIN gate and the multi-release-conflict gate both need it
	// independently of the fused score.
	sFp float64
}

// Result is the identifier's output.
type Result struct {
	Candidates     []Candidate
	Tier           Tier
	ScoringVersion string
	Reasons        []string

	// FingerprintChannelExercised is true whenever at least one track had a
	// fingerprint and at least one provider advertised SupportsFingerprints,
	// verifying the channel was actually called rather than silently skipped.
	FingerprintChannelExercised bool
}

// Providers is the ordered, deterministic provider-priority list.
type Providers []provider.Provider

// CacheGet abstracts the provider-cache get-or-fetch operation so the
// identifier never bypasses the cache.
type CacheGet func(p provider.Provider, methodName, normalizedArgs string, fetch func() []provider.Release) []provider.Release

// Identify runs both evidence channels, merges and orders
// candidates, and assigns a confidence tier.
func Identify(evidence DirectoryEvidence, providers Providers, cache CacheGet) Result {
	merged := map[string]*Candidate{} // key: provider:release_id

	fpExercised := false
	for _, p := range providers {
		if !p.Capabilities().SupportsFingerprints {
			continue
		}
		fps := fingerprintsOf(evidence)
		if len(fps) == 0 {
			continue
		}
		fpExercised = true
		releases := cache(p, "search_by_fingerprints", strings.Join(fps, ","), func() []provider.Release {
			return p.SearchByFingerprints(fps)
		})
		for _, r := range releases {
			mergeRelease(merged, r, p.Priority())
		}
	}

	hints := metadataHints(evidence)
	if !hints.empty() {
		for _, p := range providers {
			if !p.Capabilities().SupportsMetadata {
				continue
			}
			key := hints.normalized()
			releases := cache(p, "search_by_metadata", key, func() []provider.Release {
				return p.SearchByMetadata(provider.MetadataQuery{Artist: hints.artist, Album: hints.album, TrackCount: hints.trackCount})
			})
			for _, r := range releases {
				mergeRelease(merged, r, p.Priority())
			}
		}
	}

	candidates := make([]Candidate, 0, len(merged))
	for _, c := range merged {
		scoreCandidate(c, evidence, hints)
		candidates = append(candidates, *c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		pi, pj := providerPriority(providers, candidates[i].Release.ProviderName), providerPriority(providers, candidates[j].Release.ProviderName)
		if pi != pj {
			return pi < pj
		}
		return candidates[i].Release.ReleaseID < candidates[j].Release.ReleaseID
	})

	tier, reasons := assignTier(candidates, evidence)
	return Result{
		Candidates:                  candidates,
		Tier:                        tier,
		ScoringVersion:              ScoringVersion,
		Reasons:                     reasons,
		FingerprintChannelExercised: fpExercised,
	}
}

func fingerprintsOf(e DirectoryEvidence) []string {
	var out []string
	for _, t := range e.Tracks {
		if t.FingerprintID != "" {
			out = append(out, t.FingerprintID)
		}
	}
	return out
}

type hintSet struct {
	artist     string
	album      string
	trackCount int
}

func (h hintSet) empty() bool { return h.artist == "" && h.album == "" }

func (h hintSet) normalized() string {
	return canon.MatchKeyArtist(h.artist) + "\x00" + canon.MatchKeyAlbum(h.album) + "\x00" + strconv.Itoa(h.trackCount)
}

func metadataHints(e DirectoryEvidence) hintSet {
	var artist, album string
	for _, t := range e.Tracks {
		if artist == "" && t.ExistingTagArtist != "" {
			artist = t.ExistingTagArtist
		}
		if album == "" && t.ExistingTagAlbum != "" {
			album = t.ExistingTagAlbum
		}
	}
	return hintSet{artist: artist, album: album, trackCount: e.AudioTrackCount}
}

// mergeRelease folds a release hit into the merged-by-(provider,release_id)
// map. The fingerprint channel runs before the metadata channel and both
// iterate providers in priority order, so the first hit for a given key is
// already from the recording-linked provider when one exists, preferring it
// over a metadata-only match for the same release. Later hits
// for the same key are dropped; per-provider scores are recomputed fresh in
// scoreCandidate regardless of which payload won.
func mergeRelease(merged map[string]*Candidate, r provider.Release, _ int) {
	key := r.ProviderName + ":" + r.ReleaseID
	if _, ok := merged[key]; ok {
		return
	}
	merged[key] = &Candidate{Release: r}
}

func providerPriority(providers Providers, name string) int {
	for _, p := range providers {
		if p.Name() == name {
			return p.Priority()
		}
	}
	return 1 << 30
}

func scoreCandidate(c *Candidate, evidence DirectoryEvidence, hints hintSet) {
	sFp := fingerprintCoverage(c.Release, evidence)
	sStruct := structuralMatch(c.Release, evidence)
	sMeta := metadataSimilarity(c.Release, hints)

	c.sFp = sFp
	var score float64
	if sFp > 0 {
		score = 0.65*sFp + 0.25*sStruct + 0.10*sMeta
	} else {
		score = 0.55*sMeta + 0.45*sStruct
	}
	c.Score = score
	c.Reasons = reasonsFor(c.Release, evidence, sFp, sStruct, sMeta)
}

func fingerprintCoverage(r provider.Release, e DirectoryEvidence) float64 {
	if e.AudioTrackCount == 0 {
		return 0
	}
	byFp := map[string]bool{}
	for _, t := range r.Tracks {
		if t.FingerprintID != "" {
			byFp[t.FingerprintID] = true
		}
	}
	hits := 0
	for _, t := range e.Tracks {
		if t.FingerprintID != "" && byFp[t.FingerprintID] {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	return float64(hits) / float64(e.AudioTrackCount)
}

func structuralMatch(r provider.Release, e DirectoryEvidence) float64 {
	if len(r.Tracks) == 0 || e.AudioTrackCount == 0 {
		return 0
	}
	if len(r.Tracks) == e.AudioTrackCount {
		return 1.0
	}
	delta := abs(len(r.Tracks) - e.AudioTrackCount)
	score := 1.0 - float64(delta)/float64(e.AudioTrackCount)
	if score < 0 {
		score = 0
	}
	return score
}

func metadataSimilarity(r provider.Release, hints hintSet) float64 {
	if hints.empty() {
		return 0
	}
	score := 0.0
	weight := 0.0
	if hints.artist != "" {
		weight += 0.5
		if canon.MatchKeyArtist(hints.artist) == canon.MatchKeyArtist(r.Artist) {
			score += 0.5
		}
	}
	if hints.album != "" {
		weight += 0.5
		if canon.MatchKeyAlbum(hints.album) == canon.MatchKeyAlbum(r.Title) {
			score += 0.5
		}
	}
	return score
}

func reasonsFor(r provider.Release, e DirectoryEvidence, sFp, sStruct, sMeta float64) []string {
	var reasons []string
	if sFp > 0 {
		hits := int(sFp * float64(e.AudioTrackCount))
		reasons = append(reasons, "fp-coverage="+strconv.Itoa(hits)+"/"+strconv.Itoa(e.AudioTrackCount))
	}
	if len(r.Tracks) == e.AudioTrackCount {
		reasons = append(reasons, "track-count="+strconv.Itoa(e.AudioTrackCount)+"/"+strconv.Itoa(e.AudioTrackCount))
	} else {
		reasons = append(reasons, "track-count=mismatch")
	}
	if sMeta >= 0.5 {
		reasons = append(reasons, "artist-match-key=match")
	}
	reasons = append(reasons, "duration-delta-max="+strconv.Itoa(durationDeltaMax(r, e))+"s")
	return reasons
}

func durationDeltaMax(r provider.Release, e DirectoryEvidence) int {
	byPos := map[int]int{}
	for _, t := range r.Tracks {
		byPos[t.TrackNumber] = t.DurationSeconds
	}
	max := 0
	for i, t := range e.Tracks {
		want, ok := byPos[i+1]
		if !ok || t.DurationSeconds == 0 {
			continue
		}
		d := abs(want - t.DurationSeconds)
		if d > max {
			max = d
		}
	}
	return max
}

// assignTier implements its confidence tiers and the
// multi-release-conflict gate.
func assignTier(candidates []Candidate, e DirectoryEvidence) (Tier, []string) {
	if len(candidates) == 0 {
		return TierUnsure, nil
	}

	supporting := 0
	for _, c := range candidates {
		if c.sFp >= 0.30 {
			supporting++
		}
	}
	if supporting >= 2 {
		return TierUnsure, []string{"multi-release-conflict"}
	}

	top := candidates[0]
	trackCountMatches := len(top.Release.Tracks) == e.AudioTrackCount
	margin := 0.0
	if len(candidates) > 1 {
		margin = top.Score - candidates[1].Score
	} else {
		margin = top.Score
	}

	if top.Score >= 0.85 && top.sFp >= 0.85 && trackCountMatches && margin >= 0.10 {
		reasons := []string{"margin-over-runner-up=" + strconv.FormatFloat(margin, 'f', 2, 64)}
		return TierCertain, reasons
	}
	if top.Score >= 0.65 {
		return TierProbable, nil
	}
	return TierUnsure, nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
