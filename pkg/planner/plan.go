// Package planner computes a Plan — the serialized artifact the applier
// executes — as a pure function of (DirectoryRecord, ProviderRelease,
// Policy). Nothing in this package touches the filesystem or
// the state store.
package planner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"resonance/pkg/canon"
	"resonance/pkg/provider"
	"resonance/pkg/rerr"
	"resonance/pkg/scanner"
	"resonance/pkg/store"
)

// SchemaVersion is the plan wire-format generation.
const SchemaVersion = 1

// ConflictPolicy is the plan-level decision for an existing destination
// path.
type ConflictPolicy string

const (
	ConflictFail           ConflictPolicy = "FAIL"
	ConflictSkip           ConflictPolicy = "SKIP"
	ConflictRename         ConflictPolicy = "RENAME"
	ConflictMergeIdentical ConflictPolicy = "MERGE_IDENTICAL"
)

// NonAudioPolicy is the plan-level decision for non-audio files in the
// source directory.
type NonAudioPolicy string

const (
	NonAudioMoveWithAlbum NonAudioPolicy = "MOVE_WITH_ALBUM"
	NonAudioIgnore        NonAudioPolicy = "IGNORE"
	NonAudioDelete        NonAudioPolicy = "DELETE"
)

// TagOverwritePolicy governs whether a non-empty existing tag value may be
// overwritten by the provider's value.
type TagOverwritePolicy string

const (
	TagOverwriteNever  TagOverwritePolicy = "NEVER"
	TagOverwriteAlways TagOverwritePolicy = "ALWAYS"
)

// Policy bundles every planner/applier decision point.
type Policy struct {
	LibraryRoot  string
	Conflict     ConflictPolicy
	NonAudio     NonAudioPolicy
	TagOverwrite TagOverwritePolicy

	// AllowDeleteNonAudio is the explicit opt-in NonAudioDelete requires;
	// Build rejects a DELETE policy without it.
	AllowDeleteNonAudio bool

	Tool        string
	ToolVersion string
}

// DefaultPolicy returns the standard planning defaults.
func DefaultPolicy(libraryRoot string) Policy {
	return Policy{
		LibraryRoot:  libraryRoot,
		Conflict:     ConflictFail,
		NonAudio:     NonAudioMoveWithAlbum,
		TagOverwrite: TagOverwriteNever,
		Tool:         "resonance",
		ToolVersion:  "1",
	}
}

// TrackOperation is one file move + its destination.
type TrackOperation struct {
	SourceRelativePath      string `json:"source_relative_path"`
	DestinationRelativePath string `json:"destination_relative_path"`
	ExpectedSize            int64  `json:"expected_size"`
	ExpectedFingerprintID   string `json:"expected_fingerprint_id"`
}

// NonAudioOperation is one non-audio file's handling.
type NonAudioOperation struct {
	SourceRelativePath      string         `json:"source_relative_path"`
	DestinationRelativePath string         `json:"destination_relative_path"`
	Policy                  NonAudioPolicy `json:"policy"`
}

// TagPatch is the diff to apply to one audio file's tags.
type TagPatch struct {
	Set        map[string]string `json:"set"`
	SetOrder   []string          `json:"set_order"`
	Unset      []string          `json:"unset"`
	Provenance Provenance        `json:"provenance"`
}

// Provenance is embedded in every written TagPatch.
type Provenance struct {
	Tool            string `json:"tool"`
	ToolVersion     string `json:"tool_version"`
	AppliedAtUTC    string `json:"applied_at_utc"`
	DirID           string `json:"dir_id"`
	PinnedProvider  string `json:"pinned_provider"`
	PinnedReleaseID string `json:"pinned_release_id"`
	PlanHash        string `json:"plan_hash"`
	SchemaVersion   int    `json:"schema_version"`
}

// Pinned identifies the release a plan is generated for.
type Pinned struct {
	Provider  string `json:"provider"`
	ReleaseID string `json:"release_id"`
}

// Policies is the wire-level policy bundle embedded in a plan.
type Policies struct {
	Conflict     ConflictPolicy     `json:"conflict"`
	NonAudio     NonAudioPolicy     `json:"non_audio"`
	TagOverwrite TagOverwritePolicy `json:"tag_overwrite"`
}

// Plan is the serialized artifact the applier consumes.
type Plan struct {
	PlanSchemaVersion int                 `json:"plan_schema_version"`
	DirID             string              `json:"dir_id"`
	SignatureHash     string              `json:"signature_hash"`
	SignatureVersion  string              `json:"signature_version"`
	SourcePath        string              `json:"source_path"`
	DestinationPath   string              `json:"destination_path"`
	Pinned            Pinned              `json:"pinned"`
	ScoringVersion    string              `json:"scoring_version"`
	Operations        []TrackOperation    `json:"operations"`
	NonAudio          []NonAudioOperation `json:"non_audio"`
	TagPatches        []TagPatch          `json:"tag_patches"` // aligned 1:1 with Operations
	Policies          Policies            `json:"policies"`
	PlanHash          string              `json:"plan_hash"`
}

// Clock is the injected time source for provenance timestamps.
type Clock interface {
	NowUTCRFC3339() string
}

// TagReader is the read side of the TagWriter capability,
// narrowed to what the planner needs: the existing tag snapshot for one
// file, keyed by absolute path.
type TagReader interface {
	ReadTags(path string) (map[string]string, error)
}

// Build computes a Plan from a pinned DirectoryRecord, the full provider
// release it is pinned to, the directory's current file listing, and a
// Policy. tagReader supplies each source file's existing tags for
// diff-based TagPatch generation; a read failure for one file is treated
// as an empty tag snapshot for that file (every field is then a `set`,
// never a skip).
func Build(rec store.DirectoryRecord, release provider.Release, batch scanner.DirectoryBatch, policy Policy, clk Clock, tagReader TagReader) (Plan, error) {
	// RESOLVED_* is the normal entry; PLANNED admits the idempotent re-plan
	// of the same pinned release.
	switch rec.State {
	case store.StateResolvedAuto, store.StateResolvedUser, store.StatePlanned:
	default:
		return Plan{}, rerr.New(rerr.KindInvalidState, rec.DirID, nil,
			"resolve the directory to a pinned release before planning", nil)
	}
	if rec.Pinned.ProviderName != release.ProviderName || rec.Pinned.ReleaseID != release.ReleaseID {
		return Plan{}, rerr.New(rerr.KindValidation, rec.DirID, nil,
			"the supplied release does not match the record's pinned release", nil)
	}
	if policy.NonAudio == NonAudioDelete && !policy.AllowDeleteNonAudio {
		return Plan{}, rerr.New(rerr.KindValidation, rec.DirID, nil,
			"the DELETE non-audio policy requires the explicit allow-delete-non-audio opt-in", nil)
	}

	sources := make([]sourceTrack, 0, len(batch.AudioFiles))
	for _, f := range batch.AudioFiles {
		tags, _ := tagReader.ReadTags(filepath.Join(batch.DirectoryPath, f.RelativePath))
		sources = append(sources, sourceTrack{file: f, tags: tags})
	}

	aligned, err := alignTracks(sources, release.Tracks)
	if err != nil {
		return Plan{}, err
	}
	// Operations are ordered by aligned track position, not by whichever
	// alignment pass claimed them.
	sort.Slice(aligned, func(i, j int) bool {
		if aligned[i].track.DiscNumber != aligned[j].track.DiscNumber {
			return aligned[i].track.DiscNumber < aligned[j].track.DiscNumber
		}
		return aligned[i].track.TrackNumber < aligned[j].track.TrackNumber
	})

	destDir := destinationDir(policy.LibraryRoot, release)
	multiDisc := maxDisc(release.Tracks) > 1
	discDigits := 1
	if maxDisc(release.Tracks) > 9 {
		discDigits = 2
	}

	var ops []TrackOperation
	var patches []TagPatch
	for _, a := range aligned {
		fileName := trackFilename(a.track, multiDisc, discDigits, a.file.RelativePath)
		destRel := fileName
		if multiDisc {
			destRel = "Disc " + zeroPad(a.track.DiscNumber, discDigits) + "/" + fileName
		}
		ops = append(ops, TrackOperation{
			SourceRelativePath:      a.file.RelativePath,
			DestinationRelativePath: destRel,
			ExpectedSize:            a.file.SizeBytes,
			ExpectedFingerprintID:   a.file.FingerprintID,
		})
		patches = append(patches, buildTagPatch(a, a.tags, release, policy, rec, clk))
	}

	var nonAudio []NonAudioOperation
	for _, f := range batch.NonAudioFiles {
		nonAudio = append(nonAudio, NonAudioOperation{
			SourceRelativePath:      f.RelativePath,
			DestinationRelativePath: f.RelativePath,
			Policy:                  policy.NonAudio,
		})
	}

	plan := Plan{
		PlanSchemaVersion: SchemaVersion,
		DirID:             rec.DirID,
		SignatureHash:     rec.SignatureHash,
		SignatureVersion:  rec.SignatureVersion,
		SourcePath:        batch.DirectoryPath,
		DestinationPath:   destDir,
		Pinned:            Pinned{Provider: rec.Pinned.ProviderName, ReleaseID: rec.Pinned.ReleaseID},
		ScoringVersion:    rec.Pinned.ScoringVersion,
		Operations:        ops,
		NonAudio:          nonAudio,
		TagPatches:        patches,
		Policies:          Policies{Conflict: policy.Conflict, NonAudio: policy.NonAudio, TagOverwrite: policy.TagOverwrite},
	}
	plan.PlanHash = Hash(plan)
	for i := range plan.TagPatches {
		plan.TagPatches[i].Provenance.PlanHash = plan.PlanHash
		plan.TagPatches[i].Set[provPlanHashKey] = plan.PlanHash
		plan.TagPatches[i].SetOrder = append(plan.TagPatches[i].SetOrder, provPlanHashKey)
		sort.Strings(plan.TagPatches[i].SetOrder)
	}
	return plan, nil
}

// Hash computes the plan_hash: sha256 of the canonical JSON serialization
// with plan_hash excluded, hex-encoded. Every occurrence of the hash inside
// the plan — the top-level field, each patch's provenance, and the
// resonance.prov.plan_hash tag value — is excluded, so the hash of a
// finished plan recomputes to itself. The input is never mutated.
func Hash(p Plan) string {
	p.PlanHash = ""
	patches := make([]TagPatch, len(p.TagPatches))
	for i, tp := range p.TagPatches {
		cp := tp
		cp.Provenance.PlanHash = ""
		cp.Set = make(map[string]string, len(tp.Set))
		for k, v := range tp.Set {
			if k == provPlanHashKey {
				continue
			}
			cp.Set[k] = v
		}
		cp.SetOrder = nil
		for _, k := range tp.SetOrder {
			if k != provPlanHashKey {
				cp.SetOrder = append(cp.SetOrder, k)
			}
		}
		patches[i] = cp
	}
	p.TagPatches = patches

	buf, err := canonicalJSON(p)
	if err != nil {
		panic("planner: unexpected marshal error: " + err.Error())
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON marshals v with map keys sorted — Go's encoding/json
// already sorts map[string]string keys, and struct field order is fixed by
// declaration order, so a plain Marshal is already canonical here.
func canonicalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

func destinationDir(root string, r provider.Release) string {
	album := canon.DisplayAlbum(r.Title)
	artistFolder := layoutArtistFolder(r)
	parts := []string{root, canon.ShortFolder(artistFolder, 0), canon.ShortFolder(album, 0)}
	return strings.Join(parts, "/")
}

// layoutArtistFolder implements its layout rules: regular album,
// compilation, classical single/mixed composer. Classical layout stops at
// the flat Composer/Album folder per the "classical layout v2" open
// question decision — no deeper work/movement
// structure.
func layoutArtistFolder(r provider.Release) string {
	if strings.EqualFold(r.Kind, "compilation") || isCompilation(r) {
		return "Various Artists"
	}
	if composer := singleComposer(r); composer != "" {
		return canon.DisplayArtist(composer)
	}
	if r.Composer != "" {
		// Mixed composers across tracks: fall back to the release's
		// album-artist/performer credit rather than guessing a composer.
		return canon.DisplayArtist(r.Artist)
	}
	return canon.DisplayArtist(r.Artist)
}

// singleComposer returns the release composer when every track agrees on
// one, so the classical single-composer layout rule applies.
func singleComposer(r provider.Release) string {
	if r.Composer == "" {
		return ""
	}
	key := canon.MatchKeyArtist(r.Composer)
	for _, t := range r.Tracks {
		if t.Composer == "" {
			continue
		}
		if canon.MatchKeyArtist(t.Composer) != key {
			return ""
		}
	}
	return r.Composer
}

// isCompilation detects materially differing per-track artists even when
// the provider did not label the release a compilation.
func isCompilation(r provider.Release) bool {
	if len(r.Tracks) < 2 {
		return false
	}
	albumKey := canon.MatchKeyArtist(r.Artist)
	distinct := map[string]bool{}
	for _, t := range r.Tracks {
		if t.Artist == "" {
			continue
		}
		k := canon.MatchKeyArtist(t.Artist)
		if k != albumKey {
			distinct[k] = true
		}
	}
	return len(distinct) >= 2
}

func maxDisc(tracks []provider.Track) int {
	max := 1
	for _, t := range tracks {
		if t.DiscNumber > max {
			max = t.DiscNumber
		}
	}
	return max
}

func trackFilename(t provider.Track, multiDisc bool, discDigits int, sourcePath string) string {
	ext := ""
	if idx := strings.LastIndex(sourcePath, "."); idx >= 0 {
		ext = sourcePath[idx:]
	}
	prefix := zeroPad(t.TrackNumber, 2)
	if multiDisc {
		prefix = zeroPad(t.DiscNumber, discDigits) + "-" + prefix
	}
	name := prefix + " - " + canon.DisplayWork(t.Title) + ext
	return canon.SanitizeFilename(name)
}

func zeroPad(n, digits int) string {
	s := strconv.Itoa(n)
	for len(s) < digits {
		s = "0" + s
	}
	return s
}

// provPlanHashKey is the one provenance tag whose value is the plan hash
// itself; Hash excludes it so the hash never depends on its own value.
const provPlanHashKey = "resonance.prov.plan_hash"

// providerIDKeys maps a provider name to the technical tag keys its release
// and recording identifiers are written under. An empty recording key means
// the provider has no recording-level identifier vocabulary.
func providerIDKeys(providerName string) (releaseIDKey, recordingIDKey string) {
	switch providerName {
	case "discogs":
		return "discogs_release_id", ""
	default:
		return "musicbrainz_releaseid", "musicbrainz_recordingid"
	}
}

func buildTagPatch(a alignedTrack, existing map[string]string, release provider.Release, policy Policy, rec store.DirectoryRecord, clk Clock) TagPatch {
	set := map[string]string{}
	var order []string
	setField := func(key, target string) {
		if target == "" {
			return
		}
		current := existing[key]
		if current == target {
			return
		}
		if current != "" && policy.TagOverwrite != TagOverwriteAlways {
			return
		}
		set[key] = target
		order = append(order, key)
	}

	setField("title", a.track.Title)
	setField("artist", a.track.Artist)
	setField("album", release.Title)
	setField("albumartist", release.Artist)
	setField("tracknumber", strconv.Itoa(a.track.TrackNumber))
	if a.track.DiscNumber > 0 {
		setField("discnumber", strconv.Itoa(a.track.DiscNumber))
	}
	if release.Year > 0 {
		setField("date", strconv.Itoa(release.Year))
	}
	// Technical provider-ID fields are always overwritable, unlike the
	// user-facing tags above.
	releaseIDKey, recordingIDKey := providerIDKeys(release.ProviderName)
	if a.track.RecordingID != "" && recordingIDKey != "" {
		set[recordingIDKey] = a.track.RecordingID
		order = append(order, recordingIDKey)
	}
	set[releaseIDKey] = release.ReleaseID
	order = append(order, releaseIDKey)

	set["resonance.prov.version"] = "1"
	set["resonance.prov.tool"] = policy.Tool
	set["resonance.prov.tool_version"] = policy.ToolVersion
	set["resonance.prov.applied_at_utc"] = clk.NowUTCRFC3339()
	set["resonance.prov.dir_id"] = rec.DirID
	set["resonance.prov.pinned_provider"] = rec.Pinned.ProviderName
	set["resonance.prov.pinned_release_id"] = rec.Pinned.ReleaseID
	for _, k := range []string{
		"resonance.prov.version", "resonance.prov.tool", "resonance.prov.tool_version",
		"resonance.prov.applied_at_utc", "resonance.prov.dir_id",
		"resonance.prov.pinned_provider", "resonance.prov.pinned_release_id",
	} {
		order = append(order, k)
	}

	sort.Strings(order) // canonical, deterministic ordering in the serialized patch

	return TagPatch{
		Set:      set,
		SetOrder: order,
		Provenance: Provenance{
			Tool:            policy.Tool,
			ToolVersion:     policy.ToolVersion,
			AppliedAtUTC:    clk.NowUTCRFC3339(),
			DirID:           rec.DirID,
			PinnedProvider:  rec.Pinned.ProviderName,
			PinnedReleaseID: rec.Pinned.ReleaseID,
			SchemaVersion:   1,
		},
	}
}
