package planner

import (
	"strconv"

	"resonance/pkg/provider"
	"resonance/pkg/rerr"
	"resonance/pkg/scanner"
)

// sourceTrack is one audio file plus its existing tag snapshot, the unit
// alignment operates on.
type sourceTrack struct {
	file scanner.FileEntry
	tags map[string]string
}

// alignedTrack pairs a source audio file with the provider track it has
// been aligned to.
type alignedTrack struct {
	file  scanner.FileEntry
	tags  map[string]string
	track provider.Track
}

// alignTracks aligns directory files to release tracks by (1) fingerprint
// match where possible, (2) otherwise by (disc, track) from the existing
// tag snapshot, (3) otherwise by ordered position. Unaligned source files
// fail the whole plan with AlignmentFailed rather than guess.
func alignTracks(sources []sourceTrack, tracks []provider.Track) ([]alignedTrack, error) {
	if len(sources) != len(tracks) {
		return nil, rerr.New(rerr.KindAlignmentFailed, "", nil,
			"directory track count does not match the pinned release; re-resolve or jail the directory",
			nil)
	}

	used := make([]bool, len(tracks))
	out := make([]alignedTrack, 0, len(sources))

	byFingerprint := map[string]int{}
	for i, t := range tracks {
		if t.FingerprintID != "" {
			byFingerprint[t.FingerprintID] = i
		}
	}

	// Pass 1: fingerprint match.
	var remaining []sourceTrack
	for _, s := range sources {
		if s.file.FingerprintID != "" {
			if idx, ok := byFingerprint[s.file.FingerprintID]; ok && !used[idx] {
				used[idx] = true
				out = append(out, alignedTrack{file: s.file, tags: s.tags, track: tracks[idx]})
				continue
			}
		}
		remaining = append(remaining, s)
	}

	// Pass 2: (disc, track) from the existing tag snapshot, among tracks not
	// already claimed by fingerprint.
	var unmatched []sourceTrack
	for _, s := range remaining {
		disc, trackNo := tagPosition(s.tags)
		if trackNo == 0 {
			unmatched = append(unmatched, s)
			continue
		}
		idx := findTrackByPosition(tracks, used, disc, trackNo)
		if idx < 0 {
			unmatched = append(unmatched, s)
			continue
		}
		used[idx] = true
		out = append(out, alignedTrack{file: s.file, tags: s.tags, track: tracks[idx]})
	}

	// Pass 3: ordered position among whatever neither pass claimed.
	leftover := orderedUnused(tracks, used)
	if len(leftover) != len(unmatched) {
		return nil, rerr.New(rerr.KindAlignmentFailed, "", nil,
			"could not align every source file to a release track", nil)
	}
	for i, s := range unmatched {
		out = append(out, alignedTrack{file: s.file, tags: s.tags, track: leftover[i]})
	}

	return out, nil
}

// tagPosition extracts (disc, track) hints from a tag snapshot. Disc
// defaults to 1 when untagged; a zero track number means no usable hint.
func tagPosition(tags map[string]string) (disc, track int) {
	track, _ = strconv.Atoi(tags["tracknumber"])
	disc, _ = strconv.Atoi(tags["discnumber"])
	if disc == 0 {
		disc = 1
	}
	return disc, track
}

func findTrackByPosition(tracks []provider.Track, used []bool, disc, trackNo int) int {
	for i, t := range tracks {
		if used[i] || t.TrackNumber != trackNo {
			continue
		}
		tDisc := t.DiscNumber
		if tDisc == 0 {
			tDisc = 1
		}
		if tDisc == disc {
			return i
		}
	}
	return -1
}

func orderedUnused(tracks []provider.Track, used []bool) []provider.Track {
	var out []provider.Track
	for i, t := range tracks {
		if !used[i] {
			out = append(out, t)
		}
	}
	return out
}
