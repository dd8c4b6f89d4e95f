package identifier

import (
	"path/filepath"
	"strconv"

	"resonance/pkg/scanner"
)

// TagReader is the read side of the TagWriter capability,
// narrowed to what evidence-building needs.
type TagReader interface {
	ReadTags(path string) (map[string]string, error)
}

// BuildEvidence constructs the DirectoryEvidence the identifier consumes
// from a scanned batch, reading each file's existing tag snapshot via
// tagReader. A read failure for one file
// degrades to an empty tag snapshot for that file rather than aborting.
func BuildEvidence(batch scanner.DirectoryBatch, tagReader TagReader) DirectoryEvidence {
	evidence := DirectoryEvidence{
		DirID:           batch.DirID,
		AudioTrackCount: len(batch.AudioFiles),
	}
	for i, f := range batch.AudioFiles {
		tags, _ := tagReader.ReadTags(filepath.Join(batch.DirectoryPath, f.RelativePath))
		trackNo, _ := strconv.Atoi(tags["tracknumber"])
		discNo, _ := strconv.Atoi(tags["discnumber"])
		evidence.Tracks = append(evidence.Tracks, TrackEvidence{
			PositionGuess:      i + 1,
			FingerprintID:      f.FingerprintID,
			DurationSeconds:    f.DurationSeconds,
			ExistingTagArtist:  firstNonEmpty(tags["albumartist"], tags["artist"]),
			ExistingTagAlbum:   tags["album"],
			ExistingTagTrackNo: trackNo,
			ExistingTagDiscNo:  discNo,
		})
		evidence.TotalDuration += f.DurationSeconds
	}
	return evidence
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
