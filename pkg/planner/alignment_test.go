package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/pkg/provider"
	"resonance/pkg/scanner"
)

func sourcesOf(files ...scanner.FileEntry) []sourceTrack {
	out := make([]sourceTrack, 0, len(files))
	for _, f := range files {
		out = append(out, sourceTrack{file: f})
	}
	return out
}

func TestAlignTracksByFingerprint(t *testing.T) {
	sources := sourcesOf(
		scanner.FileEntry{RelativePath: "b.flac", FingerprintID: "fp-b"},
		scanner.FileEntry{RelativePath: "a.flac", FingerprintID: "fp-a"},
	)
	tracks := []provider.Track{
		{TrackNumber: 1, FingerprintID: "fp-a", Title: "First"},
		{TrackNumber: 2, FingerprintID: "fp-b", Title: "Second"},
	}

	aligned, err := alignTracks(sources, tracks)
	require.NoError(t, err)
	require.Len(t, aligned, 2)

	byPath := map[string]provider.Track{}
	for _, a := range aligned {
		byPath[a.file.RelativePath] = a.track
	}
	assert.Equal(t, "First", byPath["a.flac"].Title)
	assert.Equal(t, "Second", byPath["b.flac"].Title)
}

func TestAlignTracksByTagDiscAndTrackNumber(t *testing.T) {
	// Filenames sort the wrong way around; only the tag snapshot carries the
	// true positions.
	sources := []sourceTrack{
		{file: scanner.FileEntry{RelativePath: "aaa.flac"}, tags: map[string]string{"tracknumber": "2"}},
		{file: scanner.FileEntry{RelativePath: "bbb.flac"}, tags: map[string]string{"tracknumber": "1"}},
	}
	tracks := []provider.Track{
		{TrackNumber: 1, Title: "First"},
		{TrackNumber: 2, Title: "Second"},
	}

	aligned, err := alignTracks(sources, tracks)
	require.NoError(t, err)

	byPath := map[string]provider.Track{}
	for _, a := range aligned {
		byPath[a.file.RelativePath] = a.track
	}
	assert.Equal(t, "Second", byPath["aaa.flac"].Title)
	assert.Equal(t, "First", byPath["bbb.flac"].Title)
}

func TestAlignTracksFallsBackToOrderedPosition(t *testing.T) {
	sources := sourcesOf(
		scanner.FileEntry{RelativePath: "01.flac"},
		scanner.FileEntry{RelativePath: "02.flac"},
	)
	tracks := []provider.Track{
		{TrackNumber: 1, Title: "First"},
		{TrackNumber: 2, Title: "Second"},
	}

	aligned, err := alignTracks(sources, tracks)
	require.NoError(t, err)
	assert.Equal(t, "First", aligned[0].track.Title)
	assert.Equal(t, "Second", aligned[1].track.Title)
}

func TestAlignTracksFailsOnCountMismatch(t *testing.T) {
	sources := sourcesOf(scanner.FileEntry{RelativePath: "01.flac"})
	tracks := []provider.Track{{TrackNumber: 1}, {TrackNumber: 2}}

	_, err := alignTracks(sources, tracks)
	require.Error(t, err)
}
