package applier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resonance/pkg/planner"
	"resonance/pkg/rerr"
	"resonance/pkg/signature"
	"resonance/pkg/store"
	"resonance/pkg/tagio"
)

type recordingTagWriter struct {
	written      []string
	existingTags map[string]map[string]string
	restored     map[string]map[string]string
	failOn       string
}

func (w *recordingTagWriter) ReadTags(path string) (map[string]string, error) {
	if w.existingTags == nil {
		return map[string]string{}, nil
	}
	return w.existingTags[path], nil
}

func (w *recordingTagWriter) WriteTags(path string, patch tagio.Patch) error {
	if path == w.failOn {
		return fmt.Errorf("simulated tag-write failure for %s", path)
	}
	if w.restored == nil {
		w.restored = map[string]map[string]string{}
	}
	w.restored[path] = patch.Set
	w.written = append(w.written, path)
	return nil
}

// fakeFingerprintReader reports a fixed fingerprint for every path,
// regardless of actual file content, so tests can control whether a
// source file "matches" the plan's expected fingerprint.
type fakeFingerprintReader struct {
	fingerprint string
}

func (f fakeFingerprintReader) Read(string) (string, int, bool) {
	return f.fingerprint, 100, true
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithClock(filepath.Join(t.TempDir(), "state.db"), clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// setupPlanned registers a directory, resolves it, and stages a one-track
// plan whose source file actually exists on disk — mirroring what the
// planner would have produced from a real scan.
func setupPlanned(t *testing.T) (*store.Store, planner.Plan, string, string) {
	t.Helper()
	s := openTestStore(t)

	sourceDir := t.TempDir()
	libraryRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "01.flac"), []byte("audio bytes"), 0o644))

	sig := signature.Compute([]signature.AudioEntry{{FingerprintID: "fp1", DurationSeconds: 100, SizeBytes: 11}})
	_, err := s.GetOrCreate("dir-1", sig, sourceDir)
	require.NoError(t, err)
	_, err = s.SetState("dir-1", store.StateResolvedAuto, func(r *store.DirectoryRecord) {
		r.Pinned = store.PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: store.ResolutionAuto}
	})
	require.NoError(t, err)

	destDir := filepath.Join(libraryRoot, "Nirvana", "Nevermind")
	plan := planner.Plan{
		PlanSchemaVersion: planner.SchemaVersion,
		DirID:             "dir-1",
		SourcePath:        sourceDir,
		DestinationPath:   destDir,
		Operations: []planner.TrackOperation{
			{SourceRelativePath: "01.flac", DestinationRelativePath: "01 - Track.flac", ExpectedSize: int64(len("audio bytes"))},
		},
		TagPatches: []planner.TagPatch{{Set: map[string]string{"title": "Track"}}},
	}
	plan.PlanHash = planner.Hash(plan)

	_, err = s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	return s, plan, sourceDir, libraryRoot
}

func TestApplyMovesFileAndWritesTags(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	tw := &recordingTagWriter{}

	result, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyStatusApplied, result.Status)

	destFile := filepath.Join(plan.DestinationPath, "01 - Track.flac")
	_, statErr := os.Stat(destFile)
	assert.NoError(t, statErr)
	assert.Contains(t, tw.written, destFile)

	_, statErr = os.Stat(sourceDir)
	assert.True(t, os.IsNotExist(statErr), "empty source directory should be removed")

	rec, ok, err := s.Get("dir-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateApplied, rec.State)
}

func TestApplyIsIdempotentOnRetry(t *testing.T) {
	s, plan, _, libraryRoot := setupPlanned(t)
	tw := &recordingTagWriter{}

	first, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.NoError(t, err)
	require.Equal(t, store.ApplyStatusApplied, first.Status)

	// Re-applying the very same plan after a successful run (source already
	// gone, destination already in place, record APPLIED) must report NOOP,
	// not attempt to move a file that no longer exists at the source.
	result, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyStatusNoopAlreadyApplied, result.Status)
	assert.Len(t, tw.written, 1, "the second apply must not write tags again")

	rec, ok, err := s.Get("dir-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateApplied, rec.State)
}

func TestApplyResumesAfterInterruptedRun(t *testing.T) {
	s := openTestStore(t)
	sourceDir := t.TempDir()
	libraryRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "01.flac"), []byte("audio one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "02.flac"), []byte("audio two!"), 0o644))

	sig := signature.Compute([]signature.AudioEntry{
		{FingerprintID: "fp1", DurationSeconds: 100, SizeBytes: 9},
		{FingerprintID: "fp2", DurationSeconds: 100, SizeBytes: 10},
	})
	_, err := s.GetOrCreate("dir-1", sig, sourceDir)
	require.NoError(t, err)
	_, err = s.SetState("dir-1", store.StateResolvedAuto, func(r *store.DirectoryRecord) {
		r.Pinned = store.PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: store.ResolutionAuto}
	})
	require.NoError(t, err)

	destDir := filepath.Join(libraryRoot, "Nirvana", "Nevermind")
	plan := planner.Plan{
		PlanSchemaVersion: planner.SchemaVersion,
		DirID:             "dir-1",
		SourcePath:        sourceDir,
		DestinationPath:   destDir,
		Operations: []planner.TrackOperation{
			{SourceRelativePath: "01.flac", DestinationRelativePath: "01 - One.flac", ExpectedSize: int64(len("audio one"))},
			{SourceRelativePath: "02.flac", DestinationRelativePath: "02 - Two.flac", ExpectedSize: int64(len("audio two!"))},
		},
		TagPatches: []planner.TagPatch{
			{Set: map[string]string{"title": "One"}},
			{Set: map[string]string{"title": "Two"}},
		},
	}
	plan.PlanHash = planner.Hash(plan)
	_, err = s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	// Simulate a crash after the first move: 01 already at the destination,
	// its source gone; 02 still only at the source.
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.Rename(filepath.Join(sourceDir, "01.flac"), filepath.Join(destDir, "01 - One.flac")))

	tw := &recordingTagWriter{}
	result, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp2"}, Options{AllowedRoots: []string{libraryRoot}})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyStatusApplied, result.Status)

	for _, name := range []string{"01 - One.flac", "02 - Two.flac"} {
		_, statErr := os.Stat(filepath.Join(destDir, name))
		assert.NoError(t, statErr, name)
	}
	assert.Len(t, tw.written, 2, "both files are tagged, including the one moved before the crash")
}

func TestApplyMergeIdenticalAcceptsByteIdenticalDestination(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	plan.Policies.Conflict = planner.ConflictMergeIdentical
	plan.PlanHash = planner.Hash(plan)
	_, err := s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(plan.DestinationPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plan.DestinationPath, "01 - Track.flac"), []byte("audio bytes"), 0o644))

	tw := &recordingTagWriter{}
	result, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyStatusApplied, result.Status)

	_, statErr := os.Stat(filepath.Join(sourceDir, "01.flac"))
	assert.True(t, os.IsNotExist(statErr), "the duplicate source copy is dropped under MERGE_IDENTICAL")
}

func TestApplyMergeIdenticalRejectsDivergentDestination(t *testing.T) {
	s, plan, _, libraryRoot := setupPlanned(t)
	plan.Policies.Conflict = planner.ConflictMergeIdentical
	plan.PlanHash = planner.Hash(plan)
	_, err := s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(plan.DestinationPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plan.DestinationPath, "01 - Track.flac"), []byte("other bytes"), 0o644))

	tw := &recordingTagWriter{}
	_, err = Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindCollision)))
	assert.Empty(t, tw.written, "nothing is moved or tagged once a collision is detected")
}

func TestApplyRestoresTagSnapshotOnTagWriteFailure(t *testing.T) {
	s := openTestStore(t)
	sourceDir := t.TempDir()
	libraryRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "01.flac"), []byte("audio one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "02.flac"), []byte("audio two!"), 0o644))

	sig := signature.Compute([]signature.AudioEntry{
		{FingerprintID: "fp1", DurationSeconds: 100, SizeBytes: 9},
		{FingerprintID: "fp2", DurationSeconds: 100, SizeBytes: 10},
	})
	_, err := s.GetOrCreate("dir-1", sig, sourceDir)
	require.NoError(t, err)
	_, err = s.SetState("dir-1", store.StateResolvedAuto, func(r *store.DirectoryRecord) {
		r.Pinned = store.PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: store.ResolutionAuto}
	})
	require.NoError(t, err)

	destDir := filepath.Join(libraryRoot, "Nirvana", "Nevermind")
	dest1 := filepath.Join(destDir, "01 - Track.flac")
	dest2 := filepath.Join(destDir, "02 - Track.flac")
	plan := planner.Plan{
		PlanSchemaVersion: planner.SchemaVersion,
		DirID:             "dir-1",
		SourcePath:        sourceDir,
		DestinationPath:   destDir,
		Operations: []planner.TrackOperation{
			{SourceRelativePath: "01.flac", DestinationRelativePath: "01 - Track.flac", ExpectedSize: int64(len("audio one"))},
			{SourceRelativePath: "02.flac", DestinationRelativePath: "02 - Track.flac", ExpectedSize: int64(len("audio two!"))},
		},
		TagPatches: []planner.TagPatch{
			{Set: map[string]string{"title": "New One"}},
			{Set: map[string]string{"title": "New Two"}},
		},
	}
	plan.PlanHash = planner.Hash(plan)
	_, err = s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	tw := &recordingTagWriter{
		existingTags: map[string]map[string]string{
			dest1: {"title": "Original One"},
			dest2: {"title": "Original Two"},
		},
		failOn: dest2,
	}

	_, err = Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{
		AllowedRoots:               []string{libraryRoot},
		CapturePreApplyTagSnapshot: true,
	})
	require.Error(t, err, "the second file's tag write fails by design")

	assert.Equal(t, map[string]string{"title": "Original One"}, tw.restored[dest1],
		"the first file's pre-apply tag snapshot must be restored once the second file's write fails")
}

func TestApplyRejectsDeleteNonAudioWithoutOptIn(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "cover.jpg"), []byte("img"), 0o644))
	plan.NonAudio = []planner.NonAudioOperation{
		{SourceRelativePath: "cover.jpg", DestinationRelativePath: "cover.jpg", Policy: planner.NonAudioDelete},
	}
	plan.PlanHash = planner.Hash(plan)
	_, err := s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	tw := &recordingTagWriter{}
	_, err = Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindValidation)))

	// Rejected before any mutation: audio and non-audio files both intact.
	for _, name := range []string{"01.flac", "cover.jpg"} {
		_, statErr := os.Stat(filepath.Join(sourceDir, name))
		assert.NoError(t, statErr, name)
	}
	assert.Empty(t, tw.written)
}

func TestApplyDeleteNonAudioWithOptIn(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "cover.jpg"), []byte("img"), 0o644))
	plan.NonAudio = []planner.NonAudioOperation{
		{SourceRelativePath: "cover.jpg", DestinationRelativePath: "cover.jpg", Policy: planner.NonAudioDelete},
	}
	plan.PlanHash = planner.Hash(plan)
	_, err := s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)

	tw := &recordingTagWriter{}
	result, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{
		AllowedRoots:        []string{libraryRoot},
		AllowDeleteNonAudio: true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApplyStatusApplied, result.Status)

	_, statErr := os.Stat(filepath.Join(plan.DestinationPath, "cover.jpg"))
	assert.True(t, os.IsNotExist(statErr), "a deleted non-audio file is not moved to the destination")
	_, statErr = os.Stat(sourceDir)
	assert.True(t, os.IsNotExist(statErr), "source directory is empty after the delete and gets removed")
}

func TestApplyRejectsPathTraversalBeforeAnyFilesystemCall(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	plan.Operations[0].DestinationRelativePath = "../etc/passwd"
	tw := &recordingTagWriter{}

	_, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindPathEscape)))

	// Rejected at validation: the source file is untouched and no
	// destination tree was created.
	_, statErr := os.Stat(filepath.Join(sourceDir, "01.flac"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(plan.DestinationPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestApplyRejectsDestinationOutsideAllowedRoots(t *testing.T) {
	s, plan, _, _ := setupPlanned(t)
	tw := &recordingTagWriter{}

	_, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{t.TempDir()}})
	require.Error(t, err)
}

func TestApplyRejectsStalePlanHash(t *testing.T) {
	s, plan, _, libraryRoot := setupPlanned(t)
	plan.PlanHash = "not-the-recorded-hash"
	tw := &recordingTagWriter{}

	_, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err)
}

func TestApplyRejectsSourceFingerprintMismatch(t *testing.T) {
	s, plan, _, libraryRoot := setupPlanned(t)
	plan.Operations[0].ExpectedFingerprintID = "fp1"
	plan.PlanHash = planner.Hash(plan)
	_, err := s.RecordPlan("dir-1", plan.PlanHash, nil)
	require.NoError(t, err)
	tw := &recordingTagWriter{}

	// The file at the source path has been swapped for different audio
	// content since the plan was built: same size, different fingerprint.
	_, err = Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp-DIFFERENT"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err, "a fingerprint mismatch must be caught even when the file size still matches")
	assert.Empty(t, tw.written)
}

func TestApplyDetectsPartialCompletionWhenBothPresent(t *testing.T) {
	s, plan, sourceDir, libraryRoot := setupPlanned(t)
	tw := &recordingTagWriter{}

	// Simulate a prior partial run: the file already exists at the
	// destination too, with the source left behind.
	require.NoError(t, os.MkdirAll(plan.DestinationPath, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(plan.DestinationPath, "01 - Track.flac"), []byte("audio bytes"), 0o644))
	_ = sourceDir

	_, err := Apply(s, plan, tw, fakeFingerprintReader{fingerprint: "fp1"}, Options{AllowedRoots: []string{libraryRoot}})
	require.Error(t, err)

	rec, ok, err := s.Get("dir-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StateFailed, rec.State)
}
