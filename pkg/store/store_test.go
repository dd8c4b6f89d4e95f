package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"resonance/pkg/rerr"
	"resonance/pkg/signature"
	"resonance/pkg/storekeys"
)

func openTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	s, err := OpenWithClock(filepath.Join(t.TempDir(), "state.db"), mock)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mock
}

func sig(fp string) signature.Signature {
	return signature.Compute([]signature.AudioEntry{{FingerprintID: fp, DurationSeconds: 100, SizeBytes: 1}})
}

func TestGetOrCreateCreatesNew(t *testing.T) {
	s, _ := openTestStore(t)
	rec, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	assert.Equal(t, StateNew, rec.State)
	assert.Equal(t, sig("a").Hash, rec.SignatureHash)

	again, err := s.GetOrCreate("dir-1", sig("a"), "/music/a-moved")
	require.NoError(t, err)
	assert.Equal(t, StateNew, again.State)
	assert.Equal(t, "/music/a-moved", again.LastSeenPath)
}

func TestSignatureChangeResetsResolvedDirectory(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)

	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: ResolutionAuto}
	})
	require.NoError(t, err)

	rec, err := s.GetOrCreate("dir-1", sig("b"), "/music/a")
	require.NoError(t, err)
	assert.Equal(t, StateNew, rec.State)
	assert.True(t, rec.Pinned.IsZero())
	assert.Equal(t, sig("b").Hash, rec.SignatureHash)
}

func TestInvalidTransitionRejected(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)

	_, err = s.SetState("dir-1", StateApplied, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindInvalidTransition)))
}

func TestFullPipelineTransitionPath(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)

	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: ResolutionAuto}
	})
	require.NoError(t, err)

	rec, err := s.RecordPlan("dir-1", "plan-hash-1", []byte(`{"ops":[]}`))
	require.NoError(t, err)
	assert.Equal(t, StatePlanned, rec.State)
	assert.Equal(t, "plan-hash-1", rec.PlanHash)

	rec, err = s.RecordApply("dir-1", "apply-1", "plan-hash-1", ApplyStatusApplied, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, StateApplied, rec.State)
	assert.Equal(t, "apply-1", rec.ApplyID)
}

func TestRecordApplyRejectsStalePlan(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: ResolutionAuto}
	})
	require.NoError(t, err)
	_, err = s.RecordPlan("dir-1", "plan-hash-1", nil)
	require.NoError(t, err)

	_, err = s.RecordApply("dir-1", "apply-1", "plan-hash-WRONG", ApplyStatusApplied, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindStalePlan)))
}

func TestSignatureChangePreservesJail(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StateJailed, func(r *DirectoryRecord) {
		r.JailReason = "multiple certain candidates"
	})
	require.NoError(t, err)

	rec, err := s.GetOrCreate("dir-1", sig("b"), "/music/a")
	require.NoError(t, err)
	assert.Equal(t, StateJailed, rec.State, "re-ripping a jailed directory must not un-jail it")
	assert.Equal(t, "multiple certain candidates", rec.JailReason)
	assert.Equal(t, sig("b").Hash, rec.SignatureHash, "the signature itself is still refreshed")
}

func TestSignatureVersionChangeAlsoResets(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: ResolutionAuto}
	})
	require.NoError(t, err)

	sameHash := sig("a")
	sameHash.Version = "sig-v2"
	rec, err := s.GetOrCreate("dir-1", sameHash, "/music/a")
	require.NoError(t, err)
	assert.Equal(t, StateNew, rec.State, "a version bump alone must reset even with an unchanged hash")
	assert.Equal(t, "sig-v2", rec.SignatureVersion)

	events, err := s.GetAudit("dir-1")
	require.NoError(t, err)
	assert.Equal(t, "signature_version_changed", events[len(events)-1].Kind)
}

func TestUnjailResetsToNew(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StateJailed, func(r *DirectoryRecord) {
		r.JailReason = "multiple certain candidates"
	})
	require.NoError(t, err)

	rec, err := s.Unjail("dir-1")
	require.NoError(t, err)
	assert.Equal(t, StateNew, rec.State)
	assert.Empty(t, rec.JailReason)

	_, err = s.Unjail("dir-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindInvalidState)))
}

func TestSetStateRejectsPinRequiringStateWithoutPin(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)

	_, err = s.SetState("dir-1", StateResolvedAuto, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindInvalidState)))

	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz"} // release_id missing
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindInvalidState)))
}

func TestGetAuditOrdering(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.GetOrCreate("dir-1", sig("a"), "/music/a")
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StateResolvedAuto, func(r *DirectoryRecord) {
		r.Pinned = PinnedRelease{ProviderName: "musicbrainz", ReleaseID: "rel-1", ResolutionType: ResolutionAuto}
	})
	require.NoError(t, err)
	_, err = s.SetState("dir-1", StatePlanned, nil)
	require.NoError(t, err)

	events, err := s.GetAudit("dir-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Seq)
	}
	assert.Equal(t, "created", events[0].Kind)
}

func TestOpenRejectsSchemaTooNew(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storekeys.BucketSchemaMeta)).Put([]byte(schemaVersionKey), encodeVersion(CurrentSchemaVersion+1))
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindSchemaTooNew)))
}

func TestOpenRejectsRowsWithoutSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	// A store written by something that never stamped a schema version:
	// data rows exist, schema_meta does not carry the key.
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		dirs, err := tx.CreateBucketIfNotExists([]byte(storekeys.BucketDirectories))
		if err != nil {
			return err
		}
		return dirs.Put([]byte("dir-1"), []byte(`{"DirID":"dir-1"}`))
	}))
	require.NoError(t, db.Close())

	_, err = Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, rerr.Of(rerr.KindSchemaMissing)))

	// The store must not have been stamped current by the failed open.
	db, err = bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(storekeys.BucketSchemaMeta))
		if meta != nil {
			assert.Nil(t, meta.Get([]byte(schemaVersionKey)))
		}
		return nil
	}))
	require.NoError(t, db.Close())
}

func TestAliasRoundTrip(t *testing.T) {
	s, _ := openTestStore(t)
	_, ok, err := s.ResolveAlias("artist", "the beatles")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutAlias("artist", "the beatles", "The Beatles"))
	display, ok, err := s.ResolveAlias("artist", "the beatles")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "The Beatles", display)
}
