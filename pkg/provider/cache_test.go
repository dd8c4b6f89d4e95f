package provider

import (
	"path/filepath"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := OpenCacheWithClock(filepath.Join(t.TempDir(), "cache.db"), clock.NewMock())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGetOrFetchCallsFetchOnceOnRepeatedLookup(t *testing.T) {
	c := openTestCache(t)
	calls := 0
	fetch := func() []Release {
		calls++
		return []Release{{ProviderName: "musicbrainz", ReleaseID: "rel-1"}}
	}

	key := Key("musicbrainz", "SearchByMetadata", "artist=Nirvana", "v1")
	first, err := c.GetOrFetch(key, "v1", false, fetch)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := c.GetOrFetch(key, "v1", false, fetch)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls, "fetch must not run again once the key is cached")
}

func TestGetOrFetchOfflineNeverCallsFetch(t *testing.T) {
	c := openTestCache(t)
	called := false
	fetch := func() []Release {
		called = true
		return []Release{{ReleaseID: "should-not-happen"}}
	}

	key := Key("musicbrainz", "SearchByMetadata", "artist=X", "v1")
	releases, err := c.GetOrFetch(key, "v1", true, fetch)
	require.NoError(t, err)
	assert.False(t, called)
	assert.Empty(t, releases)

	// An offline miss is not persisted: once back online, the same key
	// fetches normally instead of replaying a poisoned empty entry.
	online, err := c.GetOrFetch(key, "v1", false, fetch)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Len(t, online, 1)
}

func TestGetReturnsNotOkOnMiss(t *testing.T) {
	c := openTestCache(t)
	_, ok, err := c.Get("nonexistent-key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyIsDeterministicAndDistinguishesArgs(t *testing.T) {
	k1 := Key("musicbrainz", "SearchByMetadata", "artist=Nirvana", "v1")
	k2 := Key("musicbrainz", "SearchByMetadata", "artist=Nirvana", "v1")
	k3 := Key("musicbrainz", "SearchByMetadata", "artist=Pixies", "v1")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}
