package provider

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	bolt "go.etcd.io/bbolt"

	"resonance/pkg/storekeys"
)

// Cache is the content-addressed provider-response cache: a key-value store keyed by
// (provider_name, method_name, normalized_args, client_version), holding the
// canonical-JSON provider payload plus metadata. Concurrent writes of the
// same key are safe because the key is a pure function of the query — last
// write wins with identical content.
type Cache struct {
	db    *bolt.DB
	clock clock.Clock
}

// entry is the stored cache row.
type entry struct {
	ClientVersion string    `json:"client_version"`
	CreatedAt     time.Time `json:"created_at"`
	Releases      []Release `json:"releases"`
	Errored       bool      `json:"errored"` // true for a retry-exhausted empty annotation
}

// OpenCache opens (creating if absent) the bbolt file at path.
func OpenCache(path string) (*Cache, error) {
	return OpenCacheWithClock(path, clock.New())
}

// OpenCacheWithClock is OpenCache with an injectable clock for deterministic
// tests.
func OpenCacheWithClock(path string, clk clock.Clock) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open provider cache: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(storekeys.BucketProviderCache))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create provider cache bucket: %w", err)
	}
	return &Cache{db: db, clock: clk}, nil
}

// Close releases the underlying file lock.
func (c *Cache) Close() error { return c.db.Close() }

// Get looks up a cache key without fetching. A lookup never triggers a
// network call — that is the caller's responsibility via
// GetOrFetch.
func (c *Cache) Get(key string) ([]Release, bool, error) {
	var releases []Release
	var ok bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(storekeys.BucketProviderCache)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("unmarshal cache entry: %w", err)
		}
		releases, ok = e.Releases, true
		return nil
	})
	return releases, ok, err
}

// GetOrFetch returns the cached value for key, calling fetch on a miss and
// persisting the result (even an empty one) so repeated lookups are
// idempotent. When offline is true, fetch is never called: a miss returns an
// empty result directly, deterministically, instead of reaching the network —
// and nothing is persisted, so a later online run still fetches.
func (c *Cache) GetOrFetch(key, clientVersion string, offline bool, fetch func() []Release) ([]Release, error) {
	if releases, ok, err := c.Get(key); err != nil {
		return nil, err
	} else if ok {
		return releases, nil
	}
	if offline {
		return nil, nil
	}

	releases := fetch()
	// Providers recover failures locally and return nil; a nil result is
	// persisted with the error annotation so audits can tell "provider had
	// nothing" apart from "provider never answered".
	e := entry{ClientVersion: clientVersion, CreatedAt: c.clock.Now().UTC(), Releases: releases, Errored: releases == nil}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(storekeys.BucketProviderCache)).Put([]byte(key), raw)
	})
	return releases, err
}

// Key builds the deterministic cache key for a provider call.
func Key(providerName, methodName, normalizedArgs, clientVersion string) string {
	return storekeys.CacheKey(providerName, methodName, normalizedArgs, clientVersion)
}
