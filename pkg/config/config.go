// Package config provides shared configuration helpers for Resonance.
package config

import (
	"os"
	"strconv"
)

// DefaultStorePath is the fallback path for the embedded state store when
// RESONANCE_STORE is not set.
const DefaultStorePath = "./data/resonance.db"

// DefaultCachePath is the fallback path for the provider cache when
// RESONANCE_CACHE is not set.
const DefaultCachePath = "./data/provider-cache.db"

// Env returns the value of the environment variable key, or def if unset.
func Env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvBool returns the boolean value of the environment variable key, or def
// if unset or unparseable.
func EnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Config holds the assembled runtime configuration for a pipeline run.
// It is built once at the composition root (cmd/resonance) and passed by
// value into every pipeline component; nothing reads the environment
// directly outside this package.
type Config struct {
	// LibraryRoots are the allowed destination roots for the planner/applier.
	// A plan whose destination falls outside every root is rejected with
	// PathEscape.
	LibraryRoots []string

	// ScanRoots are the source directories the scanner walks.
	ScanRoots []string

	StorePath string
	CachePath string

	// FollowSymlinks includes symlinked files in a scan (off by default).
	// Symlinked directories are never descended into, on or off.
	FollowSymlinks bool

	// DryRun prints the plan without invoking the applier.
	DryRun bool

	// NonAudioPolicy names the planner's non-audio handling
	// (MOVE_WITH_ALBUM, IGNORE, or DELETE).
	NonAudioPolicy string

	// AllowDeleteNonAudio is the explicit opt-in NonAudioPolicy=DELETE
	// requires; both the planner and the applier reject DELETE without it.
	AllowDeleteNonAudio bool

	// OfflineMode forbids provider network fetches; cache misses return
	// deterministic empty results.
	OfflineMode bool

	// AcoustIDKey is the API key for the AcoustID fingerprint provider.
	AcoustIDKey string
}
