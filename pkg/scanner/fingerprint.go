package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/dhowden/tag"
)

// ContentHashFingerprintReader is a deterministic, dependency-free stand-in
// for the real audio-fingerprinting backend.
// The collaborator only needs to be deterministic per file content and
// stable across runs; chromaprint/AcoustID-compatible fingerprints require
// linking libchromaprint, which is out of scope for this repository, so this
// implementation hashes the file's complete byte content instead, tag blocks
// included, so rewriting a file's tags changes its fingerprint. A real deployment
// swaps this for an fpcalc-backed implementation behind the same
// FingerprintReader interface.
//
// Duration is always reported as zero (unknown): the file's tags are parsed
// with tag.ReadFrom, but no duration is extracted from them.
type ContentHashFingerprintReader struct{}

// Read implements FingerprintReader.
func (ContentHashFingerprintReader) Read(path string) (string, int, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, false
	}
	fingerprintID := hex.EncodeToString(h.Sum(nil))

	duration := 0
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		if m, err := tag.ReadFrom(f); err == nil {
			duration = durationFromTags(m)
		}
	}
	return fingerprintID, duration, true
}

// durationFromTags returns 0 for every input: dhowden/tag's Metadata carries
// no duration. Callers treat a zero duration as "unknown" rather than a real
// zero-length track.
func durationFromTags(m tag.Metadata) int {
	_ = m
	return 0
}
