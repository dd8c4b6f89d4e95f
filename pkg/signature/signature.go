// Package signature computes the order-independent content summary
// (DirectorySignature) and the stable dir_id derived from it. The algorithm
// version is "sig-v1"; bumping it changes every signature and triggers
// reset semantics at the store layer.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Version is the current signature algorithm generation.
const Version = "sig-v1"

// noFingerprintSentinel stands in for a missing fingerprint_id so that two
// files that both lack a fingerprint still sort and hash deterministically,
// and never collide with a real fingerprint value.
const noFingerprintSentinel = "\x00no-fingerprint\x00"

// AudioEntry is the subset of scanner.FileEntry that contributes to the
// signature: fingerprint, duration, and size. Path, filename, and mtime are
// deliberately absent — they must never affect identity.
type AudioEntry struct {
	FingerprintID   string
	DurationSeconds int
	SizeBytes       int64
}

// triple is the canonical, sorted unit hashed into the signature.
type triple struct {
	FingerprintID   string `json:"fp"`
	DurationSeconds int    `json:"dur"`
	SizeBytes       int64  `json:"size"`
}

// Signature is the computed content summary plus the algorithm version that
// produced it.
type Signature struct {
	Hash    string // hex-SHA-256
	Version string
}

// DirID derives from the signature hash. dir_id and signature_hash are
// treated as independent identifiers; callers should not assume
// dir_id == signature_hash beyond this implementation detail.
func (s Signature) DirID() string { return s.Hash }

// Compute builds the DirectorySignature for a list of audio entries.
// Order independence: shuffling entries never changes the result, because
// the triples are sorted before serialization. Non-audio files, paths,
// filenames, and modification times must never be passed in — they are not
// part of AudioEntry at all.
func Compute(entries []AudioEntry) Signature {
	triples := make([]triple, 0, len(entries))
	for _, e := range entries {
		fp := e.FingerprintID
		if fp == "" {
			fp = noFingerprintSentinel
		}
		triples = append(triples, triple{
			FingerprintID:   fp,
			DurationSeconds: e.DurationSeconds,
			SizeBytes:       e.SizeBytes,
		})
	}
	sort.Slice(triples, func(i, j int) bool {
		if triples[i].FingerprintID != triples[j].FingerprintID {
			return triples[i].FingerprintID < triples[j].FingerprintID
		}
		if triples[i].DurationSeconds != triples[j].DurationSeconds {
			return triples[i].DurationSeconds < triples[j].DurationSeconds
		}
		return triples[i].SizeBytes < triples[j].SizeBytes
	})

	// Canonical JSON: a fixed object envelope {"algorithm":"sig-v1",
	// "triples":[...]}, struct field order is fixed by Go's encoding/json
	// (declaration order), and
	// triples are pre-sorted, so serialization is deterministic.
	envelope := struct {
		Algorithm string   `json:"algorithm"`
		Triples   []triple `json:"triples"`
	}{Algorithm: Version, Triples: triples}

	buf, err := json.Marshal(envelope)
	if err != nil {
		// Marshaling a struct of strings/ints/int64 cannot fail.
		panic("signature: unexpected marshal error: " + err.Error())
	}
	sum := sha256.Sum256(buf)
	return Signature{Hash: hex.EncodeToString(sum[:]), Version: Version}
}
