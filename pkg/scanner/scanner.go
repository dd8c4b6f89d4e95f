// Package scanner traverses library roots and emits DirectoryBatch records.
// It reads the filesystem only — it never writes, and never consults the
// state store or provider cache.
//
// Walks with filepath.WalkDir, fingerprinting each audio file in turn as it
// is visited, and groups results into content-addressed, order-independent
// directory batches.
package scanner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"resonance/pkg/signature"
)

// FileEntry is one file inside a directory.
type FileEntry struct {
	RelativePath    string
	SizeBytes       int64
	IsAudio         bool
	FingerprintID   string // audio only; empty if unavailable
	DurationSeconds int    // audio only; zero if unavailable
}

// ScanError records a directory the scanner could not read, without
// aborting the overall scan.
type ScanError struct {
	Path string
	Err  error
}

// DirectoryBatch is one directory with at least one audio file (unless
// NonAudioOnly diagnostics were requested), sorted for determinism.
type DirectoryBatch struct {
	DirectoryPath    string
	AudioFiles       []FileEntry
	NonAudioFiles    []FileEntry
	DirID            string
	SignatureHash    string
	SignatureVersion string
}

// FingerprintReader is the audio-fingerprinting collaborator:
// deterministic per file content, stable across runs, returns ok=false on
// unsupported files without raising.
type FingerprintReader interface {
	Read(path string) (fingerprintID string, durationSeconds int, ok bool)
}

// Options configures a Walk.
type Options struct {
	Roots               []string
	AudioExtensions     map[string]bool // lower-cased, including the leading dot, e.g. ".flac"
	ExcludeGlobs        []string
	FollowSymlinks      bool
	IncludeNonAudioOnly bool // emit directories with zero audio files (diagnostics)
}

// DefaultAudioExtensions is the allow-list used when Options.AudioExtensions
// is nil.
func DefaultAudioExtensions() map[string]bool {
	return map[string]bool{
		".flac": true, ".mp3": true, ".m4a": true, ".ogg": true,
		".opus": true, ".wav": true, ".wv": true, ".ape": true,
	}
}

// Walk traverses every root and returns DirectoryBatch records in sorted
// directory order, plus any ScanError diagnostics.
func Walk(opts Options, fp FingerprintReader) ([]DirectoryBatch, []ScanError) {
	exts := opts.AudioExtensions
	if exts == nil {
		exts = DefaultAudioExtensions()
	}

	grouped := map[string]*DirectoryBatch{}
	var dirOrder []string
	var errs []ScanError

	for _, root := range opts.Roots {
		walkRoot(root, opts, exts, fp, grouped, &dirOrder, &errs)
	}

	sort.Strings(dirOrder)
	out := make([]DirectoryBatch, 0, len(dirOrder))
	for _, dir := range dirOrder {
		b := grouped[dir]
		if len(b.AudioFiles) == 0 && !opts.IncludeNonAudioOnly {
			continue
		}
		sort.Slice(b.AudioFiles, func(i, j int) bool { return b.AudioFiles[i].RelativePath < b.AudioFiles[j].RelativePath })
		sort.Slice(b.NonAudioFiles, func(i, j int) bool { return b.NonAudioFiles[i].RelativePath < b.NonAudioFiles[j].RelativePath })

		entries := make([]signature.AudioEntry, 0, len(b.AudioFiles))
		for _, f := range b.AudioFiles {
			entries = append(entries, signature.AudioEntry{
				FingerprintID:   f.FingerprintID,
				DurationSeconds: f.DurationSeconds,
				SizeBytes:       f.SizeBytes,
			})
		}
		sig := signature.Compute(entries)
		b.DirID = sig.DirID()
		b.SignatureHash = sig.Hash
		b.SignatureVersion = sig.Version
		out = append(out, *b)
	}
	return out, errs
}

func walkRoot(root string, opts Options, exts map[string]bool, fp FingerprintReader, grouped map[string]*DirectoryBatch, dirOrder *[]string, errs *[]ScanError) {
	walkFn := func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			*errs = append(*errs, ScanError{Path: path, Err: walkErr})
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}
		if excluded(path, opts.ExcludeGlobs) {
			return nil
		}

		dir := filepath.Dir(path)
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		fi, err := d.Info()
		if err != nil {
			*errs = append(*errs, ScanError{Path: path, Err: err})
			return nil
		}

		b, ok := grouped[dir]
		if !ok {
			b = &DirectoryBatch{DirectoryPath: dir}
			grouped[dir] = b
			*dirOrder = append(*dirOrder, dir)
		}

		ext := strings.ToLower(filepath.Ext(path))
		entry := FileEntry{RelativePath: rel, SizeBytes: fi.Size(), IsAudio: exts[ext]}
		if entry.IsAudio {
			if fingerprintID, dur, ok := fp.Read(path); ok {
				entry.FingerprintID = fingerprintID
				entry.DurationSeconds = dur
			}
			b.AudioFiles = append(b.AudioFiles, entry)
		} else {
			b.NonAudioFiles = append(b.NonAudioFiles, entry)
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		*errs = append(*errs, ScanError{Path: root, Err: err})
	}
}

func excluded(path string, globs []string) bool {
	for _, g := range globs {
		if ok, _ := filepath.Match(g, filepath.Base(path)); ok {
			return true
		}
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}
