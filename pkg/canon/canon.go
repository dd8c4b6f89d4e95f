// Package canon implements the canonicalization policy:
// two pure, deterministic transformations of any artist/album/work/performer
// name — a human-presentable display form and a comparison match key — plus
// the short-folder-name and filename-sanitization helpers the planner uses
// for filesystem layout.
//
// Modeled on the normalization approach in mutagen-io/mutagen's directory
// scanner (pkg/synchronization/core/scan.go), which also leans on
// golang.org/x/text/unicode/norm for deterministic, content-only comparison
// independent of incidental encoding differences.
package canon

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

var caseFolder = cases.Fold()

// collaborationMarkers are stripped from the match key only, never from the
// display form. Each marker is compared against whole words (trailing "," or
// "." ignored), so the order of this list does not affect the result.
var collaborationMarkers = []string{
	"featuring", "feat.", "feat", "ft.", "ft", "pres.", "w/", "with", "x",
}

var joinerReplacer = strings.NewReplacer(
	"&", " and ",
	"/", " ",
	";", ",",
)

var leadingArticles = []string{"the ", "a ", "an "}

// DisplayArtist normalizes s for human presentation: NFC, whitespace
// collapsed, diacritics and case preserved, no reordering.
func DisplayArtist(s string) string { return display(s) }

// DisplayAlbum normalizes s for human presentation. Identical to
// DisplayArtist — the distinction exists for call-site clarity, matching the
// per-field naming used elsewhere (display_artist, display_album, ...).
func DisplayAlbum(s string) string { return display(s) }

// DisplayWork normalizes s for human presentation (works/performers).
func DisplayWork(s string) string { return display(s) }

// display is the shared pure implementation behind every display_*(s) entry
// point: NFC-normalize, collapse whitespace, nothing else.
func display(s string) string {
	s = norm.NFC.String(s)
	s = collapseWhitespace(s)
	return s
}

// MatchKeyArtist normalizes s into the comparison/equivalence key: NFKC,
// case-folded, whitespace collapsed, punctuation and joiners normalized,
// collaboration markers stripped, leading articles and trailing ", the" /
// ", a" / ", an" articles removed.
func MatchKeyArtist(s string) string { return matchKey(s) }

// MatchKeyAlbum normalizes s into the comparison/equivalence key.
func MatchKeyAlbum(s string) string { return matchKey(s) }

func matchKey(s string) string {
	s = norm.NFKC.String(s)
	// Fold fullwidth/halfwidth forms (common in JP/KR-tagged releases, e.g.
	// fullwidth Latin "Ａ" or halfwidth katakana) to their canonical width so
	// a release tagged with either form matches the other.
	s = width.Fold.String(s)
	s = joinerReplacer.Replace(s)
	s = caseFolder.String(s)
	s = stripCollaborationMarkers(s)
	s = collapseWhitespace(s)
	s = strings.TrimSpace(s)
	s = stripLeadingArticle(s)
	for _, a := range []string{", the", ", an", ", a"} {
		if strings.HasSuffix(s, a) {
			s = strings.TrimSuffix(s, a)
			break
		}
	}
	s = collapseWhitespace(s)
	return s
}

// stripCollaborationMarkers removes word-boundary-delimited collaboration
// markers (feat, ft, featuring, with, w/, x, pres.) from a lower-cased,
// whitespace-normalized string. It operates word-by-word so "extra" is never
// mistaken for "x" or "ft".
func stripCollaborationMarkers(s string) string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		stripped := strings.TrimRight(f, ",.")
		isMarker := false
		for _, m := range collaborationMarkers {
			mt := strings.TrimRight(m, ".")
			if stripped == mt || strings.TrimSuffix(f, ".") == mt {
				isMarker = true
				break
			}
		}
		if !isMarker {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

func stripLeadingArticle(s string) string {
	lower := strings.ToLower(s)
	for _, a := range leadingArticles {
		if strings.HasPrefix(lower, a) {
			return s[len(a):]
		}
	}
	return s
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// shortFolderMaxLen is the default max_len for ShortFolder.
const shortFolderMaxLen = 60

// ShortFolder deterministically truncates a display name for filesystem
// layout: strip parenthesized/bracketed clauses first (in
// particular a trailing "(feat. ...)" clause), then hard-truncate at the
// last word boundary before maxLen. maxLen <= 0 uses the default of 60.
// This affects folder display only; match keys are never derived from it.
func ShortFolder(display string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = shortFolderMaxLen
	}
	s := stripParenthesizedClauses(display)
	s = collapseWhitespace(s)
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndexAny(cut, " \t"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

func stripParenthesizedClauses(s string) string {
	var b strings.Builder
	depthParen, depthBracket := 0, 0
	for _, r := range s {
		switch r {
		case '(':
			depthParen++
			continue
		case ')':
			if depthParen > 0 {
				depthParen--
			}
			continue
		case '[':
			depthBracket++
			continue
		case ']':
			if depthBracket > 0 {
				depthBracket--
			}
			continue
		}
		if depthParen == 0 && depthBracket == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var reservedBasenames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// maxFilenameBytes is the cap enforced by SanitizeFilename.
const maxFilenameBytes = 200

// SanitizeFilename replaces filesystem-hostile characters with spaces,
// collapses whitespace, strips leading/trailing dots and spaces, guards
// against Windows reserved basenames, and caps the result at 200 bytes with
// deterministic truncation at the last UTF-8 codepoint boundary.
func SanitizeFilename(s string) string {
	r := strings.NewReplacer(
		"/", " ", `\`, " ", ":", " ", "*", " ", "?", " ",
		`"`, " ", "<", " ", ">", " ", "|", " ",
	)
	s = r.Replace(s)
	s = collapseWhitespace(s)
	s = strings.Trim(s, ". ")
	if s == "" {
		s = "_"
	}

	base := s
	if idx := strings.LastIndex(s, "."); idx > 0 {
		base = s[:idx]
	}
	if reservedBasenames[strings.ToUpper(base)] {
		s = "_" + s
	}

	if len(s) > maxFilenameBytes {
		s = truncateUTF8(s, maxFilenameBytes)
	}
	return s
}

// truncateUTF8 truncates s to at most n bytes without splitting a codepoint.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := s[:n]
	for len(b) > 0 && !utf8.RuneStart(b[len(b)-1]) {
		b = b[:len(b)-1]
	}
	// The final byte we kept may itself start a rune that got cut off.
	if len(b) > 0 {
		r, size := utf8.DecodeLastRuneInString(b)
		if r == utf8.RuneError && size <= 1 {
			b = b[:len(b)-1]
		}
	}
	return b
}
