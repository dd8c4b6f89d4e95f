package tagio

import (
	"fmt"
	"strings"

	"github.com/go-flac/flacvorbis"
	flac "github.com/go-flac/go-flac"
)

// FLACWriter implements tagio.Writer for FLAC files via the
// github.com/go-flac/go-flac + github.com/go-flac/flacvorbis libraries.
// Vorbis comments are free-form key=value pairs, so resonance's flat tag-key
// vocabulary (including musicbrainz_* and resonance.prov.*) maps onto them
// directly with no translation table.
type FLACWriter struct{}

func (FLACWriter) Supports(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".flac")
}

func (FLACWriter) ReadTags(path string) (map[string]string, error) {
	f, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("tagio/flac: parse %s: %w", path, err)
	}
	cmt, _ := findVorbisComment(f)
	out := map[string]string{}
	if cmt == nil {
		return out, nil
	}
	for _, kv := range cmt.Comments {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			out[strings.ToLower(kv[:idx])] = kv[idx+1:]
		}
	}
	return out, nil
}

func (FLACWriter) WriteTags(path string, patch Patch) error {
	f, err := flac.ParseFile(path)
	if err != nil {
		return fmt.Errorf("tagio/flac: parse %s: %w", path, err)
	}

	cmt, idx := findVorbisComment(f)
	if cmt == nil {
		cmt = flacvorbis.New()
	}

	for _, key := range patch.Unset {
		cmt.Comments = removeVorbisField(cmt.Comments, key)
	}
	for key, value := range patch.Set {
		cmt.Comments = removeVorbisField(cmt.Comments, key)
		if err := cmt.Add(strings.ToUpper(key), value); err != nil {
			return fmt.Errorf("tagio/flac: add %s: %w", key, err)
		}
	}

	block := cmt.Marshal()
	if idx >= 0 {
		f.Meta[idx] = &block
	} else {
		f.Meta = append(f.Meta, &block)
	}

	if err := f.Save(path); err != nil {
		return fmt.Errorf("tagio/flac: save %s: %w", path, err)
	}
	return nil
}

func findVorbisComment(f *flac.File) (*flacvorbis.MetaDataBlockVorbisComment, int) {
	for i, m := range f.Meta {
		if m.Type == flac.VorbisComment {
			cmt, err := flacvorbis.ParseFromMetaDataBlock(*m)
			if err == nil {
				return cmt, i
			}
		}
	}
	return nil, -1
}

func removeVorbisField(comments []string, key string) []string {
	prefix := strings.ToUpper(key) + "="
	out := comments[:0]
	for _, c := range comments {
		if !strings.HasPrefix(strings.ToUpper(c), prefix) {
			out = append(out, c)
		}
	}
	return out
}
