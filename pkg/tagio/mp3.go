package tagio

import (
	"fmt"
	"strings"

	"github.com/bogem/id3v2/v2"
)

// standardFrames maps resonance's flat tag-key vocabulary onto ID3v2 common
// frame IDs; every other key is stored as a TXXX (user-defined text) frame,
// which is how musicbrainz_* and resonance.prov.* keys round-trip through
// MP3 files without a dedicated frame.
var standardFrames = map[string]string{
	"title":       "Title",
	"artist":      "Artist",
	"album":       "Album",
	"albumartist": "Album/Performer",
	"tracknumber": "Track number/Position in set",
	"discnumber":  "Part of a set",
	"date":        "Year",
}

// MP3Writer implements tagio.Writer for MP3 files via the
// github.com/bogem/id3v2/v2 library.
type MP3Writer struct{}

func (MP3Writer) Supports(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".mp3")
}

func (MP3Writer) ReadTags(path string) (map[string]string, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return nil, fmt.Errorf("tagio/mp3: open %s: %w", path, err)
	}
	defer tag.Close()

	out := map[string]string{}
	for key, frameName := range standardFrames {
		if v := tag.GetTextFrame(tag.CommonID(frameName)).Text; v != "" {
			out[key] = v
		}
	}
	for _, f := range tag.GetFrames("TXXX") {
		if udtf, ok := f.(id3v2.UserDefinedTextFrame); ok {
			out[udtf.Description] = udtf.Value
		}
	}
	return out, nil
}

func (MP3Writer) WriteTags(path string, patch Patch) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return fmt.Errorf("tagio/mp3: open %s: %w", path, err)
	}
	defer tag.Close()

	for key, value := range patch.Set {
		if frameName, ok := standardFrames[key]; ok {
			tag.AddTextFrame(tag.CommonID(frameName), tag.DefaultEncoding(), value)
			continue
		}
		tag.AddUserDefinedTextFrame(id3v2.UserDefinedTextFrame{
			Encoding:    tag.DefaultEncoding(),
			Description: key,
			Value:       value,
		})
	}
	for _, key := range patch.Unset {
		if frameName, ok := standardFrames[key]; ok {
			tag.DeleteFrames(tag.CommonID(frameName))
		}
	}

	if err := tag.Save(); err != nil {
		return fmt.Errorf("tagio/mp3: save %s: %w", path, err)
	}
	return nil
}
