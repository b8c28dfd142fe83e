package trackfs

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// VirtualTrack identifies a synthetic per-track file: the album it derives
// from, its 1-based ordinal, its sample range [StartSample, EndSample), and
// the display title embedded (truncated/sanitized) in its filename.
type VirtualTrack struct {
	AlbumBasename string
	Ordinal       int
	StartSample   uint64
	EndSample     uint64
	DisplayTitle  string
}

// VirtualTrackKey is the subset of a VirtualTrack recoverable purely from
// its synthetic filename, without re-probing the album.
type VirtualTrackKey struct {
	AlbumBasename string
	Ordinal       int
	StartSample   uint64
	EndSample     uint64
}

// pathCodec encodes/decodes synthetic track filenames of the form:
//
//	<album_basename><SEP><NN>.<truncated_title>.<start>-<end>.flac
//
// where SEP carries its own surrounding dots (default ".#-#.").
//
// and recognizes album files via a configurable extension pattern.
type pathCodec struct {
	separator   string
	titleLength int
	extensionRE *regexp.Regexp
}

func newPathCodec(separator string, titleLength int, extensionRE *regexp.Regexp) *pathCodec {
	return &pathCodec{separator: separator, titleLength: titleLength, extensionRE: extensionRE}
}

// Encode produces the deterministic synthetic filename for v.
func (p *pathCodec) Encode(v VirtualTrack) string {
	title := p.sanitizeTitle(v.DisplayTitle)

	return fmt.Sprintf("%s%s%02d.%s.%d-%d.flac",
		v.AlbumBasename, p.separator, v.Ordinal, title, v.StartSample, v.EndSample)
}

// Decode recovers a VirtualTrackKey from a synthetic filename, or reports ok
// == false if name does not have the synthetic shape (doesn't contain the
// separator, or its trailing segments don't parse).
func (p *pathCodec) Decode(name string) (key VirtualTrackKey, ok bool) {
	if !strings.HasSuffix(name, ".flac") {
		return VirtualTrackKey{}, false
	}

	idx := strings.Index(name, p.separator)
	if idx < 0 {
		return VirtualTrackKey{}, false
	}

	albumBasename := name[:idx]
	rest := name[idx+len(p.separator):]

	// rest := "<NN>.<title>.<start>-<end>.flac"
	rest = strings.TrimSuffix(rest, ".flac")

	firstDot := strings.Index(rest, ".")
	if firstDot < 0 {
		return VirtualTrackKey{}, false
	}

	ordinalStr := rest[:firstDot]
	ordinal, err := strconv.Atoi(ordinalStr)
	if err != nil || ordinal <= 0 {
		return VirtualTrackKey{}, false
	}

	remainder := rest[firstDot+1:]

	lastDot := strings.LastIndex(remainder, ".")
	if lastDot < 0 {
		return VirtualTrackKey{}, false
	}

	rangeStr := remainder[lastDot+1:]

	dash := strings.Index(rangeStr, "-")
	if dash < 0 {
		return VirtualTrackKey{}, false
	}

	start, err := strconv.ParseUint(rangeStr[:dash], 10, 64)
	if err != nil {
		return VirtualTrackKey{}, false
	}

	end, err := strconv.ParseUint(rangeStr[dash+1:], 10, 64)
	if err != nil {
		return VirtualTrackKey{}, false
	}

	return VirtualTrackKey{
		AlbumBasename: albumBasename,
		Ordinal:       ordinal,
		StartSample:   start,
		EndSample:     end,
	}, true
}

// IsAlbum reports whether name's extension matches the configured
// album-extension pattern.
func (p *pathCodec) IsAlbum(name string) bool {
	return p.extensionRE.MatchString(filepath.Ext(name)) || p.extensionRE.MatchString(name)
}

// sanitizeTitle truncates title to the configured length and replaces path
// separators, NUL, and any occurrence of the synthetic separator with "_",
// then collapses runs of "_".
func (p *pathCodec) sanitizeTitle(title string) string {
	runes := []rune(title)
	if len(runes) > p.titleLength {
		runes = runes[:p.titleLength]
	}

	sanitized := string(runes)
	sanitized = strings.ReplaceAll(sanitized, "/", "_")
	sanitized = strings.ReplaceAll(sanitized, "\x00", "_")
	sanitized = strings.ReplaceAll(sanitized, p.separator, "_")

	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "track"
	}

	return sanitized
}
