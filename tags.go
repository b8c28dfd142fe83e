package trackfs

import (
	"fmt"
	"regexp"
	"strings"
)

// synthesizeTags produces the final vorbis comment set for a materialized
// track: start from the album's inherited tags, drop anything ignored or
// unsafe, derive ALBUMARTIST/ALBUM from ARTIST/TITLE where absent, fall
// back to the cue sheet's album-level PERFORMER/TITLE where still absent,
// then apply the track's own title/performer/songwriter/number.
func synthesizeTags(album *AlbumFile, track *ResolvedTrack, ignoreTags *regexp.Regexp) TagMap {
	tags := album.Tags.Clone()

	for key := range tags {
		if ignoreTags != nil && ignoreTags.MatchString(key) {
			tags.Delete(key)
		}
	}

	for key, vals := range tags {
		if containsNewline(vals) {
			tags.Delete(key)
		}
	}

	if !tags.Has("ALBUMARTIST") && tags.Has("ARTIST") {
		tags.Set("ALBUMARTIST", tags.All("ARTIST")...)
	}

	if !tags.Has("ALBUM") && tags.Has("TITLE") {
		tags.Set("ALBUM", tags.All("TITLE")...)
	}

	if !tags.Has("ALBUM") && album.CueTitle != "" {
		tags.Set("ALBUM", album.CueTitle)
	}

	if !tags.Has("ALBUMARTIST") && album.CuePerformer != "" {
		tags.Set("ALBUMARTIST", album.CuePerformer)
	}

	if track.Title != "" {
		tags.Set("TITLE", track.Title)
	}

	if track.Performer != "" {
		tags.Set("ARTIST", splitSemicolonValues(track.Performer)...)
	}

	if track.Songwriter != "" {
		tags.Set("COMPOSER", splitSemicolonValues(track.Songwriter)...)
	}

	tags.Set("TRACKNUMBER", formatTrackNumber(track.Number))

	return tags
}

func containsNewline(vals []string) bool {
	for _, v := range vals {
		if strings.ContainsAny(v, "\n\r") {
			return true
		}
	}

	return false
}

// formatTrackNumber zero-pads ordinal to two digits, matching the filename
// codec's own padding of the same number (pathcodec.go's Encode).
func formatTrackNumber(ordinal int) string {
	return fmt.Sprintf("%02d", ordinal)
}
