package trackfs

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// AudioFormat identifies the on-disk encoding of a physical album file.
type AudioFormat int

const (
	// FormatFLAC is a native FLAC stream.
	FormatFLAC AudioFormat = iota
	// FormatWAVE is an uncompressed WAVE (RIFF/WAVE fmt) stream.
	FormatWAVE
)

func (f AudioFormat) String() string {
	switch f {
	case FormatFLAC:
		return "flac"
	case FormatWAVE:
		return "wave"
	default:
		return "unknown"
	}
}

// TagMap is a case-insensitive, multi-valued tag dictionary. Keys are
// stored upper-cased; values preserve insertion order per key.
type TagMap map[string][]string

// Get returns the first value for key, or "" if absent.
func (t TagMap) Get(key string) string {
	vals := t[normalizeTagKey(key)]
	if len(vals) == 0 {
		return ""
	}

	return vals[0]
}

// All returns all values for key, or nil if absent.
func (t TagMap) All(key string) []string {
	return t[normalizeTagKey(key)]
}

// Has reports whether key has at least one value.
func (t TagMap) Has(key string) bool {
	return len(t[normalizeTagKey(key)]) > 0
}

// Set replaces all values for key with vals.
func (t TagMap) Set(key string, vals ...string) {
	t[normalizeTagKey(key)] = vals
}

// Delete removes key entirely.
func (t TagMap) Delete(key string) {
	delete(t, normalizeTagKey(key))
}

// Clone returns a deep copy of t.
func (t TagMap) Clone() TagMap {
	out := make(TagMap, len(t))
	for k, v := range t {
		vc := make([]string, len(v))
		copy(vc, v)
		out[k] = vc
	}

	return out
}

// SortedKeys returns t's keys in lexical order, for callers that need
// deterministic iteration (e.g. writing a vorbis comment block).
func (t TagMap) SortedKeys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func normalizeTagKey(key string) string {
	return strings.ToUpper(key)
}

// AlbumFile describes a physical album file discovered on the source tree.
type AlbumFile struct {
	Path       string // physical path, as given to the prober.
	Format     AudioFormat
	Tags       TagMap
	Cover      []byte // nil if no cover art found.
	NumSamples uint64
	SampleRate uint32
	ModTime    time.Time
	Size       int64

	// CueTitle/CuePerformer are the cue sheet's album-level TITLE/PERFORMER,
	// used only as a fallback for ALBUM/ALBUMARTIST during tag synthesis
	// when the file's own tags don't already supply them (directly or via
	// the ARTIST/TITLE derivation). Never written into Tags directly.
	CueTitle     string
	CuePerformer string
}

// Basename returns the file's base name (e.g. "album.flac").
func (a *AlbumFile) Basename() string {
	return filepath.Base(a.Path)
}

// CueIndex is a single INDEX point within a cue track: an index number (0
// or 1 are the ones this system acts on) and a sample position.
type CueIndex struct {
	Number      int
	StartSample uint64
}

// CueTrack is a single TRACK block from a cue sheet.
type CueTrack struct {
	Number     int
	Title      string
	Performer  string
	Songwriter string
	Indexes    []CueIndex
}

// Index1 returns the INDEX 01 position of the track, and whether it was
// present (every valid track has one; its absence is a parse failure).
func (c *CueTrack) Index1() (uint64, bool) {
	for _, idx := range c.Indexes {
		if idx.Number == 1 {
			return idx.StartSample, true
		}
	}

	return 0, false
}

// CueSheet is a fully parsed cue sheet: album-level metadata plus its
// ordered tracks.
type CueSheet struct {
	Title      string
	Performer  string
	Songwriter string
	FileName   string // the referenced FILE clause's filename, as written.
	Tracks     []CueTrack
}

// TrackList is a probed album's ordered tracks, each with its resolved
// [start, end) sample range, alongside the AlbumFile it derives from.
type TrackList struct {
	Album  *AlbumFile
	Tracks []ResolvedTrack
}

// ResolvedTrack pairs a CueTrack with its final [start, end) sample range,
// computed from the next track's start (or the album's total sample count
// for the last track).
type ResolvedTrack struct {
	CueTrack
	StartSample uint64
	EndSample   uint64
}

// ToVirtualTrack builds the VirtualTrack identity for this resolved track.
func (r *ResolvedTrack) ToVirtualTrack(albumBasename string) VirtualTrack {
	title := r.Title
	if title == "" {
		title = defaultTrackTitle(r.Number)
	}

	return VirtualTrack{
		AlbumBasename: albumBasename,
		Ordinal:       r.Number,
		StartSample:   r.StartSample,
		EndSample:     r.EndSample,
		DisplayTitle:  title,
	}
}

func defaultTrackTitle(ordinal int) string {
	return "Track " + strconv.Itoa(ordinal)
}
