package trackfs

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *pathCodec {
	t.Helper()

	re, err := regexp.Compile(DefaultExtensionPattern)
	require.NoError(t, err)

	return newPathCodec(DefaultSeparator, DefaultTitleLength, re)
}

func TestPathCodecEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	v := VirtualTrack{
		AlbumBasename: "a.flac",
		Ordinal:       1,
		StartSample:   0,
		EndSample:     44100,
		DisplayTitle:  "Intro",
	}

	name := codec.Encode(v)
	assert.Equal(t, "a.flac.#-#.01.Intro.0-44100.flac", name)

	key, ok := codec.Decode(name)
	require.True(t, ok)
	assert.Equal(t, VirtualTrackKey{
		AlbumBasename: "a.flac",
		Ordinal:       1,
		StartSample:   0,
		EndSample:     44100,
	}, key)
}

func TestPathCodecDecodeRejectsNonSynthetic(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	cases := []string{
		"a.flac",
		"readme.txt",
		"a.flac.#-#.not-an-ordinal.title.0-100.flac",
		"a.flac.#-#.01.title.nodash.flac",
	}

	for _, name := range cases {
		_, ok := codec.Decode(name)
		assert.Falsef(t, ok, "expected decode(%q) to fail", name)
	}
}

func TestPathCodecSanitizesTitleAndPreservesDotsInsideTitle(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	v := VirtualTrack{
		AlbumBasename: "album.flac",
		Ordinal:       2,
		StartSample:   100,
		EndSample:     200,
		DisplayTitle:  "Mr. Smith / Goes.#-#.Home",
	}

	name := codec.Encode(v)

	key, ok := codec.Decode(name)
	require.True(t, ok)
	assert.Equal(t, 2, key.Ordinal)
	assert.Equal(t, uint64(100), key.StartSample)
	assert.Equal(t, uint64(200), key.EndSample)
	assert.Equal(t, "album.flac", key.AlbumBasename)
}

func TestPathCodecTitleTruncation(t *testing.T) {
	t.Parallel()

	re, err := regexp.Compile(DefaultExtensionPattern)
	require.NoError(t, err)

	codec := newPathCodec(DefaultSeparator, 5, re)

	name := codec.Encode(VirtualTrack{
		AlbumBasename: "a.flac",
		Ordinal:       1,
		StartSample:   0,
		EndSample:     10,
		DisplayTitle:  "Abcdefghij",
	})

	assert.Contains(t, name, "Abcde")
	assert.NotContains(t, name, "Abcdef")
}

func TestPathCodecIsAlbum(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	assert.True(t, codec.IsAlbum("album.flac"))
	assert.True(t, codec.IsAlbum("album.WAV"))
	assert.False(t, codec.IsAlbum("cover.jpg"))
	assert.False(t, codec.IsAlbum("album.cue"))
}

func TestPathCodecTieBreakOnIdenticalTitles(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)

	a := codec.Encode(VirtualTrack{AlbumBasename: "a.flac", Ordinal: 1, StartSample: 0, EndSample: 100, DisplayTitle: "Same"})
	b := codec.Encode(VirtualTrack{AlbumBasename: "a.flac", Ordinal: 2, StartSample: 100, EndSample: 200, DisplayTitle: "Same"})

	assert.NotEqual(t, a, b)
}
