package trackfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"

	gmflac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacvorbis"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fixtureSampleRate    = 44100
	fixtureBitsPerSample = 16
	fixtureNChannels     = 2
	fixtureBlockSize     = 4096
)

// writeFixtureFLAC encodes a short sine-wave FLAC stream to w.
func writeFixtureFLAC(t *testing.T, w io.Writer, totalSamples uint64) {
	t.Helper()

	info := &meta.StreamInfo{
		BlockSizeMin:  fixtureBlockSize,
		BlockSizeMax:  fixtureBlockSize,
		SampleRate:    fixtureSampleRate,
		NChannels:     fixtureNChannels,
		BitsPerSample: fixtureBitsPerSample,
		NSamples:      totalSamples,
	}

	enc, err := flac.NewEncoder(w, info)
	require.NoError(t, err, "creating FLAC encoder")

	written := uint64(0)

	for written < totalSamples {
		blockSize := uint64(fixtureBlockSize)
		if written+blockSize > totalSamples {
			blockSize = totalSamples - written
		}

		left := make([]int32, blockSize)
		right := make([]int32, blockSize)

		for i := uint64(0); i < blockSize; i++ {
			n := written + i
			val := int32(16000 * math.Sin(2*math.Pi*440*float64(n)/float64(fixtureSampleRate)))
			left[i] = val
			right[i] = val
		}

		f := &frame.Frame{
			Header: frame.Header{
				BlockSize:     uint16(blockSize),
				SampleRate:    fixtureSampleRate,
				Channels:      frame.ChannelsLR,
				BitsPerSample: fixtureBitsPerSample,
			},
			Subframes: []*frame.Subframe{
				{SubHeader: frame.SubHeader{Pred: frame.PredVerbatim}, Samples: left, NSamples: int(blockSize)},
				{SubHeader: frame.SubHeader{Pred: frame.PredVerbatim}, Samples: right, NSamples: int(blockSize)},
			},
		}

		require.NoError(t, enc.WriteFrame(f), "writing FLAC frame")
		written += blockSize
	}

	require.NoError(t, enc.Close(), "closing FLAC encoder")
}

// fakeDecoder writes a fixed number of zero PCM bytes, ignoring the
// requested range, so tests never depend on a real ffmpeg binary.
func fakeDecoder(pcmBytes int) Decoder {
	return func(_ context.Context, _ string, _, _ uint64, w io.Writer) error {
		_, err := w.Write(make([]byte, pcmBytes))
		return err
	}
}

// fakeEncoder ignores its PCM input and emits a small fixture FLAC stream,
// so the tag/cover synthesis stage has a real FLAC file to operate on.
func fakeEncoder(t *testing.T, totalSamples uint64) Encoder {
	return func(_ context.Context, _ uint32, r io.Reader, w io.Writer) error {
		_, _ = io.Copy(io.Discard, r)
		writeFixtureFLAC(t, w, totalSamples)
		return nil
	}
}

func newTestMaterializer(t *testing.T, totalSamples uint64) *materializer {
	dir := t.TempDir()

	cfg := NewConfig()
	cfg.SourceRoot = dir
	cfg.MountPoint = dir
	require.NoError(t, cfg.Validate())

	m := newMaterializer(cfg)
	m.decode = fakeDecoder(1024)
	m.encode = fakeEncoder(t, totalSamples)

	return m
}

func TestMaterializeProducesTaggedFLAC(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)

	album := &AlbumFile{
		Path:       "album.flac",
		SampleRate: 44100,
		Tags:       TagMap{"ARTIST": {"Alice"}, "ALBUM": {"Live"}},
	}

	track := &ResolvedTrack{
		CueTrack:    CueTrack{Number: 2, Title: "Second Song", Performer: "Bob"},
		StartSample: 0,
		EndSample:   44100,
	}

	out, err := m.Materialize(context.Background(), album.Path, album, track)
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	f, err := gmflac.ParseBytes(bytes.NewReader(out))
	require.NoError(t, err)

	var found bool

	for _, block := range f.Meta {
		if block.Type == gmflac.VorbisComment {
			found = true
		}
	}

	assert.True(t, found, "expected a vorbis comment block in the materialized output")
}

func TestMaterializeEmbedsCoverArt(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)

	// JPEG marker bytes (SOI, an empty APP0, EOI): enough for
	// http.DetectContentType to report image/jpeg, though not a decodable image.
	cover := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x00, 0xFF, 0xD9}

	album := &AlbumFile{
		Path:       "album.flac",
		SampleRate: 44100,
		Tags:       TagMap{},
		Cover:      cover,
	}

	track := &ResolvedTrack{CueTrack: CueTrack{Number: 1}, StartSample: 0, EndSample: 44100}

	out, err := m.Materialize(context.Background(), album.Path, album, track)
	require.NoError(t, err)

	f, err := gmflac.ParseBytes(bytes.NewReader(out))
	require.NoError(t, err)

	var found bool

	for _, block := range f.Meta {
		if block.Type == gmflac.Picture {
			found = true
		}
	}

	assert.True(t, found, "expected a picture block in the materialized output")
}

func TestMaterializeWrapsDecodeFailure(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)
	m.decode = func(context.Context, string, uint64, uint64, io.Writer) error {
		return errors.New("boom")
	}

	album := &AlbumFile{Path: "album.flac", SampleRate: 44100, Tags: TagMap{}}
	track := &ResolvedTrack{CueTrack: CueTrack{Number: 1}, StartSample: 0, EndSample: 100}

	_, err := m.Materialize(context.Background(), album.Path, album, track)
	require.Error(t, err)

	var matErr *MaterializationError
	require.ErrorAs(t, err, &matErr)
	assert.Equal(t, "decode", matErr.Stage)
}

func TestMaterializeWrapsDecodeTimeout(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)
	m.decode = func(ctx context.Context, _ string, _, _ uint64, _ io.Writer) error {
		<-ctx.Done()
		return ctx.Err()
	}

	album := &AlbumFile{Path: "album.flac", SampleRate: 44100, Tags: TagMap{}}
	track := &ResolvedTrack{CueTrack: CueTrack{Number: 1}, StartSample: 0, EndSample: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 1)
	defer cancel()

	_, err := m.Materialize(ctx, album.Path, album, track)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecodeTimeout)
}

func TestSynthesizeTagsAppliedDuringMaterialization(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)

	album := &AlbumFile{
		Path:       "album.flac",
		SampleRate: 44100,
		Tags:       TagMap{"ARTIST": {"Alice"}, "COMMENT": {"drop me"}},
	}

	track := &ResolvedTrack{
		CueTrack:    CueTrack{Number: 3, Title: "Third Song"},
		StartSample: 0,
		EndSample:   44100,
	}

	out, err := m.Materialize(context.Background(), album.Path, album, track)
	require.NoError(t, err)

	f, err := gmflac.ParseBytes(bytes.NewReader(out))
	require.NoError(t, err)

	for _, block := range f.Meta {
		if block.Type != gmflac.VorbisComment {
			continue
		}

		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		require.NoError(t, err)

		assert.Contains(t, cmt.Comments, "TITLE=Third Song")
		assert.Contains(t, cmt.Comments, "TRACKNUMBER=03")

		for _, c := range cmt.Comments {
			assert.NotContains(t, c, "COMMENT=")
		}
	}
}

func TestSynthesizeTagsZeroPadsFirstTrackNumber(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)

	album := &AlbumFile{
		Path:       "album.flac",
		SampleRate: 44100,
		Tags:       TagMap{"ARTIST": {"Alice"}},
	}

	track := &ResolvedTrack{
		CueTrack:    CueTrack{Number: 1, Title: "First Song"},
		StartSample: 0,
		EndSample:   44100,
	}

	out, err := m.Materialize(context.Background(), album.Path, album, track)
	require.NoError(t, err)

	f, err := gmflac.ParseBytes(bytes.NewReader(out))
	require.NoError(t, err)

	var found bool

	for _, block := range f.Meta {
		if block.Type != gmflac.VorbisComment {
			continue
		}

		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		require.NoError(t, err)

		assert.Contains(t, cmt.Comments, "TRACKNUMBER=01")
		found = true
	}

	assert.True(t, found, "expected a vorbis comment block in the materialized output")
}

func TestSynthesizeTagsDerivesAlbumArtistBeforeCueFallback(t *testing.T) {
	t.Parallel()

	m := newTestMaterializer(t, 44100)

	// The album's own ARTIST tag must win over the cue sheet's album-level
	// PERFORMER: derivation from ARTIST runs before the cue fallback ever
	// applies, so ALBUMARTIST should come from ARTIST, not from the cue.
	album := &AlbumFile{
		Path:         "album.flac",
		SampleRate:   44100,
		Tags:         TagMap{"ARTIST": {"Alice"}},
		CuePerformer: "TheCueArtist",
	}

	track := &ResolvedTrack{
		CueTrack:    CueTrack{Number: 1, Title: "First Song"},
		StartSample: 0,
		EndSample:   44100,
	}

	out, err := m.Materialize(context.Background(), album.Path, album, track)
	require.NoError(t, err)

	f, err := gmflac.ParseBytes(bytes.NewReader(out))
	require.NoError(t, err)

	var found bool

	for _, block := range f.Meta {
		if block.Type != gmflac.VorbisComment {
			continue
		}

		cmt, err := flacvorbis.ParseFromMetaDataBlock(*block)
		require.NoError(t, err)

		assert.Contains(t, cmt.Comments, "ALBUMARTIST=Alice")
		assert.NotContains(t, cmt.Comments, "ALBUMARTIST=TheCueArtist")
		found = true
	}

	assert.True(t, found, "expected a vorbis comment block in the materialized output")
}
