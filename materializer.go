package trackfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	flac "github.com/go-flac/go-flac"
	"github.com/go-flac/flacpicture"
	"github.com/go-flac/flacvorbis"
)

// Decoder renders the PCM samples of an album file in [start, end) to w, at
// the album's native sample rate and channel count. Implementations are
// expected to honor ctx cancellation/timeout.
type Decoder func(ctx context.Context, albumPath string, start, end uint64, w io.Writer) error

// Encoder reads raw PCM samples from r (produced by a Decoder) and writes a
// FLAC-encoded stream to w.
type Encoder func(ctx context.Context, sampleRate uint32, r io.Reader, w io.Writer) error

// materializer implements Component D: rendering a VirtualTrack into a
// complete, tagged FLAC byte stream.
type materializer struct {
	cfg    *Config
	logger Logger
	decode Decoder
	encode Encoder
}

func newMaterializer(cfg *Config) *materializer {
	return &materializer{
		cfg:    cfg,
		logger: cfg.Logger,
		decode: subprocessDecoder(cfg),
		encode: subprocessEncoder(cfg),
	}
}

// Materialize renders track into a complete FLAC file: decode its sample
// range, encode to FLAC, synthesize tags, embed cover art, and return the
// final bytes. albumPath is the physical path to the source album file.
func (m *materializer) Materialize(ctx context.Context, albumPath string, album *AlbumFile, track *ResolvedTrack) ([]byte, error) {
	var pcm bytes.Buffer

	if err := m.decode(ctx, albumPath, track.StartSample, track.EndSample, &pcm); err != nil {
		return nil, classifyMaterializationError("decode", albumPath, ctx, err)
	}

	var encoded bytes.Buffer

	if err := m.encode(ctx, album.SampleRate, &pcm, &encoded); err != nil {
		return nil, classifyMaterializationError("encode", albumPath, ctx, err)
	}

	f, err := flac.ParseBytes(bytes.NewReader(encoded.Bytes()))
	if err != nil {
		return nil, NewMaterializationError("tag", albumPath, err)
	}

	tags := synthesizeTags(album, track, m.cfg.IgnoreTagsRegexp())

	if err := applyVorbisComment(f, tags); err != nil {
		return nil, NewMaterializationError("tag", albumPath, err)
	}

	if album.Cover != nil {
		if err := applyCoverPicture(f, album.Cover); err != nil {
			return nil, NewMaterializationError("cover", albumPath, err)
		}
	}

	return f.Marshal(), nil
}

// applyVorbisComment replaces f's VorbisComment block (creating one if
// absent) with the contents of tags.
func applyVorbisComment(f *flac.File, tags TagMap) error {
	var existing *flac.MetaDataBlock

	for _, block := range f.Meta {
		if block.Type == flac.VorbisComment {
			existing = block
			break
		}
	}

	var cmt *flacvorbis.MetaDataBlockVorbisComment

	if existing != nil {
		parsed, err := flacvorbis.ParseFromMetaDataBlock(*existing)
		if err != nil {
			return fmt.Errorf("parsing existing vorbis comment: %w", err)
		}

		cmt = parsed
		cmt.Comments = nil
	} else {
		cmt = flacvorbis.New()
	}

	for _, key := range tags.SortedKeys() {
		for _, val := range tags.All(key) {
			if err := cmt.Add(key, val); err != nil {
				return fmt.Errorf("adding tag %s: %w", key, err)
			}
		}
	}

	block := cmt.Marshal()

	if existing != nil {
		*existing = block
	} else {
		f.Meta = append(f.Meta, &block)
	}

	return nil
}

// applyCoverPicture replaces f's Picture blocks with a single front-cover
// picture built from data.
func applyCoverPicture(f *flac.File, data []byte) error {
	mimeType := http.DetectContentType(data)

	picture, err := flacpicture.NewFromImageData(flacpicture.PictureTypeFrontCover, "cover", data, mimeType)
	if err != nil {
		return fmt.Errorf("building picture block: %w", err)
	}

	kept := make([]*flac.MetaDataBlock, 0, len(f.Meta)+1)

	for _, block := range f.Meta {
		if block.Type != flac.Picture {
			kept = append(kept, block)
		}
	}

	pictureBlock := picture.Marshal()
	kept = append(kept, &pictureBlock)

	f.Meta = kept

	return nil
}

// classifyMaterializationError maps a subprocess failure to the
// stage-specific sentinel error, distinguishing a deadline timeout from an
// ordinary non-zero exit.
func classifyMaterializationError(stage, path string, ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if stage == "decode" {
			return NewMaterializationError(stage, path, fmt.Errorf("%w: %v", ErrDecodeTimeout, err))
		}

		return NewMaterializationError(stage, path, fmt.Errorf("%w: %v", ErrEncodeTimeout, err))
	}

	if stage == "decode" {
		return NewMaterializationError(stage, path, fmt.Errorf("%w: %v", ErrDecodeFailed, err))
	}

	return NewMaterializationError(stage, path, fmt.Errorf("%w: %v", ErrEncodeFailed, err))
}

// subprocessDecoder returns a Decoder that invokes cfg.DecoderCmd (ffmpeg by
// default) to render 16-bit little-endian PCM for the given sample range.
func subprocessDecoder(cfg *Config) Decoder {
	return func(ctx context.Context, albumPath string, start, end uint64, w io.Writer) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.ProcessTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, cfg.DecoderCmd,
			"-v", "quiet",
			"-i", albumPath,
			"-map", "0:a:0",
			"-f", "s16le",
			"-af", fmt.Sprintf("atrim=start_sample=%d:end_sample=%d", start, end),
			"-",
		)

		cmd.Stdout = w

		var stderr bytes.Buffer

		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", stderr.String(), err)
		}

		return nil
	}
}

// subprocessEncoder returns an Encoder that invokes cfg.EncoderCmd (ffmpeg by
// default) to compress raw PCM from r into a FLAC stream.
func subprocessEncoder(cfg *Config) Encoder {
	return func(ctx context.Context, sampleRate uint32, r io.Reader, w io.Writer) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.ProcessTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, cfg.EncoderCmd,
			"-v", "quiet",
			"-f", "s16le",
			"-ar", strconv.FormatUint(uint64(sampleRate), 10),
			"-i", "-",
			"-f", "flac",
			"-",
		)

		cmd.Stdin = r
		cmd.Stdout = w

		var stderr bytes.Buffer

		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("%s: %w", stderr.String(), err)
		}

		return nil
	}
}

