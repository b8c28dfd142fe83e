package trackfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/wav"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/meta"
)

const (
	probeCacheSize    = 4096
	vorbisCueSheetKey = "CUESHEET"
)

// frontCoverType is the FLAC picture block PictureType for "Cover (front)".
const frontCoverType uint32 = 3

// probeFingerprint is the (mtime, size) pair a probe result is invalidated
// against.
type probeFingerprint struct {
	modTime time.Time
	size    int64
}

type probeCacheEntry struct {
	fingerprint probeFingerprint
	list        *TrackList
}

// albumProber implements Component C: discovering a physical album file's
// technical metadata, tags, cue source, and cover art, memoized by
// (mtime, size).
type albumProber struct {
	codec  *pathCodec
	cfg    *Config
	logger Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *probeCacheEntry]
}

func newAlbumProber(cfg *Config, codec *pathCodec) *albumProber {
	cache, err := lru.New[string, *probeCacheEntry](probeCacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which probeCacheSize never is.
		panic(err)
	}

	return &albumProber{codec: codec, cfg: cfg, logger: cfg.Logger, cache: cache}
}

// Probe returns the TrackList for the album file at path (a physical path,
// already joined with the source root by callers), using a memoized result
// when the file's (mtime, size) is unchanged.
func (p *albumProber) Probe(path string) (*TrackList, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}

	fp := probeFingerprint{modTime: info.ModTime(), size: info.Size()}

	p.mu.Lock()
	if entry, ok := p.cache.Get(path); ok && entry.fingerprint == fp {
		p.mu.Unlock()
		return entry.list, nil
	}
	p.mu.Unlock()

	list, err := p.probeUncached(path, info)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cache.Add(path, &probeCacheEntry{fingerprint: fp, list: list})
	p.mu.Unlock()

	return list, nil
}

func (p *albumProber) probeUncached(path string, info os.FileInfo) (*TrackList, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var (
		album *AlbumFile
		err   error
	)

	switch ext {
	case ".flac":
		album, err = p.probeFLAC(path, info)
	case ".wav":
		album, err = p.probeWAVE(path, info)
	default:
		return nil, &ProbeError{Path: path, Cause: fmt.Errorf("unrecognized album extension %q", ext)}
	}

	if err != nil {
		return nil, err
	}

	cueText, err := p.resolveCueSource(path, album)
	if err != nil {
		return nil, err
	}

	sheet, err := parseCueSheet(cueText, album.SampleRate)
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}

	resolved := resolveTrackBoundaries(sheet, album.NumSamples)

	if sheet.FileName != "" && filepath.Base(sheet.FileName) != filepath.Base(path) {
		p.logger.Debugf("probe %s: cue FILE %q names another file; treating it as this album", path, sheet.FileName)
	}

	// The cue sheet's album-level TITLE/PERFORMER are recorded here but not
	// written into album.Tags: they only apply as a fallback for
	// ALBUM/ALBUMARTIST once tag synthesis has had a chance to derive those
	// from the file's own ARTIST/TITLE tags.
	album.CueTitle = sheet.Title
	album.CuePerformer = sheet.Performer

	if album.Cover == nil {
		album.Cover = p.findCoverArt(path)
	}

	p.logger.Debugf("probed %s: %d track(s), %d samples @ %d Hz",
		path, len(resolved), album.NumSamples, album.SampleRate)

	return &TrackList{Album: album, Tracks: resolved}, nil
}

// resolveTrackBoundaries computes each track's [start, end) sample range:
// start from its INDEX 01, end from the next track's start, or totalSamples
// for the last track.
func resolveTrackBoundaries(sheet *CueSheet, totalSamples uint64) []ResolvedTrack {
	resolved := make([]ResolvedTrack, len(sheet.Tracks))

	for i, track := range sheet.Tracks {
		start, _ := track.Index1()

		end := totalSamples
		if i+1 < len(sheet.Tracks) {
			nextStart, ok := sheet.Tracks[i+1].Index1()
			if ok {
				end = nextStart
			}
		}

		resolved[i] = ResolvedTrack{CueTrack: track, StartSample: start, EndSample: end}
	}

	return resolved
}

// probeFLAC reads STREAMINFO, vorbis comments, and the first picture block
// natively via github.com/mewkiz/flac.
func (p *albumProber) probeFLAC(path string, info os.FileInfo) (*AlbumFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}
	defer f.Close()

	stream, err := flac.New(f)
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}

	album := &AlbumFile{
		Path:       path,
		Format:     FormatFLAC,
		Tags:       TagMap{},
		SampleRate: stream.Info.SampleRate,
		NumSamples: stream.Info.NSamples,
		ModTime:    info.ModTime(),
		Size:       info.Size(),
	}

	for _, block := range stream.Blocks {
		switch body := block.Body.(type) {
		case *meta.VorbisComment:
			for _, tag := range body.Tags {
				key, val := tag[0], tag[1]
				album.Tags[strings.ToUpper(key)] = append(album.Tags[strings.ToUpper(key)], val)
			}
		case *meta.Picture:
			if album.Cover == nil {
				album.Cover = body.Data
			}
		}
	}

	return album, nil
}

// probeWAVE reads the WAVE fmt chunk via github.com/go-audio/wav. WAVE
// carries no intrinsic tag data; the probe supplies only technical metadata.
func (p *albumProber) probeWAVE(path string, info os.FileInfo) (*AlbumFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, &ProbeError{Path: path, Cause: fmt.Errorf("not a valid WAVE file")}
	}

	duration, err := dec.Duration()
	if err != nil {
		return nil, &ProbeError{Path: path, Cause: err}
	}

	numSamples := uint64(duration.Seconds()*float64(dec.SampleRate) + 0.5)

	return &AlbumFile{
		Path:       path,
		Format:     FormatWAVE,
		Tags:       TagMap{},
		SampleRate: dec.SampleRate,
		NumSamples: numSamples,
		ModTime:    info.ModTime(),
		Size:       info.Size(),
	}, nil
}

// resolveCueSource locates the cue text for album, preferring an embedded
// CUESHEET vorbis comment over a side-car <basename>.cue file.
func (p *albumProber) resolveCueSource(path string, album *AlbumFile) (string, error) {
	if embedded := album.Tags.Get(vorbisCueSheetKey); embedded != "" {
		album.Tags.Delete(vorbisCueSheetKey) // never survives to inherited tags.
		return embedded, nil
	}

	sidecar := sidecarCuePath(path)

	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", &ProbeError{Path: path, Cause: fmt.Errorf("%w: %s", ErrNoCueSource, sidecar)}
	}

	return string(data), nil
}

func sidecarCuePath(albumPath string) string {
	ext := filepath.Ext(albumPath)
	return strings.TrimSuffix(albumPath, ext) + ".cue"
}

// findCoverArt falls back to <basename>.jpg, then folder.jpg, in the
// album's directory.
func (p *albumProber) findCoverArt(albumPath string) []byte {
	dir := filepath.Dir(albumPath)
	ext := filepath.Ext(albumPath)
	base := strings.TrimSuffix(filepath.Base(albumPath), ext)

	candidates := []string{
		filepath.Join(dir, base+".jpg"),
		filepath.Join(dir, "folder.jpg"),
	}

	for _, candidate := range candidates {
		if data, err := os.ReadFile(candidate); err == nil {
			return data
		}
	}

	return nil
}
