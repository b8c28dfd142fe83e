package trackfs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// virtualEntry is one entry in a directory listing produced by the
// directoryView: either a pass-through physical entry (directory,
// non-album file, or a kept album file) or a synthetic per-track entry.
type virtualEntry struct {
	Name         string
	IsDir        bool
	IsSynthetic  bool
	PhysicalPath string // set for pass-through entries; relative to SourceRoot.
	AlbumPath    string // the backing album's physical path, for synthetic entries.
	Track        VirtualTrack
	ModTime      time.Time
}

// directoryView implements Component F: it maps the physical source tree
// onto the filesystem's read-only view, splitting recognized album files
// into their synthesized tracks via the prober and path codec.
type directoryView struct {
	cfg    *Config
	prober *albumProber
	codec  *pathCodec
	logger Logger
}

func newDirectoryView(cfg *Config, prober *albumProber, codec *pathCodec) *directoryView {
	return &directoryView{cfg: cfg, prober: prober, codec: codec, logger: cfg.Logger}
}

// physicalPath joins the configured source root with a path relative to
// the mount's root.
func (v *directoryView) physicalPath(rel string) string {
	return filepath.Join(v.cfg.SourceRoot, rel)
}

// ReadDir lists the synthesized contents of the directory at rel (relative
// to the mount root).
func (v *directoryView) ReadDir(rel string) ([]virtualEntry, error) {
	dirents, err := os.ReadDir(v.physicalPath(rel))
	if err != nil {
		return nil, &FilesystemError{Op: "readdir", Path: rel, Cause: err}
	}

	entries := make([]virtualEntry, 0, len(dirents))

	for _, dirent := range dirents {
		if dirent.IsDir() {
			entries = append(entries, virtualEntry{Name: dirent.Name(), IsDir: true, PhysicalPath: filepath.Join(rel, dirent.Name())})
			continue
		}

		name := dirent.Name()

		if !v.cfg.ExtensionRegexp().MatchString(name) {
			entries = append(entries, v.passthroughEntry(rel, name))
			continue
		}

		albumRel := filepath.Join(rel, name)

		list, probeErr := v.prober.Probe(v.physicalPath(albumRel))
		if probeErr != nil {
			v.logger.Debugf("readdir %s: probe failed for %s: %v", rel, name, probeErr)
			entries = append(entries, v.passthroughEntry(rel, name))

			continue
		}

		if v.cfg.KeepAlbum {
			entries = append(entries, v.passthroughEntry(rel, name))
		}

		for i := range list.Tracks {
			vt := list.Tracks[i].ToVirtualTrack(list.Album.Basename())
			entries = append(entries, virtualEntry{
				Name:        v.codec.Encode(vt),
				IsSynthetic: true,
				AlbumPath:   albumRel,
				Track:       vt,
				ModTime:     list.Album.ModTime,
			})
		}
	}

	return entries, nil
}

func (v *directoryView) passthroughEntry(rel, name string) virtualEntry {
	info, err := os.Stat(v.physicalPath(filepath.Join(rel, name)))

	modTime := time.Time{}
	if err == nil {
		modTime = info.ModTime()
	}

	return virtualEntry{Name: name, PhysicalPath: filepath.Join(rel, name), ModTime: modTime}
}

// Lookup resolves a single name within rel, trying a synthetic decode
// first and falling back to the physical entry.
func (v *directoryView) Lookup(rel, name string) (*virtualEntry, error) {
	if key, ok := v.codec.Decode(name); ok {
		entry, err := v.lookupSynthetic(rel, key)
		if err == nil {
			return entry, nil
		}
		// A name that merely looks synthetic but doesn't resolve against any probed album is treated as not found,
		// never as a pass-through physical file (it can't be one: the
		// codec's separator cannot appear in a real source filename).
		return nil, &FilesystemError{Op: "lookup", Path: filepath.Join(rel, name), Cause: ErrNotFound}
	}

	physical := filepath.Join(rel, name)

	info, err := os.Stat(v.physicalPath(physical))
	if err != nil {
		return nil, &FilesystemError{Op: "lookup", Path: physical, Cause: ErrNotFound}
	}

	return &virtualEntry{
		Name:         name,
		IsDir:        info.IsDir(),
		PhysicalPath: physical,
		ModTime:      info.ModTime(),
	}, nil
}

func (v *directoryView) lookupSynthetic(rel string, key VirtualTrackKey) (*virtualEntry, error) {
	albumRel := filepath.Join(rel, key.AlbumBasename)

	list, err := v.prober.Probe(v.physicalPath(albumRel))
	if err != nil {
		return nil, err
	}

	for i := range list.Tracks {
		vt := list.Tracks[i].ToVirtualTrack(list.Album.Basename())
		if vt.Ordinal == key.Ordinal && vt.StartSample == key.StartSample && vt.EndSample == key.EndSample {
			return &virtualEntry{
				Name:        v.codec.Encode(vt),
				IsSynthetic: true,
				AlbumPath:   albumRel,
				Track:       vt,
				ModTime:     list.Album.ModTime,
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: no matching track for ordinal %d", ErrNotFound, key.Ordinal)
}

// ResolveTrack re-probes entry's backing album and returns the AlbumFile
// plus the specific ResolvedTrack the entry names, for materialization.
func (v *directoryView) ResolveTrack(entry *virtualEntry) (*AlbumFile, *ResolvedTrack, error) {
	list, err := v.prober.Probe(v.physicalPath(entry.AlbumPath))
	if err != nil {
		return nil, nil, err
	}

	for i := range list.Tracks {
		t := &list.Tracks[i]
		if t.Number == entry.Track.Ordinal && t.StartSample == entry.Track.StartSample && t.EndSample == entry.Track.EndSample {
			return list.Album, t, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: track no longer present after reprobe", ErrNotFound)
}
