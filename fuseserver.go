package trackfs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

// Server is the FUSE front-end: it translates kernel upcalls into calls on
// the directory view, prober, materializer, and cache. Only the read-only
// surface is implemented; any write-side request fails with EROFS.
type Server struct {
	cfg          *Config
	logger       Logger
	view         *directoryView
	materializer *materializer
	cache        *artifactCache
}

func newServer(cfg *Config) *Server {
	codec := newPathCodec(cfg.Separator, cfg.TitleLength, cfg.ExtensionRegexp())
	prober := newAlbumProber(cfg, codec)

	return &Server{
		cfg:          cfg,
		logger:       cfg.Logger,
		view:         newDirectoryView(cfg, prober, codec),
		materializer: newMaterializer(cfg),
		cache:        newArtifactCache(cfg),
	}
}

// Mount mounts the filesystem at cfg.MountPoint and serves it until ctx is
// canceled or an unrecoverable error occurs.
func Mount(ctx context.Context, cfg *Config) error {
	srv := newServer(cfg)

	conn, err := fuse.Mount(cfg.MountPoint, fuse.ReadOnly(), fuse.FSName("trackfs"), fuse.Subtype("trackfs"))
	if err != nil {
		return &FilesystemError{Op: "mount", Path: cfg.MountPoint, Cause: err}
	}

	done := make(chan error, 1)

	go func() {
		done <- fusefs.Serve(conn, srv)
	}()

	select {
	case <-ctx.Done():
		_ = fuse.Unmount(cfg.MountPoint)
		<-done

		return conn.Close()
	case err := <-done:
		closeErr := conn.Close()
		if err != nil {
			return &FilesystemError{Op: "serve", Path: cfg.MountPoint, Cause: err}
		}

		return closeErr
	}
}

// Root implements fusefs.FS.
func (s *Server) Root() (fusefs.Node, error) {
	return &dirNode{srv: s, rel: "."}, nil
}

// dirNode represents a directory: the mount root or any physical
// subdirectory of the source tree.
type dirNode struct {
	srv *Server
	rel string
}

var (
	_ fusefs.Node                = (*dirNode)(nil)
	_ fusefs.NodeStringLookuper  = (*dirNode)(nil)
	_ fusefs.HandleReadDirAller  = (*dirNode)(nil)
)

func (d *dirNode) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := os.Stat(filepath.Join(d.srv.cfg.SourceRoot, d.rel))
	if err != nil {
		return syscall.ENOENT
	}

	a.Mode = os.ModeDir | 0o555
	a.Mtime = info.ModTime()
	a.Size = 0

	return nil
}

func (d *dirNode) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	entry, err := d.srv.view.Lookup(d.rel, name)
	if err != nil {
		return nil, syscall.ENOENT
	}

	if entry.IsDir {
		return &dirNode{srv: d.srv, rel: entry.PhysicalPath}, nil
	}

	return d.srv.nodeForEntry(entry), nil
}

func (d *dirNode) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries, err := d.srv.view.ReadDir(d.rel)
	if err != nil {
		return nil, syscall.EIO
	}

	dirents := make([]fuse.Dirent, 0, len(entries))

	for _, e := range entries {
		dtype := fuse.DT_File
		if e.IsDir {
			dtype = fuse.DT_Dir
		}

		dirents = append(dirents, fuse.Dirent{Name: e.Name, Type: dtype})
	}

	return dirents, nil
}

// Setattr, Mkdir, and the other write-side node methods are deliberately
// not implemented: the library's default dispatch returns ENOSYS for an
// unimplemented optional method, so an explicit EROFS refusal is only
// needed where a read-only mount (fuse.ReadOnly(), set in Mount) would
// not already prevent the kernel from attempting the call.

func (s *Server) nodeForEntry(entry *virtualEntry) fusefs.Node {
	if entry.IsSynthetic {
		return &trackNode{srv: s, entry: *entry}
	}

	return &passthroughNode{srv: s, rel: entry.PhysicalPath}
}

// passthroughNode serves bytes directly from a physical, non-synthesized
// file: a non-album file, or a kept album file under --keep-album.
type passthroughNode struct {
	srv *Server
	rel string
}

var (
	_ fusefs.Node     = (*passthroughNode)(nil)
	_ fusefs.NodeOpener = (*passthroughNode)(nil)
)

func (p *passthroughNode) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := os.Stat(filepath.Join(p.srv.cfg.SourceRoot, p.rel))
	if err != nil {
		return syscall.ENOENT
	}

	a.Mode = 0o444
	a.Mtime = info.ModTime()
	a.Size = uint64(info.Size())

	return nil
}

func (p *passthroughNode) Open(_ context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	f, err := os.Open(filepath.Join(p.srv.cfg.SourceRoot, p.rel))
	if err != nil {
		return nil, syscall.EIO
	}

	resp.Flags |= fuse.OpenKeepCache

	return &passthroughHandle{file: f}, nil
}

type passthroughHandle struct {
	mu   sync.Mutex
	file *os.File
}

var (
	_ fusefs.HandleReader   = (*passthroughHandle)(nil)
	_ fusefs.HandleReleaser = (*passthroughHandle)(nil)
)

func (h *passthroughHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	buf := make([]byte, req.Size)

	n, err := h.file.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return syscall.EIO
	}

	resp.Data = buf[:n]

	return nil
}

func (h *passthroughHandle) Release(context.Context, *fuse.ReleaseRequest) error {
	return h.file.Close()
}

// trackNode represents a synthesized per-track FLAC file, materialized
// lazily through the cache on first Open.
type trackNode struct {
	srv   *Server
	entry virtualEntry

	mu           sync.Mutex
	materialized bool
	size         uint64
}

var (
	_ fusefs.Node       = (*trackNode)(nil)
	_ fusefs.NodeOpener = (*trackNode)(nil)
)

// Attr reports a provisional size of 0 for a track that hasn't been opened
// yet, since materializing it just to answer a stat call would defeat the
// cache's laziness; once Open has run, the authoritative artifact length
// is reported.
func (t *trackNode) Attr(_ context.Context, a *fuse.Attr) error {
	albumInfo, err := os.Stat(filepath.Join(t.srv.cfg.SourceRoot, t.entry.AlbumPath))
	if err != nil {
		return syscall.ENOENT
	}

	a.Mode = 0o444
	a.Mtime = albumInfo.ModTime()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.materialized {
		a.Size = t.size
	} else {
		a.Size = 0
	}

	return nil
}

func (t *trackNode) Open(ctx context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	key := VirtualTrackKey{
		AlbumBasename: t.entry.Track.AlbumBasename,
		Ordinal:       t.entry.Track.Ordinal,
		StartSample:   t.entry.Track.StartSample,
		EndSample:     t.entry.Track.EndSample,
	}

	data, release, err := t.srv.cache.Get(ctx, key, func(ctx context.Context) ([]byte, error) {
		album, track, resolveErr := t.srv.view.ResolveTrack(&t.entry)
		if resolveErr != nil {
			return nil, resolveErr
		}

		return t.srv.materializer.Materialize(ctx, filepath.Join(t.srv.cfg.SourceRoot, t.entry.AlbumPath), album, track)
	})
	if err != nil {
		t.srv.logger.Debugf("materializing %s: %v", t.entry.Name, err)
		return nil, syscall.EIO
	}

	t.mu.Lock()
	t.materialized = true
	t.size = uint64(len(data))
	t.mu.Unlock()

	resp.Flags |= fuse.OpenKeepCache

	return &trackHandle{data: data, release: release}, nil
}

type trackHandle struct {
	data    []byte
	release func()

	once sync.Once
}

var (
	_ fusefs.HandleReader   = (*trackHandle)(nil)
	_ fusefs.HandleReleaser = (*trackHandle)(nil)
)

func (h *trackHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	if req.Offset < 0 || req.Offset >= int64(len(h.data)) {
		resp.Data = nil
		return nil
	}

	end := req.Offset + int64(req.Size)
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}

	resp.Data = h.data[req.Offset:end]

	return nil
}

func (h *trackHandle) Release(context.Context, *fuse.ReleaseRequest) error {
	h.once.Do(h.release)
	return nil
}
