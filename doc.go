// Package trackfs implements a read-only virtual filesystem that splits
// single-file album recordings (FLAC or WAVE, paired with an embedded or
// side-car cue sheet) into synthetic per-track FLAC files.
//
// The core of the package is split across a handful of collaborating
// pieces: a path codec that encodes/decodes synthetic track filenames, a
// cue-sheet parser, an album prober that discovers track boundaries and
// tags, a track materializer that produces the final per-track FLAC byte
// stream on demand, and a materialization cache that memoizes artifacts
// and bounds their retained memory/disk footprint. The FUSE front-end
// (fuseserver.go) wires these pieces to bazil.org/fuse.
package trackfs
