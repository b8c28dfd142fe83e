package trackfs

// ProbeFile runs the album prober against a single physical file, without
// mounting a filesystem. It exists for the `trackfs probe` diagnostic
// subcommand: a one-shot way to inspect how a cue sheet resolves.
func ProbeFile(cfg *Config, path string) (*TrackList, error) {
	codec := newPathCodec(cfg.Separator, cfg.TitleLength, cfg.ExtensionRegexp())
	prober := newAlbumProber(cfg, codec)

	return prober.Probe(path)
}

// EncodeTrackName renders the synthetic filename for a VirtualTrack under
// cfg's separator/title-length settings.
func EncodeTrackName(cfg *Config, vt VirtualTrack) string {
	codec := newPathCodec(cfg.Separator, cfg.TitleLength, cfg.ExtensionRegexp())
	return codec.Encode(vt)
}
