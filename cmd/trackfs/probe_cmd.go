package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andresch/trackfs"
	"github.com/spf13/cobra"
)

// probeResult is the JSON shape printed by `trackfs probe`: enough to
// debug a cue sheet without mounting anything.
type probeResult struct {
	Album  albumSummary   `json:"album"`
	Tracks []trackSummary `json:"tracks"`
}

type albumSummary struct {
	Path       string `json:"path"`
	Format     string `json:"format"`
	SampleRate uint32 `json:"sample_rate"`
	NumSamples uint64 `json:"num_samples"`
}

type trackSummary struct {
	Ordinal       int    `json:"ordinal"`
	Title         string `json:"title"`
	Performer     string `json:"performer"`
	StartSample   uint64 `json:"start_sample"`
	EndSample     uint64 `json:"end_sample"`
	SyntheticName string `json:"synthetic_name"`
}

func newProbeCmd() *cobra.Command {
	cfg := trackfs.NewConfig()

	cmd := &cobra.Command{
		Use:           "probe <album_file>",
		Short:         "Print the parsed track list for a single album file, as JSON",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cfg, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.ExtensionPattern, "extension", "e", trackfs.DefaultExtensionPattern,
		"filename pattern identifying album files")
	flags.StringVarP(&cfg.Separator, "separator", "s", trackfs.DefaultSeparator,
		"separator token in synthetic filenames")
	flags.IntVarP(&cfg.TitleLength, "title-length", "t", trackfs.DefaultTitleLength,
		"max characters of track title embedded in a synthetic filename")

	return cmd
}

func runProbe(cfg *trackfs.Config, albumPath string) error {
	info, err := os.Stat(albumPath)
	if err != nil {
		return &exitError{code: 1, err: err}
	}

	cfg.SourceRoot = "."
	cfg.MountPoint = "."

	if info.IsDir() {
		cfg.SourceRoot = albumPath
	}

	if err := cfg.Validate(); err != nil {
		return &exitError{code: 1, err: err}
	}

	list, err := trackfs.ProbeFile(cfg, albumPath)
	if err != nil {
		return &exitError{code: 4, err: err}
	}

	result := probeResult{
		Album: albumSummary{
			Path:       list.Album.Path,
			Format:     list.Album.Format.String(),
			SampleRate: list.Album.SampleRate,
			NumSamples: list.Album.NumSamples,
		},
	}

	for i := range list.Tracks {
		track := &list.Tracks[i]
		vt := track.ToVirtualTrack(list.Album.Basename())

		result.Tracks = append(result.Tracks, trackSummary{
			Ordinal:       track.Number,
			Title:         vt.DisplayTitle,
			Performer:     track.Performer,
			StartSample:   track.StartSample,
			EndSample:     track.EndSample,
			SyntheticName: trackfs.EncodeTrackName(cfg, vt),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(result); err != nil {
		return &exitError{code: 4, err: fmt.Errorf("encoding probe result: %w", err)}
	}

	return nil
}
