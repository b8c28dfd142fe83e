// Command trackfs mounts a read-only FUSE view of a music library,
// splitting single-file album recordings into synthesized per-track FLAC
// files wherever a cue sheet (embedded or side-car) identifies one.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresch/trackfs"
	"github.com/spf13/cobra"
)

// exitError carries the process exit code a configuration, refusal, mount,
// or runtime failure maps to, per the CLI's documented exit-code table.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error  { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Errors not already wrapped in an exitError come from cobra's own
		// argument and flag parsing: configuration errors.
		var ee *exitError
		if !errors.As(err, &ee) {
			ee = &exitError{code: 1, err: err}
		}

		fmt.Fprintln(os.Stderr, "trackfs:", ee.err)
		os.Exit(ee.code)
	}
}

func newRootCmd() *cobra.Command {
	cfg := trackfs.NewConfig()

	cmd := &cobra.Command{
		Use:   "trackfs <source_root> <mount_point>",
		Short: "Mount a read-only FUSE view that splits cue-sheet albums into tracks",
		Long: `trackfs projects a music library through FUSE. Any FLAC or WAVE file
accompanied by a cue sheet -- embedded as a CUESHEET vorbis comment, or a
side-car .cue file of the same basename -- is hidden and replaced in the
directory listing by one synthetic, fully tagged FLAC file per cue track.
Everything else in the source tree passes through unchanged.

Tracks are materialized on first open by decoding the source album's
sample range and re-encoding it, then cached; files that are never opened
are never materialized.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(cmd, cfg, args[0], args[1])
		},
	}

	addFlags(cmd, cfg)
	cmd.AddCommand(newProbeCmd())

	return cmd
}

func addFlags(cmd *cobra.Command, cfg *trackfs.Config) {
	flags := cmd.Flags()

	flags.StringVarP(&cfg.ExtensionPattern, "extension", "e", trackfs.DefaultExtensionPattern,
		"filename pattern identifying album files")
	flags.StringVarP(&cfg.Separator, "separator", "s", trackfs.DefaultSeparator,
		"separator token in synthetic filenames; must not appear in source filenames")
	flags.StringVarP(&cfg.IgnoreTags, "ignore-tags", "i", trackfs.DefaultIgnoreTags,
		"tag keys dropped during synthesis")
	flags.BoolVarP(&cfg.KeepAlbum, "keep-album", "k", false,
		"expose the album file alongside its synthesized tracks")
	flags.IntVarP(&cfg.TitleLength, "title-length", "t", trackfs.DefaultTitleLength,
		"max characters of track title embedded in a synthetic filename")
	flags.BoolVar(&cfg.RootAllowed, "root-allowed", false,
		"permit running as uid 0")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false,
		"info-level diagnostics")
	flags.BoolVarP(&cfg.Debug, "debug", "d", false,
		"debug-level diagnostics")
}

func runMount(cmd *cobra.Command, cfg *trackfs.Config, sourceRoot, mountPoint string) error {
	cfg.SourceRoot = sourceRoot
	cfg.MountPoint = mountPoint
	cfg.Logger = newCLILogger(cfg.Verbose, cfg.Debug)

	if err := cfg.Validate(); err != nil {
		var configErr *trackfs.ConfigError

		code := 1
		if errors.As(err, &configErr) && errors.Is(configErr.Cause, trackfs.ErrRunningAsRoot) {
			code = 2
		}

		return &exitError{code: code, err: err}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cfg.Logger.Printf("received signal, unmounting %s", mountPoint)
		cancel()
	}()

	if err := trackfs.Mount(ctx, cfg); err != nil {
		var fsErr *trackfs.FilesystemError
		if errors.As(err, &fsErr) && fsErr.Op == "mount" {
			return &exitError{code: 3, err: err}
		}

		return &exitError{code: 4, err: err}
	}

	return nil
}

// cliLogger adapts the standard library's log.Logger to trackfs.Logger,
// gating Printf on -v and Debugf on -d the way the teacher's own
// Config.Debug flag gates its debug() helper.
type cliLogger struct {
	std     *log.Logger
	verbose bool
	debug   bool
}

func newCLILogger(verbose, debug bool) *cliLogger {
	return &cliLogger{std: log.New(os.Stderr, "", log.LstdFlags), verbose: verbose, debug: debug}
}

func (l *cliLogger) Printf(format string, v ...any) {
	if l.verbose || l.debug {
		l.std.Printf(format, v...)
	}
}

func (l *cliLogger) Debugf(format string, v ...any) {
	if l.debug {
		l.std.Printf("[DEBUG] "+format, v...)
	}
}
