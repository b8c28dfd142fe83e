package trackfs

import (
	"os"
	"regexp"
	"runtime"
	"time"
)

// Default configuration values, matching the CLI flag table.
const (
	DefaultExtensionPattern = `(?i)(\.flac|\.wav)$`
	DefaultSeparator        = ".#-#."
	DefaultIgnoreTags       = `CUE_TRACK.*|COMMENT`
	DefaultTitleLength      = 20
	DefaultCacheBudget      = 512 * 1024 * 1024 // 512 MiB resident artifact budget.
	DefaultSpillThreshold   = 1024 * 1024       // 1 MiB; artifacts above this spill to temp files.
	DefaultNegativeTTLSecs  = 30

	// DefaultDecoderCmd/DefaultEncoderCmd are ffmpeg invocations satisfying
	// the decode/encode contract: a single ffmpeg binary plays both roles.
	DefaultDecoderCmd    = "ffmpeg"
	DefaultEncoderCmd    = "ffmpeg"
	DefaultProcessTimeout = 60 * time.Second
)

// Config holds the fully validated, parsed configuration for a trackfs
// instance: the CLI-facing flags plus the tuning knobs (cache budget,
// negative-entry TTL, build concurrency) left to the implementation.
type Config struct {
	SourceRoot string
	MountPoint string

	ExtensionPattern string
	Separator        string
	IgnoreTags       string
	KeepAlbum        bool
	TitleLength      int
	RootAllowed      bool
	Verbose          bool
	Debug            bool

	CacheBudgetBytes    int64
	SpillThresholdBytes int64
	NegativeTTLSeconds  int
	MaxConcurrentBuilds int

	DecoderCmd     string
	EncoderCmd     string
	ProcessTimeout time.Duration

	Logger Logger

	extensionRE *regexp.Regexp
	ignoreRE    *regexp.Regexp
}

// NewConfig returns a Config populated with defaults; callers typically
// override fields from parsed CLI flags before calling Validate.
func NewConfig() *Config {
	return &Config{
		ExtensionPattern:    DefaultExtensionPattern,
		Separator:           DefaultSeparator,
		IgnoreTags:          DefaultIgnoreTags,
		TitleLength:         DefaultTitleLength,
		CacheBudgetBytes:    DefaultCacheBudget,
		SpillThresholdBytes: DefaultSpillThreshold,
		NegativeTTLSeconds:  DefaultNegativeTTLSecs,
		DecoderCmd:          DefaultDecoderCmd,
		EncoderCmd:          DefaultEncoderCmd,
		ProcessTimeout:      DefaultProcessTimeout,
		Logger:              NoLogger(),
	}
}

// Validate checks the configuration for internal consistency, compiles its
// regular expressions, and refuses a root-user invocation unless overridden.
// It returns a *ConfigError on any failure.
func (c *Config) Validate() error {
	if c.SourceRoot == "" {
		return &ConfigError{Field: "source_root", Cause: ErrSourceRootMissing}
	}

	if info, err := os.Stat(c.SourceRoot); err != nil || !info.IsDir() {
		return &ConfigError{Field: "source_root", Cause: ErrSourceRootMissing}
	}

	if c.MountPoint == "" {
		return &ConfigError{Field: "mount_point", Cause: ErrMountPointMissing}
	}

	if info, err := os.Stat(c.MountPoint); err != nil || !info.IsDir() {
		return &ConfigError{Field: "mount_point", Cause: ErrMountPointMissing}
	}

	if c.Separator == "" {
		return &ConfigError{Field: "separator", Cause: ErrBadSeparator}
	}

	extRE, err := regexp.Compile(c.ExtensionPattern)
	if err != nil {
		return &ConfigError{Field: "extension", Cause: err}
	}

	c.extensionRE = extRE

	ignoreRE, err := regexp.Compile(c.IgnoreTags)
	if err != nil {
		return &ConfigError{Field: "ignore-tags", Cause: err}
	}

	c.ignoreRE = ignoreRE

	if c.TitleLength <= 0 {
		c.TitleLength = DefaultTitleLength
	}

	if c.MaxConcurrentBuilds <= 0 {
		c.MaxConcurrentBuilds = runtime.NumCPU()
	}

	if c.Logger == nil {
		c.Logger = NoLogger()
	}

	if c.DecoderCmd == "" {
		c.DecoderCmd = DefaultDecoderCmd
	}

	if c.EncoderCmd == "" {
		c.EncoderCmd = DefaultEncoderCmd
	}

	if c.ProcessTimeout <= 0 {
		c.ProcessTimeout = DefaultProcessTimeout
	}

	if !c.RootAllowed && os.Geteuid() == 0 {
		return &ConfigError{Field: "root", Cause: ErrRunningAsRoot}
	}

	return nil
}

// ExtensionRegexp returns the compiled album-extension pattern; Validate
// must be called first.
func (c *Config) ExtensionRegexp() *regexp.Regexp { return c.extensionRE }

// IgnoreTagsRegexp returns the compiled ignore-tags pattern; Validate must
// be called first.
func (c *Config) IgnoreTagsRegexp() *regexp.Regexp { return c.ignoreRE }
