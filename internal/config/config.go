// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/m-mizutani/masq"
	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/stillmerge-api/internal/asset"
	"github.com/maauso/stillmerge-api/internal/housekeeping"
	"github.com/maauso/stillmerge-api/internal/media"
	"github.com/maauso/stillmerge-api/internal/storage"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is out of range.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrInvalidSizeLimits is returned when size limits are inconsistent.
	ErrInvalidSizeLimits = errors.New("config: MAX_REQUEST_SIZE must be at least MAX_PART_SIZE")
	// ErrInvalidTimeouts is returned when timeouts are inconsistent.
	ErrInvalidTimeouts = errors.New("config: MERGE_TIMEOUT and CLEANUP_TIMEOUT must be positive and OUTPUT_TTL must exceed MERGE_TIMEOUT")
	// ErrIncompleteS3 is returned when only one of S3_BUCKET and S3_REGION is set.
	ErrIncompleteS3 = errors.New("config: S3_BUCKET and S3_REGION must be set together")
	// ErrInvalidSchedule is returned when SWEEP_SCHEDULE cannot be parsed.
	ErrInvalidSchedule = errors.New("config: invalid SWEEP_SCHEDULE")
)

// ByteSize is a size in bytes read from a human string such as "30MiB".
type ByteSize int64

// EnvDecode implements envconfig.Decoder.
func (b *ByteSize) EnvDecode(val string) error {
	n, err := humanize.ParseBytes(val)
	if err != nil {
		return fmt.Errorf("parse size %q: %w", val, err)
	}
	*b = ByteSize(n)
	return nil
}

// String renders the size for humans.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port int `env:"PORT, default=8080" json:"port"`

	// Storage settings
	TempDir   string `env:"TEMP_DIR, default=/tmp/stillmerge" json:"temp_dir"`
	LedgerDir string `env:"LEDGER_DIR, default=/tmp/stillmerge-ledger" json:"ledger_dir"`

	// Tooling
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Execution settings
	MaxConcurrentMerges int           `env:"MAX_CONCURRENT_MERGES, default=0" json:"max_concurrent_merges"` // 0 means one per CPU
	MergeTimeout        time.Duration `env:"MERGE_TIMEOUT, default=5m" json:"merge_timeout"`
	CleanupTimeout      time.Duration `env:"CLEANUP_TIMEOUT, default=30s" json:"cleanup_timeout"`

	// Upload limits
	MaxPartSize    ByteSize `env:"MAX_PART_SIZE, default=30MiB" json:"max_part_size"`
	MaxRequestSize ByteSize `env:"MAX_REQUEST_SIZE, default=64MiB" json:"max_request_size"`

	// Merge defaults
	FrameRate        int    `env:"FRAME_RATE, default=25" json:"frame_rate"`
	MaxDurationSec   int    `env:"MAX_DURATION_SEC, default=0" json:"max_duration_sec"` // 0 means natural length
	VideoCodec       string `env:"VIDEO_CODEC, default=libx264" json:"video_codec"`
	AudioCodec       string `env:"AUDIO_CODEC, default=aac" json:"audio_codec"`
	AudioBitrateKbps int    `env:"AUDIO_BITRATE_KBPS, default=192" json:"audio_bitrate_kbps"`
	PixelFormat      string `env:"PIXEL_FORMAT, default=yuv420p" json:"pixel_format"`

	// Housekeeping
	OutputTTL     time.Duration `env:"OUTPUT_TTL, default=1h" json:"output_ttl"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE, default=@every 5m" json:"sweep_schedule"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-" masq:"secret"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-" masq:"secret"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// S3Config returns the S3 publisher settings.
func (c *Config) S3Config() storage.S3Config {
	return storage.S3Config{
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		Endpoint:        c.S3Endpoint,
		AccessKeyID:     c.AWSAccessKeyID,
		SecretAccessKey: c.AWSSecretAccessKey,
	}
}

// MergeOptions returns the configured merge defaults.
func (c *Config) MergeOptions() media.MergeOptions {
	return media.MergeOptions{
		FrameRate:          c.FrameRate,
		MaxDurationSeconds: c.MaxDurationSec,
		VideoCodec:         c.VideoCodec,
		AudioCodec:         c.AudioCodec,
		AudioBitrateKbps:   c.AudioBitrateKbps,
		PixelFormat:        c.PixelFormat,
	}
}

// AssetConstraint returns the upload constraint built from the limits.
func (c *Config) AssetConstraint() asset.Constraint {
	ac := asset.DefaultConstraint()
	ac.MaxPartSize = int64(c.MaxPartSize)
	ac.MaxTotalSize = int64(c.MaxRequestSize)
	return ac
}

// Load reads configuration from environment variables using go-envconfig.
// A .env file in the working directory is honoured when present; real
// environment variables take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.MaxPartSize <= 0 || c.MaxRequestSize < c.MaxPartSize {
		return ErrInvalidSizeLimits
	}
	if c.MergeTimeout <= 0 || c.CleanupTimeout <= 0 || c.OutputTTL <= c.MergeTimeout {
		return ErrInvalidTimeouts
	}
	if (c.S3Bucket == "") != (c.S3Region == "") {
		return ErrIncompleteS3
	}
	if err := housekeeping.ValidateSchedule(c.SweepSchedule); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	if err := c.MergeOptions().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs. Secret fields are
// redacted wherever they are logged.
func (c *Config) NewLogger() *slog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(c.LogLevel),
		ReplaceAttr: masq.New(
			masq.WithTag("secret"),
			masq.WithFieldName("AWSSecretAccessKey"),
			masq.WithFieldName("SecretAccessKey"),
		),
	}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, LedgerDir: %s, MaxConcurrentMerges: %d, MergeTimeout: %s, MaxPartSize: %s, MaxRequestSize: %s, OutputTTL: %s, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.LedgerDir,
		c.MaxConcurrentMerges,
		c.MergeTimeout,
		c.MaxPartSize,
		c.MaxRequestSize,
		c.OutputTTL,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
