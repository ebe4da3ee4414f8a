// Package media builds transcoder invocations and inspects produced media.
package media

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/go-playground/validator/v10"
)

// Static errors for media operations.
var (
	// ErrInvalidPath is returned when a path is empty or could be parsed as a flag.
	ErrInvalidPath = errors.New("media: invalid path")
	// ErrInvalidOptions is returned when merge options fail validation.
	ErrInvalidOptions = errors.New("media: invalid options")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("media: ffprobe execution failed")
)

// MergeOptions are the encoding parameters of the still-image merge.
type MergeOptions struct {
	// FrameRate is the rate at which the still image is looped.
	FrameRate int `validate:"min=1,max=120"`
	// MaxDurationSeconds caps the output length. Zero means no cap: the
	// output ends with the audio track.
	MaxDurationSeconds int `validate:"min=0,max=86400"`
	// VideoCodec is the ffmpeg video encoder name.
	VideoCodec string `validate:"required,ffident"`
	// AudioCodec is the ffmpeg audio encoder name.
	AudioCodec string `validate:"required,ffident"`
	// AudioBitrateKbps is the target audio bitrate.
	AudioBitrateKbps int `validate:"min=8,max=1024"`
	// PixelFormat is the output pixel format.
	PixelFormat string `validate:"required,ffident"`
}

// DefaultMergeOptions returns the stock encoding parameters.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		FrameRate:        25,
		VideoCodec:       "libx264",
		AudioCodec:       "aac",
		AudioBitrateKbps: 192,
		PixelFormat:      "yuv420p",
	}
}

// WithDefaults fills zero fields from d.
func (o MergeOptions) WithDefaults(d MergeOptions) MergeOptions {
	if o.FrameRate == 0 {
		o.FrameRate = d.FrameRate
	}
	if o.MaxDurationSeconds == 0 {
		o.MaxDurationSeconds = d.MaxDurationSeconds
	}
	if o.VideoCodec == "" {
		o.VideoCodec = d.VideoCodec
	}
	if o.AudioCodec == "" {
		o.AudioCodec = d.AudioCodec
	}
	if o.AudioBitrateKbps == 0 {
		o.AudioBitrateKbps = d.AudioBitrateKbps
	}
	if o.PixelFormat == "" {
		o.PixelFormat = d.PixelFormat
	}
	return o
}

var identRe = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Encoder and pixel format names are plain identifiers.
	_ = v.RegisterValidation("ffident", func(fl validator.FieldLevel) bool {
		return identRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the options.
func (o MergeOptions) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

// BuildInvocation returns the ffmpeg argument vector that loops image over
// audio and writes output. It is pure: equal inputs give equal vectors.
// Every path is a discrete argument; nothing is ever shell interpreted.
func BuildInvocation(image, audio, output string, opts MergeOptions) ([]string, error) {
	for _, p := range []string{image, audio, output} {
		if p == "" || p[0] == '-' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	args := []string{
		"-y",           // Overwrite output file
		"-hide_banner", // Keep stderr to diagnostics only
		"-nostdin",     // Never wait on the terminal
		"-loglevel", "error",
		"-loop", "1", // Loop the still image
		"-framerate", strconv.Itoa(opts.FrameRate),
		"-i", image,
		"-i", audio,
		"-c:v", opts.VideoCodec,
		"-pix_fmt", opts.PixelFormat,
		"-c:a", opts.AudioCodec,
		"-b:a", strconv.Itoa(opts.AudioBitrateKbps) + "k",
		"-shortest", // Stop with the audio track
	}
	if opts.MaxDurationSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(opts.MaxDurationSeconds))
	}
	args = append(args,
		"-movflags", "+faststart",
		output,
	)
	return args, nil
}
