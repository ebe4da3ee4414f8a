// Package asset validates uploaded media parts before any disk or process
// work happens for a merge job.
package asset

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
)

// Role identifies which input slot a part fills.
type Role string

const (
	// RoleImage is the still image looped over the whole video.
	RoleImage Role = "image"
	// RoleAudio is the audio track that drives the video length.
	RoleAudio Role = "audio"
)

// Static errors for asset validation.
var (
	// ErrMissingPart is returned when the image or the audio part is absent.
	ErrMissingPart = errors.New("asset: missing part")
	// ErrUnsupportedType is returned when a declared MIME type is not allowed for its role.
	ErrUnsupportedType = errors.New("asset: unsupported type")
	// ErrPayloadTooLarge is returned when a part or the whole request exceeds its ceiling.
	ErrPayloadTooLarge = errors.New("asset: payload too large")
	// ErrInvalidConstraint is returned when the constraint itself is unusable.
	ErrInvalidConstraint = errors.New("asset: invalid constraint")
)

// Part is an input part as delivered by the upload receiver.
type Part struct {
	// Filename is the client supplied name. Informational only.
	Filename string
	// ContentType is the declared MIME type.
	ContentType string
	// Size is the declared size in bytes.
	Size int64
	// Body streams the part content.
	Body io.Reader
}

// Asset is a part that passed validation.
type Asset struct {
	Role     Role
	MIMEType string
	Size     int64
	Body     io.Reader
}

// Validated holds both accepted inputs of a merge job.
type Validated struct {
	Image Asset
	Audio Asset
}

// TotalSize returns the combined declared size of both assets.
func (v Validated) TotalSize() int64 {
	return v.Image.Size + v.Audio.Size
}

// Constraint configures which uploads are accepted.
type Constraint struct {
	// Allowed maps each role to its accepted MIME types.
	Allowed map[Role][]string `validate:"required,len=2,dive,keys,oneof=image audio,endkeys,required,min=1,dive,required"`
	// MaxPartSize is the ceiling for a single part in bytes.
	MaxPartSize int64 `validate:"gt=0"`
	// MaxTotalSize is the ceiling for both parts combined in bytes.
	MaxTotalSize int64 `validate:"gtefield=MaxPartSize"`
}

// DefaultConstraint returns the stock constraint: PNG or JPEG images, MP3
// audio, 30 MiB per part and 60 MiB per request.
func DefaultConstraint() Constraint {
	return Constraint{
		Allowed: map[Role][]string{
			RoleImage: {"image/png", "image/jpeg"},
			RoleAudio: {"audio/mpeg", "audio/mp3"},
		},
		MaxPartSize:  30 * humanize.MiByte,
		MaxTotalSize: 60 * humanize.MiByte,
	}
}

// Allows reports whether mimeType is accepted for role.
func (c Constraint) Allows(role Role, mimeType string) bool {
	for _, allowed := range c.Allowed[role] {
		if strings.EqualFold(allowed, mimeType) {
			return true
		}
	}
	return false
}

var validate = validator.New()

// Validate checks presence, declared type and declared size of both parts.
// It never reads from the part bodies.
func Validate(image, audio *Part, c Constraint) (Validated, error) {
	if err := validate.Struct(c); err != nil {
		return Validated{}, fmt.Errorf("%w: %w", ErrInvalidConstraint, err)
	}

	if image == nil || image.Body == nil {
		return Validated{}, &ValidationError{Kind: KindMissingPart, Role: RoleImage, Detail: "image part is required"}
	}
	if audio == nil || audio.Body == nil {
		return Validated{}, &ValidationError{Kind: KindMissingPart, Role: RoleAudio, Detail: "audio part is required"}
	}

	img, err := check(RoleImage, image, c)
	if err != nil {
		return Validated{}, err
	}
	aud, err := check(RoleAudio, audio, c)
	if err != nil {
		return Validated{}, err
	}

	v := Validated{Image: img, Audio: aud}
	if v.TotalSize() > c.MaxTotalSize {
		return Validated{}, &ValidationError{
			Kind:   KindPayloadTooLarge,
			Detail: fmt.Sprintf("request is %s, limit is %s", humanize.IBytes(uint64(v.TotalSize())), humanize.IBytes(uint64(c.MaxTotalSize))),
		}
	}
	return v, nil
}

func check(role Role, p *Part, c Constraint) (Asset, error) {
	mimeType := NormalizeMIME(p.ContentType)
	if mimeType == "" || !c.Allows(role, mimeType) {
		return Asset{}, &ValidationError{
			Kind:   KindUnsupportedType,
			Role:   role,
			Detail: fmt.Sprintf("unsupported %s type %q", role, p.ContentType),
		}
	}
	if p.Size < 0 {
		return Asset{}, &ValidationError{Kind: KindPayloadTooLarge, Role: role, Detail: "declared size is unknown"}
	}
	if p.Size > c.MaxPartSize {
		return Asset{}, &ValidationError{
			Kind:   KindPayloadTooLarge,
			Role:   role,
			Detail: fmt.Sprintf("%s is %s, limit is %s", role, humanize.IBytes(uint64(p.Size)), humanize.IBytes(uint64(c.MaxPartSize))),
		}
	}
	return Asset{Role: role, MIMEType: mimeType, Size: p.Size, Body: p.Body}, nil
}

// NormalizeMIME lower-cases a media type and drops its parameters.
// It returns "" when the value cannot be parsed.
func NormalizeMIME(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}
