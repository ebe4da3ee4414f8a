package asset

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/dustin/go-humanize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPart(contentType string, size int64) *Part {
	return &Part{
		Filename:    "upload.bin",
		ContentType: contentType,
		Size:        size,
		Body:        strings.NewReader("payload"),
	}
}

func TestValidate_Accepts(t *testing.T) {
	tests := []struct {
		name      string
		imageType string
		audioType string
		wantImage string
	}{
		{"png and mpeg", "image/png", "audio/mpeg", "image/png"},
		{"jpeg and mp3", "image/jpeg", "audio/mp3", "image/jpeg"},
		{"parameters and case are normalized", "Image/PNG; charset=binary", "audio/MPEG", "image/png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Validate(newPart(tt.imageType, 2*humanize.MiByte), newPart(tt.audioType, humanize.MiByte), DefaultConstraint())
			require.NoError(t, err)
			assert.Equal(t, tt.wantImage, v.Image.MIMEType)
			assert.Equal(t, RoleImage, v.Image.Role)
			assert.Equal(t, RoleAudio, v.Audio.Role)
			assert.Equal(t, int64(3*humanize.MiByte), v.TotalSize())
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	c := DefaultConstraint()

	tests := []struct {
		name     string
		image    *Part
		audio    *Part
		wantErr  error
		wantRole Role
	}{
		{"missing image", nil, newPart("audio/mpeg", 10), ErrMissingPart, RoleImage},
		{"missing audio", newPart("image/png", 10), nil, ErrMissingPart, RoleAudio},
		{"image without body", &Part{ContentType: "image/png", Size: 1}, newPart("audio/mpeg", 10), ErrMissingPart, RoleImage},
		{"gif image", newPart("image/gif", 10), newPart("audio/mpeg", 10), ErrUnsupportedType, RoleImage},
		{"wav audio", newPart("image/png", 10), newPart("audio/wav", 10), ErrUnsupportedType, RoleAudio},
		{"audio type in image slot", newPart("audio/mpeg", 10), newPart("audio/mpeg", 10), ErrUnsupportedType, RoleImage},
		{"empty content type", newPart("", 10), newPart("audio/mpeg", 10), ErrUnsupportedType, RoleImage},
		{"image over part limit", newPart("image/png", c.MaxPartSize+1), newPart("audio/mpeg", 10), ErrPayloadTooLarge, RoleImage},
		{"unknown size", newPart("image/png", -1), newPart("audio/mpeg", 10), ErrPayloadTooLarge, RoleImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.image, tt.audio, c)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.wantRole, verr.Role)
		})
	}
}

func TestValidate_AggregateLimit(t *testing.T) {
	c := DefaultConstraint()
	c.MaxPartSize = 10 * humanize.MiByte
	c.MaxTotalSize = 15 * humanize.MiByte

	_, err := Validate(newPart("image/png", 8*humanize.MiByte), newPart("audio/mpeg", 8*humanize.MiByte), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Contains(t, err.Error(), "16 MiB")
}

func TestValidate_InvalidConstraint(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Constraint)
	}{
		{"no allow list", func(c *Constraint) { c.Allowed = nil }},
		{"empty audio allow list", func(c *Constraint) { c.Allowed[RoleAudio] = nil }},
		{"zero part size", func(c *Constraint) { c.MaxPartSize = 0 }},
		{"total below part", func(c *Constraint) { c.MaxTotalSize = c.MaxPartSize - 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConstraint()
			tt.mutate(&c)
			_, err := Validate(newPart("image/png", 1), newPart("audio/mpeg", 1), c)
			assert.ErrorIs(t, err, ErrInvalidConstraint)
		})
	}
}

func TestValidate_DoesNotReadBodies(t *testing.T) {
	body := &countingReader{r: strings.NewReader("data")}
	image := &Part{ContentType: "image/gif", Size: 4, Body: body}

	_, err := Validate(image, newPart("audio/mpeg", 4), DefaultConstraint())
	require.ErrorIs(t, err, ErrUnsupportedType)
	assert.Zero(t, body.reads)
}

func TestLimitBody(t *testing.T) {
	t.Run("passes declared bytes", func(t *testing.T) {
		a := Asset{Role: RoleImage, Size: 4, Body: strings.NewReader("data")}
		got, err := io.ReadAll(LimitBody(a))
		require.NoError(t, err)
		assert.Equal(t, "data", string(got))
	})

	t.Run("short body is fine", func(t *testing.T) {
		a := Asset{Role: RoleImage, Size: 100, Body: strings.NewReader("data")}
		got, err := io.ReadAll(LimitBody(a))
		require.NoError(t, err)
		assert.Equal(t, "data", string(got))
	})

	t.Run("oversized body fails", func(t *testing.T) {
		a := Asset{Role: RoleAudio, Size: 2, Body: bytes.NewReader([]byte("data"))}
		_, err := io.ReadAll(LimitBody(a))
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})
}

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, "image/png", NormalizeMIME("image/png"))
	assert.Equal(t, "audio/mpeg", NormalizeMIME(" Audio/Mpeg ; q=1"))
	assert.Equal(t, "", NormalizeMIME(""))
	assert.Equal(t, "", NormalizeMIME(";;;"))
}

type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}
