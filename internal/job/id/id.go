// Package id generates merge job identifiers.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Prefix starts every job ID.
const Prefix = "job-"

var pattern = regexp.MustCompile(`^job-[0-9]{1,20}(-[0-9a-f]{8})?$`)

// Generate returns a new job ID of the form job-<unix-nanos>-<8 hex chars>.
func Generate() string {
	return New(time.Now(), rand.Reader)
}

// New builds a job ID from t and four bytes of entropy read from r.
// The suffix is omitted when r fails, leaving job-<unix-nanos>.
func New(t time.Time, r io.Reader) string {
	var suffix [4]byte
	if _, err := io.ReadFull(r, suffix[:]); err != nil {
		return fmt.Sprintf("%s%d", Prefix, t.UnixNano())
	}
	return fmt.Sprintf("%s%d-%s", Prefix, t.UnixNano(), hex.EncodeToString(suffix[:]))
}

// Valid reports whether s could have been produced by New.
func Valid(s string) bool {
	return pattern.MatchString(s)
}
