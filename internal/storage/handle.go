package storage

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Handle is an opaque reference to bytes held by a Store.
// Its name is generated, never derived from client supplied filenames.
type Handle struct {
	name string
	role string
}

// Name returns the generated storage name.
func (h Handle) Name() string { return h.name }

// Role returns the role the handle was allocated for.
func (h Handle) Role() string { return h.role }

// IsZero reports whether the handle was never allocated.
func (h Handle) IsZero() bool { return h.name == "" }

func (h Handle) String() string { return h.name }

// extensions is the only source of file extensions for stored names.
var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"audio/mpeg": ".mp3",
	"audio/mp3":  ".mp3",
	"video/mp4":  ".mp4",
}

// ExtensionFor returns the allow-listed extension for mimeType.
func ExtensionFor(mimeType string) (string, bool) {
	ext, ok := extensions[strings.ToLower(mimeType)]
	return ext, ok
}

var (
	roleRe = regexp.MustCompile(`^[a-z]{1,16}$`)
	nameRe = regexp.MustCompile(`^([a-z]{1,16})-[0-9a-z]{26}(\.[a-z0-9]{1,4})?$`)
)

// ParseHandle rebuilds a handle from a stored name. Anything that could not
// have been produced by Allocate is rejected, which keeps separators and
// traversal sequences out of storage paths.
func ParseHandle(name string) (Handle, error) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return Handle{}, fmt.Errorf("%w: %q", ErrInvalidHandle, name)
	}
	return Handle{name: name, role: m[1]}, nil
}

// NameGenerator produces the unique part of storage names.
// Implementations must be safe for concurrent use and never return the same
// value twice within a process.
type NameGenerator interface {
	NewName() string
}

// ULIDGenerator generates lowercase ULIDs: a millisecond timestamp followed
// by 80 random bits, monotonically increasing within the same millisecond.
type ULIDGenerator struct{}

// NewName implements NameGenerator.
func (ULIDGenerator) NewName() string {
	// ulid.Make serializes on a process wide monotonic entropy source.
	return strings.ToLower(ulid.Make().String())
}

// allocator turns generator output into handles.
type allocator struct {
	names NameGenerator
}

func (a allocator) allocate(role, mimeType string) (Handle, error) {
	if !roleRe.MatchString(role) {
		return Handle{}, fmt.Errorf("%w: role %q", ErrInvalidHandle, role)
	}
	ext, _ := ExtensionFor(mimeType)
	return ParseHandle(role + "-" + a.names.NewName() + ext)
}

// SequenceGenerator is a deterministic NameGenerator for tests and tools.
// It yields zero padded 26 character names: 00000000000000000000000001, ...
type SequenceGenerator struct {
	mu   sync.Mutex
	next uint64
}

// NewName implements NameGenerator.
func (g *SequenceGenerator) NewName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%026d", g.next)
}
