package asset

import (
	"fmt"
	"io"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindMissingPart     Kind = "MISSING_PART"
	KindUnsupportedType Kind = "UNSUPPORTED_TYPE"
	KindPayloadTooLarge Kind = "PAYLOAD_TOO_LARGE"
)

// ValidationError describes why an upload was rejected.
// It always reflects a caller mistake, never an infrastructure fault.
type ValidationError struct {
	Kind   Kind
	Role   Role
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("asset: %s: %s", e.Kind, e.Detail)
}

// Unwrap maps the kind to its sentinel so errors.Is works on the kind.
func (e *ValidationError) Unwrap() error {
	switch e.Kind {
	case KindMissingPart:
		return ErrMissingPart
	case KindUnsupportedType:
		return ErrUnsupportedType
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge
	default:
		return nil
	}
}

// LimitBody returns the asset body guarded so that reading past the
// declared size fails with ErrPayloadTooLarge instead of silently
// persisting more than was validated.
func LimitBody(a Asset) io.Reader {
	return &limitedReader{r: a.Body, remaining: a.Size, role: a.Role}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	role      Role
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// One probe byte tells EOF apart from an oversized body.
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			return 0, &ValidationError{Kind: KindPayloadTooLarge, Role: l.role, Detail: "body exceeds declared size"}
		}
		if err == nil {
			return 0, nil
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
