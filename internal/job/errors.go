package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/maauso/stillmerge-api/internal/asset"
	"github.com/maauso/stillmerge-api/internal/executor"
	"github.com/maauso/stillmerge-api/internal/media"
	"github.com/maauso/stillmerge-api/internal/storage"
)

// ErrorKind classifies why a merge failed.
type ErrorKind string

const (
	KindMissingPart     ErrorKind = "MISSING_PART"
	KindUnsupportedType ErrorKind = "UNSUPPORTED_TYPE"
	KindPayloadTooLarge ErrorKind = "PAYLOAD_TOO_LARGE"
	KindInvalidOptions  ErrorKind = "INVALID_OPTIONS"
	KindWriteFailed     ErrorKind = "WRITE_FAILED"
	KindSpawnError      ErrorKind = "SPAWN_ERROR"
	KindNonZeroExit     ErrorKind = "NON_ZERO_EXIT"
	KindTimeout         ErrorKind = "TIMEOUT"
	KindCancelled       ErrorKind = "CANCELLED"
)

// IsClientError reports whether the kind was caused by the request itself.
func (k ErrorKind) IsClientError() bool {
	switch k {
	case KindMissingPart, KindUnsupportedType, KindPayloadTooLarge, KindInvalidOptions, KindCancelled:
		return true
	}
	return false
}

// MergeError is the single failure type returned by Coordinator.Merge.
// Message never contains server paths.
type MergeError struct {
	JobID   string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s failed (%s): %s", e.JobID, e.Kind, e.Message)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}

// IsClientError reports whether the failure was caused by the request.
func (e *MergeError) IsClientError() bool {
	return e.Kind.IsClientError()
}

// classify maps a stage error to a MergeError.
func classify(jobID string, err error) *MergeError {
	var me *MergeError
	if errors.As(err, &me) {
		return me
	}

	out := &MergeError{JobID: jobID, Err: err, Message: err.Error()}

	var valErr *asset.ValidationError
	var execErr *executor.ExecutionError
	switch {
	case errors.As(err, &valErr):
		out.Kind = validationKind(valErr.Kind)
		out.Message = valErr.Detail
	case errors.Is(err, asset.ErrMissingPart):
		out.Kind = KindMissingPart
	case errors.Is(err, asset.ErrUnsupportedType):
		out.Kind = KindUnsupportedType
	case errors.Is(err, asset.ErrPayloadTooLarge):
		out.Kind = KindPayloadTooLarge
	case errors.Is(err, media.ErrInvalidOptions), errors.Is(err, asset.ErrInvalidConstraint):
		out.Kind = KindInvalidOptions
	case errors.As(err, &execErr):
		out.Kind = executionKind(execErr.Kind)
		out.Message = execErr.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindCancelled
		out.Message = "request cancelled"
	case errors.Is(err, storage.ErrWriteFailed):
		out.Kind = KindWriteFailed
		out.Message = "could not store input"
	default:
		out.Kind = KindWriteFailed
		out.Message = "internal error"
	}
	return out
}

func validationKind(k asset.Kind) ErrorKind {
	switch k {
	case asset.KindMissingPart:
		return KindMissingPart
	case asset.KindUnsupportedType:
		return KindUnsupportedType
	default:
		return KindPayloadTooLarge
	}
}

func executionKind(k executor.Kind) ErrorKind {
	switch k {
	case executor.KindNonZeroExit:
		return KindNonZeroExit
	case executor.KindTimeout:
		return KindTimeout
	case executor.KindCanceled:
		return KindCancelled
	default:
		return KindSpawnError
	}
}
