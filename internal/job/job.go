// Package job coordinates the lifecycle of a single merge: validation,
// temporary storage, execution and release of every temporary asset.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/maauso/stillmerge-api/internal/job/id"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusReceived indicates the request arrived and nothing was checked yet.
	StatusReceived Status = "RECEIVED"
	// StatusValidated indicates both inputs passed validation.
	StatusValidated Status = "VALIDATED"
	// StatusStoring indicates the inputs are being written to temporary storage.
	StatusStoring Status = "STORING"
	// StatusRunning indicates the merge process is queued or running.
	StatusRunning Status = "RUNNING"
	// StatusSucceeded indicates an output video was produced.
	StatusSucceeded Status = "SUCCEEDED"
	// StatusFailed indicates the job ended without an output.
	StatusFailed Status = "FAILED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusReceived:  {StatusValidated, StatusFailed},
	StatusValidated: {StatusStoring, StatusFailed},
	StatusStoring:   {StatusRunning, StatusFailed},
	StatusRunning:   {StatusSucceeded, StatusFailed},
	StatusSucceeded: {},
	StatusFailed:    {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job represents one merge request.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Status is the current job state.
	Status Status
	// ImageHandle is the storage name of the stored image, if any.
	ImageHandle string
	// AudioHandle is the storage name of the stored audio, if any.
	AudioHandle string
	// OutputHandle is the storage name of the produced video, if any.
	OutputHandle string
	// ErrorKind classifies the failure when Status is FAILED.
	ErrorKind ErrorKind
	// Error contains a client-safe failure message.
	Error string
	// DurationSeconds is the length of the produced video, when known.
	DurationSeconds float64
	// OutputReleased is set once the output has been deleted.
	OutputReleased bool
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when the merge process started.
	StartedAt time.Time
	// CompletedAt is when the job reached a terminal state.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial RECEIVED status.
func New() *Job {
	return NewWithID(id.Generate())
}

// NewWithID creates a new Job with the specified ID and initial RECEIVED status.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusSucceeded, StatusFailed:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Fail transitions the job to FAILED with a classified error.
// Returns ErrInvalidTransition if the job is already terminal.
func (j *Job) Fail(kind ErrorKind, msg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.ErrorKind = kind
	j.Error = msg
	return nil
}

// Succeed transitions the job to SUCCEEDED and records its output.
func (j *Job) Succeed(outputHandle string, durationSeconds float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(StatusSucceeded); err != nil {
		return err
	}
	j.OutputHandle = outputHandle
	j.DurationSeconds = durationSeconds
	return nil
}

// SetInputs records the storage names of the stored inputs.
func (j *Job) SetInputs(imageHandle, audioHandle string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ImageHandle = imageHandle
	j.AudioHandle = audioHandle
	j.UpdatedAt = time.Now()
}

// MarkOutputReleased records that the output no longer exists.
func (j *Job) MarkOutputReleased() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputReleased = true
	j.UpdatedAt = time.Now()
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Clone creates a copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:              j.ID,
		Status:          j.Status,
		ImageHandle:     j.ImageHandle,
		AudioHandle:     j.AudioHandle,
		OutputHandle:    j.OutputHandle,
		ErrorKind:       j.ErrorKind,
		Error:           j.Error,
		DurationSeconds: j.DurationSeconds,
		OutputReleased:  j.OutputReleased,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
}
