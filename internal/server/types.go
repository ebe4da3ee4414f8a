// Package server provides the HTTP transport for the merge pipeline.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// MergeForm holds the optional non-file fields of a merge upload.
type MergeForm struct {
	// FrameRate overrides the looped image frame rate.
	FrameRate int `validate:"omitempty,min=1,max=120"`
	// MaxDurationSeconds caps the output length.
	MaxDurationSeconds int `validate:"omitempty,min=1,max=86400"`
	// PushToS3 publishes the artifact to S3 instead of keeping it for download.
	PushToS3 bool
}

// MergeResponse is the HTTP response after a successful merge.
type MergeResponse struct {
	// ID is the unique identifier of the merge job.
	ID string `json:"id"`
	// Status is the terminal job status.
	Status string `json:"status"`
	// DurationSeconds is the probed length of the artifact, 0 when unknown.
	DurationSeconds float64 `json:"duration_seconds"`
	// VideoURL is the S3 URL of the artifact (if push_to_s3=true).
	VideoURL string `json:"video_url,omitempty"`
	// DownloadURL is where the artifact can be fetched once (if push_to_s3=false).
	DownloadURL string `json:"download_url,omitempty"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	Error           string     `json:"error,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	OutputReleased  bool       `json:"output_released"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// JobID identifies the failed job, when one was created.
	JobID string `json:"job_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string      `json:"status"`
	Merges MergeGauges `json:"merges"`
	Disk   *DiskGauges `json:"disk,omitempty"`
}

// MergeGauges reports executor load.
type MergeGauges struct {
	Limit    int `json:"limit"`
	InFlight int `json:"in_flight"`
	Queued   int `json:"queued"`
}

// DiskGauges reports usage of the temporary asset volume.
type DiskGauges struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
}
