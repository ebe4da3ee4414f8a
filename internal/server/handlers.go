package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/maauso/stillmerge-api/internal/asset"
	"github.com/maauso/stillmerge-api/internal/job"
	jobid "github.com/maauso/stillmerge-api/internal/job/id"
	"github.com/maauso/stillmerge-api/internal/media"
)

const (
	// StatusClientClosedRequest is reported when the client went away mid merge.
	StatusClientClosedRequest = 499

	defaultMaxRequestSize = 64 << 20
	multipartMemory       = 8 << 20
	videoContentType      = "video/mp4"
)

// Merger runs merge jobs and hands out their artifacts.
type Merger interface {
	Merge(ctx context.Context, image, audio *asset.Part, cfg job.MergeConfig) (*job.Result, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	OpenOutput(ctx context.Context, jobID string) (io.ReadCloser, *job.Job, error)
	ReleaseJobOutput(ctx context.Context, jobID string) error
}

// Publisher uploads a finished artifact and returns where it lives.
type Publisher interface {
	Publish(ctx context.Context, key, contentType string, data io.Reader) (string, error)
}

// LoadReporter exposes executor gauges.
type LoadReporter interface {
	Limit() int
	InFlight() int
	Queued() int
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	merger         Merger
	publisher      Publisher
	load           LoadReporter
	tempDir        string
	maxRequestSize int64
	validator      *validator.Validate
	logger         *slog.Logger
	diskUsage      func(ctx context.Context, path string) (*disk.UsageStat, error)
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithPublisher enables push_to_s3.
func WithPublisher(p Publisher) HandlerOption {
	return func(h *Handlers) { h.publisher = p }
}

// WithLoadReporter adds executor gauges to the health response.
func WithLoadReporter(l LoadReporter) HandlerOption {
	return func(h *Handlers) { h.load = l }
}

// WithTempDir adds disk usage of dir to the health response.
func WithTempDir(dir string) HandlerOption {
	return func(h *Handlers) { h.tempDir = dir }
}

// WithMaxRequestSize caps the size of a merge request body.
func WithMaxRequestSize(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxRequestSize = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(merger Merger, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		merger:         merger,
		maxRequestSize: defaultMaxRequestSize,
		validator:      validator.New(),
		logger:         logger,
		diskUsage:      disk.UsageWithContext,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	if h.load != nil {
		resp.Merges = MergeGauges{
			Limit:    h.load.Limit(),
			InFlight: h.load.InFlight(),
			Queued:   h.load.Queued(),
		}
	}
	if h.tempDir != "" {
		usage, err := h.diskUsage(r.Context(), h.tempDir)
		if err != nil {
			h.logger.Warn("failed to read disk usage",
				slog.String("path", h.tempDir),
				slog.String("error", err.Error()),
			)
			resp.Status = "degraded"
		} else {
			resp.Disk = &DiskGauges{
				Path:        h.tempDir,
				TotalBytes:  usage.Total,
				FreeBytes:   usage.Free,
				UsedPercent: usage.UsedPercent,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Merge handles POST /merge requests. The merge runs on the request
// context, so a client disconnect terminates the transcode.
func (h *Handlers) Merge(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", string(job.KindPayloadTooLarge))
			return
		}
		h.logger.Warn("failed to parse multipart body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart body", "INVALID_MULTIPART")
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	form, err := h.parseForm(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(job.KindInvalidOptions))
		return
	}
	if form.PushToS3 && h.publisher == nil {
		writeError(w, http.StatusBadRequest, "push_to_s3 requested but S3 is not configured", "S3_NOT_CONFIGURED")
		return
	}

	image, closeImage, err := h.openPart(r.MultipartForm, string(asset.RoleImage))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MULTIPART")
		return
	}
	defer closeImage()
	audio, closeAudio, err := h.openPart(r.MultipartForm, string(asset.RoleAudio))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_MULTIPART")
		return
	}
	defer closeAudio()

	result, err := h.merger.Merge(r.Context(), image, audio, job.MergeConfig{
		MergeOptions: media.MergeOptions{
			FrameRate:          form.FrameRate,
			MaxDurationSeconds: form.MaxDurationSeconds,
		},
	})
	if err != nil {
		h.writeMergeError(w, err)
		return
	}

	resp := MergeResponse{
		ID:              result.JobID,
		Status:          string(job.StatusSucceeded),
		DurationSeconds: result.DurationSeconds,
	}

	if form.PushToS3 {
		url, err := h.publish(r.Context(), result.JobID)
		if err != nil {
			h.logger.Error("failed to publish output",
				slog.String("job_id", result.JobID),
				slog.String("error", err.Error()),
			)
			writeJSON(w, http.StatusBadGateway, ErrorResponse{
				Error: "failed to publish video",
				Code:  "PUBLISH_FAILED",
				JobID: result.JobID,
			})
			return
		}
		resp.VideoURL = url
	} else {
		resp.DownloadURL = fmt.Sprintf("/jobs/%s/video", result.JobID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// parseForm reads the optional merge fields.
func (h *Handlers) parseForm(r *http.Request) (MergeForm, error) {
	var form MergeForm
	var err error

	if v := r.FormValue("frame_rate"); v != "" {
		if form.FrameRate, err = strconv.Atoi(v); err != nil {
			return form, errors.New("frame_rate must be an integer")
		}
	}
	if v := r.FormValue("max_duration_seconds"); v != "" {
		if form.MaxDurationSeconds, err = strconv.Atoi(v); err != nil {
			return form, errors.New("max_duration_seconds must be an integer")
		}
	}
	if v := r.FormValue("push_to_s3"); v != "" {
		if form.PushToS3, err = strconv.ParseBool(v); err != nil {
			return form, errors.New("push_to_s3 must be a boolean")
		}
	}

	if err := h.validator.Struct(form); err != nil {
		return form, err
	}
	return form, nil
}

// openPart returns the upload for field, or nil when it is absent. The
// declared content type is trusted unless it is missing or generic, in
// which case the leading bytes are sniffed.
func (h *Handlers) openPart(form *multipart.Form, field string) (*asset.Part, func(), error) {
	noop := func() {}
	files := form.File[field]
	if len(files) == 0 {
		return nil, noop, nil
	}
	fh := files[0]

	f, err := fh.Open()
	if err != nil {
		return nil, noop, fmt.Errorf("open %s part: %w", field, err)
	}
	closeFile := func() { _ = f.Close() }

	contentType := fh.Header.Get("Content-Type")
	if needsSniff(contentType) {
		mt, err := mimetype.DetectReader(f)
		if err == nil {
			contentType = mt.String()
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			closeFile()
			return nil, noop, fmt.Errorf("rewind %s part: %w", field, err)
		}
	}

	return &asset.Part{
		Filename:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	}, closeFile, nil
}

func needsSniff(contentType string) bool {
	switch asset.NormalizeMIME(contentType) {
	case "", "application/octet-stream":
		return true
	}
	return false
}

// publish uploads the job output and releases the local copy.
func (h *Handlers) publish(ctx context.Context, jobID string) (string, error) {
	rc, _, err := h.merger.OpenOutput(ctx, jobID)
	if err != nil {
		return "", err
	}
	url, err := h.publisher.Publish(ctx, "merges/"+jobID+".mp4", videoContentType, rc)
	_ = rc.Close()
	if err != nil {
		return "", err
	}

	if err := h.merger.ReleaseJobOutput(ctx, jobID); err != nil {
		h.logger.Warn("failed to release published output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	return url, nil
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}
	if !jobid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	foundJob, err := h.merger.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	resp := JobResponse{
		ID:              foundJob.ID,
		Status:          string(foundJob.Status),
		ErrorKind:       string(foundJob.ErrorKind),
		Error:           foundJob.Error,
		DurationSeconds: foundJob.DurationSeconds,
		OutputReleased:  foundJob.OutputReleased,
		CreatedAt:       foundJob.CreatedAt,
	}
	if !foundJob.CompletedAt.IsZero() {
		completed := foundJob.CompletedAt
		resp.CompletedAt = &completed
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetVideo handles GET /jobs/{id}/video requests. The artifact is
// released once it has been streamed in full.
func (h *Handlers) GetVideo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if !jobid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}

	rc, _, err := h.merger.OpenOutput(r.Context(), jobID)
	if err != nil {
		h.writeOutputError(w, jobID, err)
		return
	}

	w.Header().Set("Content-Type", videoContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".mp4"))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	_ = rc.Close()
	if err != nil {
		// Keep the artifact so the client can retry.
		h.logger.Warn("video download interrupted",
			slog.String("job_id", jobID),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := h.merger.ReleaseJobOutput(context.WithoutCancel(r.Context()), jobID); err != nil {
		h.logger.Warn("failed to release delivered output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteVideo handles DELETE /jobs/{id}/video requests.
func (h *Handlers) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if !jobid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
		return
	}
	if err := h.merger.ReleaseJobOutput(r.Context(), jobID); err != nil {
		h.writeOutputError(w, jobID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) writeOutputError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrOutputReleased):
		writeError(w, http.StatusGone, "video was already delivered", "OUTPUT_RELEASED")
	case errors.Is(err, job.ErrOutputUnavailable):
		writeError(w, http.StatusConflict, "job has no video", "OUTPUT_UNAVAILABLE")
	default:
		h.logger.Error("failed to access output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to access video", "OUTPUT_FAILED")
	}
}

func (h *Handlers) writeMergeError(w http.ResponseWriter, err error) {
	var me *job.MergeError
	if !errors.As(err, &me) {
		h.logger.Error("unexpected merge error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, statusForKind(me.Kind), ErrorResponse{
		Error: me.Message,
		Code:  string(me.Kind),
		JobID: me.JobID,
	})
}

// statusForKind maps a failure kind to an HTTP status: 4xx for request
// mistakes, 5xx for infrastructure faults.
func statusForKind(k job.ErrorKind) int {
	switch k {
	case job.KindMissingPart, job.KindInvalidOptions:
		return http.StatusBadRequest
	case job.KindUnsupportedType:
		return http.StatusUnsupportedMediaType
	case job.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case job.KindCancelled:
		return StatusClientClosedRequest
	case job.KindNonZeroExit:
		return http.StatusBadGateway
	case job.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
