package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/maauso/stillmerge-api/internal/asset"
	"github.com/maauso/stillmerge-api/internal/bootstrap"
	"github.com/maauso/stillmerge-api/internal/job"
	"github.com/maauso/stillmerge-api/internal/media"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge an image and an audio file into an MP4",
	Long: `Run one merge job on local files and write the resulting video.

The input types are detected from the file contents. The job goes through
the same validation, size limits and concurrency ceiling as the server.

Examples:
  mergectl merge --image cover.png --audio track.mp3 --out video.mp4
  mergectl merge -i cover.jpg -a track.mp3 -o clip.mp4 --max-duration 10`,
	Args: cobra.NoArgs,
	RunE: runMerge,
}

func init() {
	mergeCmd.Flags().StringP("image", "i", "", "still image (PNG or JPEG)")
	mergeCmd.Flags().StringP("audio", "a", "", "audio track (MP3)")
	mergeCmd.Flags().StringP("out", "o", "", "output video path")
	mergeCmd.Flags().Int("frame-rate", 0, "frame rate of the looped image (default FRAME_RATE)")
	mergeCmd.Flags().Int("max-duration", 0, "cap the output length in seconds (default MAX_DURATION_SEC)")
	mergeCmd.Flags().Duration("timeout", 0, "merge time budget (default MERGE_TIMEOUT)")
	_ = mergeCmd.MarkFlagRequired("image")
	_ = mergeCmd.MarkFlagRequired("audio")
	_ = mergeCmd.MarkFlagRequired("out")
}

func runMerge(cmd *cobra.Command, _ []string) error {
	imagePath, _ := cmd.Flags().GetString("image")
	audioPath, _ := cmd.Flags().GetString("audio")
	outPath, _ := cmd.Flags().GetString("out")
	frameRate, _ := cmd.Flags().GetInt("frame-rate")
	maxDuration, _ := cmd.Flags().GetInt("max-duration")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	image, closeImage, err := openPart(imagePath)
	if err != nil {
		return err
	}
	defer closeImage()
	audio, closeAudio, err := openPart(audioPath)
	if err != nil {
		return err
	}
	defer closeAudio()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withDependencies(ctx, func(deps *bootstrap.Dependencies) error {
		result, err := deps.Coordinator.Merge(ctx, image, audio, job.MergeConfig{
			MergeOptions: media.MergeOptions{
				FrameRate:          frameRate,
				MaxDurationSeconds: maxDuration,
			},
			Timeout: timeout,
		})
		if err != nil {
			return err
		}
		defer releaseOutput(context.WithoutCancel(ctx), deps.Coordinator, logger, result.JobID)

		if err := copyOutput(ctx, deps.Coordinator, result.JobID, outPath); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%.2fs\n", result.JobID, outPath, result.DurationSeconds)
		return nil
	})
}

// openPart describes a local file the way the upload receiver describes a
// multipart part.
func openPart(path string) (*asset.Part, func(), error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("detect type of %s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return &asset.Part{
		Filename:    info.Name(),
		ContentType: mt.String(),
		Size:        info.Size(),
		Body:        f,
	}, func() { _ = f.Close() }, nil
}

// outputReleaser releases a job's output once it has been copied out.
type outputReleaser interface {
	ReleaseJobOutput(ctx context.Context, jobID string) error
}

// releaseOutput releases the output of jobID and logs a failure; the
// sweeper picks up whatever is left behind.
func releaseOutput(ctx context.Context, r outputReleaser, log *slog.Logger, jobID string) {
	if err := r.ReleaseJobOutput(ctx, jobID); err != nil {
		log.Warn("failed to release delivered output",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}

func copyOutput(ctx context.Context, coord *job.Coordinator, jobID, outPath string) error {
	rc, _, err := coord.OpenOutput(ctx, jobID)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("write output: %w", err)
	}
	return out.Close()
}
