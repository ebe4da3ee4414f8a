// Package executor runs external media processes under a shared
// concurrency ceiling with per-run time budgets.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	defaultTailBytes    = 64 * 1024
	defaultExcerptLines = 5
	defaultExcerptBytes = 512
	defaultWaitDelay    = 5 * time.Second
)

// ExitInfo reports how a successful run went.
type ExitInfo struct {
	ExitCode  int
	Duration  time.Duration
	QueuedFor time.Duration
}

// Executor spawns a fixed binary with caller-provided arguments.
// No shell is involved at any point.
type Executor struct {
	binary       string
	limiter      *Limiter
	logger       *slog.Logger
	waitDelay    time.Duration
	excerptLines int
	excerptBytes int
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger used for full diagnostic output.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithWaitDelay bounds how long pipes are drained after the process is killed.
func WithWaitDelay(d time.Duration) Option {
	return func(e *Executor) { e.waitDelay = d }
}

// WithExcerpt sets how much diagnostic text reaches callers.
func WithExcerpt(lines, maxBytes int) Option {
	return func(e *Executor) {
		e.excerptLines = lines
		e.excerptBytes = maxBytes
	}
}

// New creates an Executor for binary sharing limiter.
// If binary is empty, it defaults to "ffmpeg" (found via PATH).
func New(binary string, limiter *Limiter, opts ...Option) *Executor {
	if binary == "" {
		binary = "ffmpeg"
	}
	if limiter == nil {
		limiter = NewLimiter(0)
	}
	e := &Executor{
		binary:       binary,
		limiter:      limiter,
		logger:       slog.Default(),
		waitDelay:    defaultWaitDelay,
		excerptLines: defaultExcerptLines,
		excerptBytes: defaultExcerptBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Limiter returns the limiter shared by this executor.
func (e *Executor) Limiter() *Limiter { return e.limiter }

// Execute waits for a slot, then runs the binary with args.
// The timeout covers only the run itself, not the time spent queued.
// A non-positive timeout means no budget beyond ctx.
func (e *Executor) Execute(ctx context.Context, args []string, timeout time.Duration) (ExitInfo, error) {
	var info ExitInfo

	queuedAt := time.Now()
	release, err := e.limiter.Acquire(ctx)
	info.QueuedFor = time.Since(queuedAt)
	if err != nil {
		return info, &ExecutionError{Kind: KindCanceled, ExitCode: -1, Err: err}
	}
	defer release()

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// #nosec G204 - binary is set by the application, args are built from generated handles
	cmd := exec.CommandContext(runCtx, e.binary, args...)
	cmd.WaitDelay = e.waitDelay

	stderr := &tailBuffer{max: defaultTailBytes}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.Error("process could not be started",
			"binary", e.binary,
			"error", err.Error(),
		)
		return info, &ExecutionError{Kind: KindSpawn, ExitCode: -1, Err: err}
	}
	waitErr := cmd.Wait()
	info.Duration = time.Since(start)
	info.ExitCode = exitCode(cmd)

	if waitErr == nil {
		return info, nil
	}

	diag := stderr.String()
	e.logger.Warn("process failed",
		"binary", e.binary,
		"exit_code", info.ExitCode,
		"duration", info.Duration,
		"stderr", diag,
	)

	switch {
	case ctx.Err() != nil:
		return info, &ExecutionError{Kind: KindCanceled, ExitCode: info.ExitCode, Err: ctx.Err()}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return info, &ExecutionError{Kind: KindTimeout, ExitCode: info.ExitCode, Err: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return info, &ExecutionError{
			Kind:     KindNonZeroExit,
			ExitCode: info.ExitCode,
			Excerpt:  Redact(diag, e.excerptLines, e.excerptBytes),
			Err:      waitErr,
		}
	}
	return info, &ExecutionError{Kind: KindSpawn, ExitCode: info.ExitCode, Err: waitErr}
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

var absPathRe = regexp.MustCompile(`/[^\s'":,]+`)

// Redact keeps the last lines of diagnostic text, replaces absolute paths
// and caps the result at maxBytes.
func Redact(diag string, lines, maxBytes int) string {
	all := strings.Split(strings.TrimSpace(diag), "\n")
	kept := make([]string, 0, lines)
	for i := len(all) - 1; i >= 0 && len(kept) < lines; i-- {
		line := strings.TrimSpace(all[i])
		if line == "" {
			continue
		}
		kept = append(kept, absPathRe.ReplaceAllString(line, "<path>"))
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	out := strings.Join(kept, "\n")
	if maxBytes > 0 && len(out) > maxBytes {
		out = strings.ToValidUTF8(out[len(out)-maxBytes:], "")
	}
	return out
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
