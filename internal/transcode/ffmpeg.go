// Package transcode converts WAV recordings to MP3 by piping them through an
// external ffmpeg process. Both streams go over pipes; nothing touches disk.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrEmptyInput is returned when the audio payload is empty. The process is
// never spawned in that case.
var ErrEmptyInput = errors.New("audio input is empty")

// ErrTimeout is returned when the process exceeds the wall-clock limit.
var ErrTimeout = errors.New("transcode timed out")

// ProcessError reports a non-zero process exit, with whatever the process
// wrote to stderr.
type ProcessError struct {
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("transcode process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// ffmpegArgs reads WAV from stdin and writes 128 kbps stereo 44.1 kHz MP3 to
// stdout.
var ffmpegArgs = []string{
	"-hide_banner", "-loglevel", "warning",
	"-i", "pipe:0",
	"-vn",
	"-acodec", "libmp3lame",
	"-ab", "128k",
	"-ac", "2",
	"-ar", "44100",
	"-f", "mp3",
	"pipe:1",
}

// Transcoder runs conversions with a concurrency cap and a per-run deadline.
type Transcoder struct {
	command string
	args    []string
	timeout time.Duration
	sem     chan struct{}
	logger  *slog.Logger
}

// NewFFmpeg creates a Transcoder invoking ffmpeg at the given path. At most
// maxConcurrent processes run at once; additional calls wait for a slot.
func NewFFmpeg(path string, timeout time.Duration, maxConcurrent int, logger *slog.Logger) *Transcoder {
	return New(path, ffmpegArgs, timeout, maxConcurrent, logger)
}

// New creates a Transcoder for an arbitrary command. Tests substitute
// commands with known behavior here.
func New(command string, args []string, timeout time.Duration, maxConcurrent int, logger *slog.Logger) *Transcoder {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		command: command,
		args:    args,
		timeout: timeout,
		sem:     make(chan struct{}, maxConcurrent),
		logger:  logger,
	}
}

// Transcode runs one conversion. Input is written to the process on stdin
// while stdout and stderr are drained concurrently, so neither side can fill
// a pipe buffer and deadlock the process.
func (t *Transcoder) Transcode(ctx context.Context, in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, ErrEmptyInput
	}

	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, t.command, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.command, err)
	}

	var outBuf, errBuf bytes.Buffer
	var writeErr error
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		// A write failure usually means the process died early; the exit
		// status below carries the real cause.
		_, writeErr = io.Copy(stdin, bytes.NewReader(in))
		stdin.Close()
	}()
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, stdout)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&errBuf, stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stderrText := strings.TrimSpace(errBuf.String())

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, &ProcessError{ExitCode: exitErr.ExitCode(), Stderr: stderrText}
		}
		return nil, fmt.Errorf("waiting for %s: %w", t.command, waitErr)
	}
	if writeErr != nil {
		return nil, &ProcessError{ExitCode: 0, Stderr: fmt.Sprintf("stdin write failed: %v", writeErr)}
	}
	if stderrText != "" {
		// A clean exit with warnings still counts as success.
		t.logger.Warn("transcode completed with warnings", "stderr", stderrText)
	}

	return outBuf.Bytes(), nil
}
