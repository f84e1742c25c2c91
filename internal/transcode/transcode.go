// Package transcode converts the merged transport stream with an external ffmpeg.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"
)

var commandContext = exec.CommandContext

// DefaultBinary is the ffmpeg executable looked up on PATH.
const DefaultBinary = "ffmpeg"

const (
	defaultAudioBitrate = "256k"
	stderrTailSize      = 4096
)

// ErrNotFound is returned when ffmpeg cannot be executed.
var ErrNotFound = errors.New("ffmpeg not found, make sure it is installed and on PATH")

// Accel is the hardware acceleration available to ffmpeg.
type Accel int

const (
	AccelCPU Accel = iota
	AccelNVIDIA
	AccelAMD
)

func (a Accel) String() string {
	switch a {
	case AccelNVIDIA:
		return "nvidia"
	case AccelAMD:
		return "amd"
	default:
		return "cpu"
	}
}

// ParseEncoders picks the acceleration from `ffmpeg -encoders` output.
func ParseEncoders(list string) Accel {
	switch {
	case strings.Contains(list, "h264_nvenc"):
		return AccelNVIDIA
	case strings.Contains(list, "h264_amf"):
		return AccelAMD
	default:
		return AccelCPU
	}
}

// Options are the bitrate hints passed to the encoder, in kbps. Zero means
// encoder default for video and 256k for audio.
type Options struct {
	VideoBitrate int
	AudioBitrate int
}

// BuildArgs returns the ffmpeg arguments converting input to output.
func BuildArgs(accel Accel, input, output string, opts Options) []string {
	args := []string{"-hide_banner", "-loglevel", "info", "-y"}

	switch accel {
	case AccelNVIDIA:
		args = append(args, "-hwaccel", "cuda", "-hwaccel_output_format", "cuda")
		args = append(args, "-c:v", "h264_cuvid")
		args = append(args, "-i", input)
		args = append(args, "-c:a", "aac", "-b:a", "320k")
		args = append(args, "-c:v", "h264_nvenc", "-preset", "p3", "-rc", "vbr")
	case AccelAMD:
		args = append(args, "-i", input)
		args = append(args, "-c:a", "aac", "-b:a", "320k")
		args = append(args, "-c:v", "h264_amf", "-rc", "vbr")
	default:
		args = append(args, "-i", input)
		args = append(args, "-c:a", "aac", "-b:a", "256k")
		args = append(args, "-c:v", "libx264", "-preset", "medium")
	}

	if opts.VideoBitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(opts.VideoBitrate)+"k")
	}
	if opts.AudioBitrate > 0 {
		args = append(args, "-b:a", strconv.Itoa(opts.AudioBitrate)+"k")
	} else {
		args = append(args, "-b:a", defaultAudioBitrate)
	}

	return append(args, output)
}

// ExitError reports a failed ffmpeg run along with the end of its stderr.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("ffmpeg failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg failed: %v\n%s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// FFmpeg runs the ffmpeg binary.
type FFmpeg struct {
	binary string
	logger hclog.Logger
}

// New creates an FFmpeg runner. ffmpeg's own output is forwarded to logger
// at debug level.
func New(binary string, logger hclog.Logger) *FFmpeg {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FFmpeg{binary: binary, logger: logger}
}

// Check verifies that ffmpeg runs.
func (f *FFmpeg) Check(ctx context.Context) error {
	cmd := commandContext(ctx, f.binary, "-version") //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	if line, _, _ := strings.Cut(string(out), "\n"); line != "" {
		f.logger.Debug("ffmpeg available", "version", strings.TrimSpace(line))
	}
	return nil
}

// DetectAccel probes the available hardware encoders.
func (f *FFmpeg) DetectAccel(ctx context.Context) (Accel, error) {
	cmd := commandContext(ctx, f.binary, "-hide_banner", "-encoders") //nolint:gosec
	out, err := cmd.Output()
	if err != nil {
		return AccelCPU, fmt.Errorf("failed to list ffmpeg encoders: %w", err)
	}
	return ParseEncoders(string(out)), nil
}

// Convert transcodes input into output using the best available encoder.
func (f *FFmpeg) Convert(ctx context.Context, input, output string, opts Options) error {
	accel, err := f.DetectAccel(ctx)
	if err != nil {
		return err
	}
	f.logger.Info("starting transcode", "accel", accel.String(), "input", input, "output", output)

	args := BuildArgs(accel, input, output, opts)
	cmd := commandContext(ctx, f.binary, args...) //nolint:gosec

	tail := &tailWriter{max: stderrTailSize}
	forward := f.logger.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})
	cmd.Stdout = io.Discard
	cmd.Stderr = io.MultiWriter(forward, tail)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ExitError{Err: err, Stderr: tail.String()}
	}

	f.logger.Info("transcode complete", "output", output)
	return nil
}

// tailWriter keeps the last max bytes written to it.
type tailWriter struct {
	buf []byte
	max int
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	return string(bytes.TrimSpace(w.buf))
}
