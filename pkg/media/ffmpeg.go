// Package media wraps the ffmpeg and ffprobe binaries for audio probing
// and clip cutting.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Prober reports the duration of an audio file.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Cutter extracts a time span of an audio file into a new file.
type Cutter interface {
	Cut(ctx context.Context, src, dst string, start, length time.Duration) error
}

// FFmpeg shells out to ffmpeg and ffprobe.
type FFmpeg struct {
	ffmpegCmd  string
	ffprobeCmd string
}

// NewFFmpeg builds the wrapper. Empty command names fall back to the
// binaries on PATH.
func NewFFmpeg(ffmpegCmd, ffprobeCmd string) *FFmpeg {
	if ffmpegCmd == "" {
		ffmpegCmd = "ffmpeg"
	}
	if ffprobeCmd == "" {
		ffprobeCmd = "ffprobe"
	}
	return &FFmpeg{ffmpegCmd: ffmpegCmd, ffprobeCmd: ffprobeCmd}
}

// Duration reads the container duration via ffprobe.
func (f *FFmpeg) Duration(ctx context.Context, path string) (time.Duration, error) {
	cmdPath, err := exec.LookPath(f.ffprobeCmd)
	if err != nil {
		return 0, fmt.Errorf("ffprobe not found: %w", err)
	}

	cmd := exec.CommandContext(ctx, cmdPath, probeArgs(path)...)
	out, err := cmd.Output()
	if err != nil {
		return 0, runError("ffprobe", path, err)
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("parse ffprobe output for %s: %w", path, err)
	}

	secs, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q for %s: %w", probe.Format.Duration, path, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Cut writes the [start, start+length) span of src to dst, re-encoding to
// the destination's container. Parent directories are created as needed.
func (f *FFmpeg) Cut(ctx context.Context, src, dst string, start, length time.Duration) error {
	cmdPath, err := exec.LookPath(f.ffmpegCmd)
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}

	// #nosec G301 -- clip directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("create clip directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, cmdPath, cutArgs(src, dst, start, length)...)
	if err := cmd.Run(); err != nil {
		return runError("ffmpeg", src, err)
	}
	return nil
}

func probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	}
}

func cutArgs(src, dst string, start, length time.Duration) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(length),
		"-i", src,
		"-vn",
		dst,
	}
}

// formatSeconds renders a duration as fractional seconds the way ffmpeg
// expects, with millisecond precision.
func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// runError surfaces captured stderr when the binary exits nonzero.
func runError(tool, path string, err error) error {
	if ee, ok := err.(*exec.ExitError); ok && len(ee.Stderr) > 0 {
		return fmt.Errorf("%s failed for %s: %s", tool, path, strings.TrimSpace(string(ee.Stderr)))
	}
	return fmt.Errorf("run %s for %s: %w", tool, path, err)
}
