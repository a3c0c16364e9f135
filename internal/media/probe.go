// Package media inspects generated videos with ffprobe.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Static errors for media operations.
var (
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrNoDuration is returned when ffprobe reports no usable duration.
	ErrNoDuration = errors.New("ffprobe reported no duration")
)

// Prober reports media durations.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// FFprobe implements Prober using the ffprobe CLI.
type FFprobe struct {
	// path is the ffprobe binary. Defaults to "ffprobe".
	path string
}

// NewFFprobe creates a new FFprobe.
// If path is empty, it defaults to "ffprobe" (found via PATH).
func NewFFprobe(path string) *FFprobe {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobe{path: path}
}

// Available reports whether the ffprobe binary can be found.
func (p *FFprobe) Available() bool {
	_, err := exec.LookPath(p.path)
	return err == nil
}

// ProbeError is a failed ffprobe run with its stderr output.
type ProbeError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%v: %v\nargs: %v\nstderr: %s", ErrFFprobeExecution, e.Err, e.Args, e.Stderr)
}

func (e *ProbeError) Unwrap() []error {
	return []error{ErrFFprobeExecution, e.Err}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration returns the container duration of a media file in seconds.
func (p *FFprobe) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_entries", "format=duration",
		path,
	}
	// #nosec G204 - path is set by configuration, not user input
	cmd := exec.CommandContext(ctx, p.path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return 0, &ProbeError{Args: args, Stderr: stderr.String(), Err: err}
	}
	return parseDuration(stdout.Bytes())
}

// ProbeBytes writes data to a scratch file and probes it.
func (p *FFprobe) ProbeBytes(ctx context.Context, data []byte) (float64, error) {
	f, err := os.CreateTemp("", "probe-*.mp4")
	if err != nil {
		return 0, fmt.Errorf("create probe file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write probe file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close probe file: %w", err)
	}
	return p.ProbeDuration(ctx, f.Name())
}

func parseDuration(out []byte) (float64, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if po.Format.Duration == "" || po.Format.Duration == "N/A" {
		return 0, ErrNoDuration
	}
	d, err := strconv.ParseFloat(po.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", po.Format.Duration, err)
	}
	return d, nil
}
