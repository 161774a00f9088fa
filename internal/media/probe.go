package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Prober reports the duration of a recording in seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// FFprobe reads durations through ffprobe, with a native fast path for WAV.
type FFprobe struct {
	cmd []string
}

func NewFFprobe(command string) (*FFprobe, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse probe command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("probe command is empty")
	}
	return &FFprobe{cmd: args}, nil
}

func (p *FFprobe) Duration(ctx context.Context, path string) (float64, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		if d, err := WAVDuration(path); err == nil {
			return d, nil
		}
	}
	args := append([]string{}, p.cmd[1:]...)
	args = append(args,
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	command := exec.CommandContext(ctx, p.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return 0, fmt.Errorf("probe %s: %w: %s", filepath.Base(path), err, strings.TrimSpace(stderr.String()))
	}
	value := strings.TrimSpace(stdout.String())
	d, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse probe output %q: %w", value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("probe %s: non-positive duration %v", filepath.Base(path), d)
	}
	return d, nil
}

// WAVDuration decodes the RIFF header of a PCM wav file.
func WAVDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", filepath.Base(path))
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("wav duration: %w", err)
	}
	return d.Seconds(), nil
}
