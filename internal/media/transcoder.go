package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// EncodingParams fixes the output encoding of every segment.
type EncodingParams struct {
	Codec      string
	Bitrate    string
	Channels   int
	SampleRate int
	Preset     string
	Threads    int
	Format     string
}

func ParamsFromConfig(cfg config.AudioConfig) EncodingParams {
	return EncodingParams{
		Codec:      cfg.Codec,
		Bitrate:    cfg.Bitrate,
		Channels:   cfg.Channels,
		SampleRate: cfg.SampleRate,
		Preset:     cfg.Preset,
		Threads:    cfg.Threads,
		Format:     cfg.Format,
	}
}

// Job describes one transcode: cut [Start, Start+Duration) of Input into
// Output.
type Job struct {
	Input    string
	Start    float64
	Duration float64
	Output   string
	Params   EncodingParams
}

// Transcoder produces one segment file. The splitter and the repair path in
// the worker share the same implementation.
type Transcoder interface {
	Transcode(ctx context.Context, job Job) (string, error)
}

// FFmpeg shells out to an ffmpeg-compatible binary.
type FFmpeg struct {
	cmd []string
}

func NewFFmpeg(command string) (*FFmpeg, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcoder command is empty")
	}
	return &FFmpeg{cmd: args}, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, job Job) (string, error) {
	if job.Input == "" || job.Output == "" {
		return "", errors.New("transcode job needs input and output")
	}
	args := append([]string{}, f.cmd[1:]...)
	args = append(args, f.Args(job)...)

	command := exec.CommandContext(ctx, f.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		_ = os.Remove(job.Output)
		return "", fmt.Errorf("transcode %s: %w: %s", job.Output, err, strings.TrimSpace(stderr.String()))
	}
	return job.Output, nil
}

// Args renders the ffmpeg arguments for job, excluding the binary.
func (f *FFmpeg) Args(job Job) []string {
	p := job.Params
	args := []string{"-y",
		"-ss", formatSeconds(job.Start),
		"-i", job.Input,
		"-t", formatSeconds(job.Duration),
		"-vn",
	}
	if p.Codec != "" {
		args = append(args, "-acodec", p.Codec)
	}
	if p.Bitrate != "" {
		args = append(args, "-b:a", p.Bitrate)
	}
	if p.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(p.Channels))
	}
	if p.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(p.SampleRate))
	}
	if p.Preset != "" {
		args = append(args, "-preset", p.Preset)
	}
	if p.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(p.Threads))
	}
	args = append(args, "-avoid_negative_ts", "make_zero")
	if p.Format != "" {
		args = append(args, "-f", p.Format)
	}
	return append(args, job.Output)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
