package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// Exit codes an external recognizer uses to signal a non-retryable failure.
// Any other non-zero exit is treated as transient.
const (
	ExitFormat = 65
	ExitAuth   = 77
)

type execRecognizer struct {
	cmd []string
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecRecognizer runs a local command per segment. The command receives
// --audio <path> plus --model/--language/--prompt when set and must print
// {"text": "..."} on stdout.
func NewExecRecognizer(command string) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	args := append([]string{}, r.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", path)
	if opts.Model != "" {
		cmdArgs = append(cmdArgs, "--model", opts.Model)
	}
	if opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", opts.Language)
	}
	if opts.Prompt != "" {
		cmdArgs = append(cmdArgs, "--prompt", opts.Prompt)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", classifyExit(ctx, err, strings.TrimSpace(stderr.String()))
	}

	if opts.ResponseFormat == "text" && !bytes.HasPrefix(bytes.TrimSpace(stdout.Bytes()), []byte("{")) {
		return strings.TrimSpace(stdout.String()), nil
	}
	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", &Error{Kind: KindTransient, Message: "decode stt response", Err: err}
	}
	return resp.Text, nil
}

func classifyExit(ctx context.Context, err error, stderr string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Error{Kind: KindTransient, Message: "stt command timed out", Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		kind := KindTransient
		switch exitErr.ExitCode() {
		case ExitFormat:
			kind = KindFormat
		case ExitAuth:
			kind = KindAuth
		}
		return &Error{Kind: kind, Message: fmt.Sprintf("stt command failed: %s", stderr), Err: err}
	}
	return &Error{Kind: KindTransient, Message: "stt command failed to start", Err: err}
}
