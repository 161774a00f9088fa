package stt

import (
	"context"
	"os/exec"
	"testing"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRecognizerParsesJSON(t *testing.T) {
	requireShell(t)
	rec, err := NewExecRecognizer(`sh -c 'echo "{\"text\":\"lecture one\"}"' stt`)
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	text, err := rec.Transcribe(context.Background(), writeSegment(t), Options{Model: "base"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "lecture one" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExecRecognizerExitCodes(t *testing.T) {
	requireShell(t)
	cases := map[string]Kind{
		"exit 65": KindFormat,
		"exit 77": KindAuth,
		"exit 1":  KindTransient,
	}
	for script, want := range cases {
		rec, err := NewExecRecognizer(`sh -c '` + script + `' stt`)
		if err != nil {
			t.Fatalf("new exec recognizer: %v", err)
		}
		_, err = rec.Transcribe(context.Background(), writeSegment(t), Options{})
		if got := KindOf(err); got != want {
			t.Fatalf("%s: expected %s, got %s (%v)", script, want, got, err)
		}
	}
}

func TestExecRecognizerEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}
