package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestExecRunner_StreamsLines(t *testing.T) {
	requireShell(t)

	var out, errLines []string
	res, err := ExecRunner{}.Run(context.Background(), Spec{
		Binary:   "sh",
		Args:     []string{"-c", "echo one; echo two; echo oops 1>&2"},
		OnStdout: func(l string) error { out = append(out, l); return nil },
		OnStderr: func(l string) error { errLines = append(errLines, l); return nil },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if strings.Join(out, ",") != "one,two" {
		t.Fatalf("unexpected stdout lines: %v", out)
	}
	if len(errLines) != 1 || errLines[0] != "oops" {
		t.Fatalf("unexpected stderr lines: %v", errLines)
	}
}

func TestExecRunner_NonzeroExitIsNotError(t *testing.T) {
	requireShell(t)

	res, err := ExecRunner{}.Run(context.Background(), Spec{Binary: "sh", Args: []string{"-c", "exit 3"}})
	if err != nil {
		t.Fatalf("nonzero exit should be reported in result, got error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	requireShell(t)

	start := time.Now()
	_, err := ExecRunner{}.Run(context.Background(), Spec{
		Binary:  "sh",
		Args:    []string{"-c", "sleep 10"},
		Timeout: 100 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatal("process was not killed on timeout")
	}
}

func TestExecRunner_CallbackAborts(t *testing.T) {
	requireShell(t)

	fatal := errors.New("unsupported")
	start := time.Now()
	_, err := ExecRunner{}.Run(context.Background(), Spec{
		Binary: "sh",
		Args:   []string{"-c", "echo 'ERROR: Unsupported URL' 1>&2; sleep 10"},
		OnStderr: func(l string) error {
			if strings.Contains(l, "Unsupported URL") {
				return fatal
			}
			return nil
		},
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Fatal("abort did not short-circuit the process")
	}
}

func TestExecRunner_MissingBinary(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), Spec{Binary: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatal("expected start error")
	}
}
