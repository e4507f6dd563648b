// Package process supervises external tool invocations: spawn, line-by-line
// output parsing, wall-clock timeout and forced termination.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrTimeout is returned when a process outlives Spec.Timeout and is killed.
var ErrTimeout = errors.New("process timed out")

// LineFunc receives one line of output. Returning an error kills the
// process and makes Run return that error.
type LineFunc func(line string) error

// Spec describes one invocation.
type Spec struct {
	Binary   string
	Args     []string
	Dir      string
	Timeout  time.Duration
	OnStdout LineFunc
	OnStderr LineFunc
}

func (s Spec) String() string {
	return s.Binary + " " + strings.Join(s.Args, " ")
}

// Result is the outcome of a process that ran to exit.
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner runs external processes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run starts the process and blocks until it exits, is killed by timeout, or
// is aborted by a line callback. A nonzero exit is reported in Result, not as
// an error.
func (ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if spec.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, spec.Timeout, ErrTimeout)
		defer cancelTimeout()
	}

	cmd := exec.CommandContext(runCtx, spec.Binary, spec.Args...) //nolint:gosec
	cmd.Dir = spec.Dir
	cmd.WaitDelay = 5 * time.Second
	configure(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", spec.Binary, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		aborted error
	)
	// Callbacks never run concurrently, and stop after the first abort.
	forward := func(fn LineFunc, line string) {
		mu.Lock()
		defer mu.Unlock()
		if fn == nil || aborted != nil {
			return
		}
		if err := fn(line); err != nil {
			aborted = err
			cancel(err)
		}
	}
	scan := func(r io.Reader, fn LineFunc) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			forward(fn, line)
		}
	}

	wg.Add(2)
	go scan(stdout, spec.OnStdout)
	go scan(stderr, spec.OnStderr)
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{ExitCode: cmd.ProcessState.ExitCode(), Duration: time.Since(start)}

	mu.Lock()
	abortErr := aborted
	mu.Unlock()
	if abortErr != nil {
		return res, abortErr
	}
	if cause := context.Cause(runCtx); cause != nil {
		if errors.Is(cause, ErrTimeout) {
			return res, fmt.Errorf("%s after %s: %w", spec.Binary, spec.Timeout, ErrTimeout)
		}
		return res, cause
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return res, fmt.Errorf("wait %s: %w", spec.Binary, waitErr)
	}
	return res, nil
}
