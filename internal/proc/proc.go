// Package proc wraps os/exec for the command-line tools devrun drives.
//
// One-shot queries go through Runner.Run and return captured output. Long-running
// subprocesses go through Runner.Start and are consumed with Stream, which scans
// stdout and stderr line by line and only waits for exit once both pipes drain.
package proc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

const defaultScannerBufSize = 1024 * 1024 // 1 MB

// Command describes a subprocess invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// String renders the command the way it would be typed in a shell.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Name)
	for _, a := range c.Args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// Xcrun builds a command that runs tool through xcrun.
func Xcrun(tool string, args ...string) Command {
	return Command{Name: "xcrun", Args: append([]string{tool}, args...)}
}

// Output is the captured result of a one-shot command.
type Output struct {
	Stdout []byte
	Stderr []byte
}

// ExitError reports a subprocess that ran but exited nonzero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, msg)
}

// ExitCode returns the exit code carried by err, 0 for nil and -1 when err did not
// come from a process exit.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// StreamType distinguishes the two output pipes.
type StreamType string

const (
	Stdout StreamType = "stdout"
	Stderr StreamType = "stderr"
)

// Process is a started subprocess.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit. A nonzero exit is reported as *ExitError.
	Wait() error
	// Terminate asks the process to exit with SIGTERM without waiting for it.
	Terminate() error
	Pid() int
}

// Runner spawns subprocesses.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
	Start(ctx context.Context, cmd Command) (Process, error)
}

// ExecRunner implements Runner with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a Runner backed by real OS processes.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) command(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// Run executes cmd to completion and captures both pipes.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	cmd := r.command(ctx, c)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &ExitError{Code: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return out, fmt.Errorf("run %s: %w", c.Name, err)
	}
	return out, nil
}

// Start launches cmd with piped stdout and stderr.
func (r *ExecRunner) Start(ctx context.Context, c Command) (Process, error) {
	cmd := r.command(ctx, c)
	// Cancelling ctx sends SIGTERM rather than SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	return &execProcess{cmd: cmd, stdout: stdoutPipe, stderr: stderrPipe}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

func (p *execProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	err := p.cmd.Process.Signal(syscall.SIGTERM)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// LineFunc receives one line of subprocess output without its newline.
type LineFunc func(stream StreamType, line string)

// ScanError reports output that could not be read although the process itself
// exited cleanly, e.g. a line longer than the scanner buffer.
type ScanError struct {
	Err error
}

func (e *ScanError) Error() string { return "read output: " + e.Err.Error() }
func (e *ScanError) Unwrap() error { return e.Err }

// Stream scans both pipes of p concurrently, calling onLine for every line, and
// returns the result of p.Wait once both pipes are exhausted. A clean exit with
// unreadable output is reported as *ScanError. onLine may be called from two
// goroutines at once.
func Stream(p Process, onLine LineFunc) error {
	var wg sync.WaitGroup
	scanErrs := make([]error, 2)

	scan := func(i int, r io.Reader, stream StreamType) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), defaultScannerBufSize)
		for scanner.Scan() {
			onLine(stream, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			scanErrs[i] = fmt.Errorf("%s: %w", stream, err)
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
		}
	}

	wg.Add(2)
	go scan(0, p.Stdout(), Stdout)
	go scan(1, p.Stderr(), Stderr)
	wg.Wait()

	if err := p.Wait(); err != nil {
		return err
	}
	if err := errors.Join(scanErrs...); err != nil {
		return &ScanError{Err: err}
	}
	return nil
}
