// Package proctest provides a scriptable proc.Runner for tests.
package proctest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"devrun/internal/proc"
)

// Response is the canned result of a one-shot command.
type Response struct {
	Stdout string
	Stderr string
	Err    error
}

// Handler computes a response for a one-shot command.
type Handler func(cmd proc.Command) Response

// Runner is a fake proc.Runner. One-shot commands are answered from Responses,
// keyed by the command line, or from Handler. Started commands become *Process
// values the test drives by hand.
type Runner struct {
	mu        sync.Mutex
	Responses map[string]Response
	Handler   Handler
	StartErr  map[string]error
	calls     []proc.Command
	started   []*Process
	startedCh chan *Process
}

// NewRunner creates an empty fake runner.
func NewRunner() *Runner {
	return &Runner{
		Responses: make(map[string]Response),
		StartErr:  make(map[string]error),
		startedCh: make(chan *Process, 64),
	}
}

// On registers the response for a command line such as "xcrun simctl boot ABC".
func (r *Runner) On(cmdline string, resp Response) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Responses[cmdline] = resp
	return r
}

// FailStart makes Start fail for any command whose line starts with prefix.
func (r *Runner) FailStart(prefix string, err error) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartErr[prefix] = err
	return r
}

// Calls returns every command seen so far.
func (r *Runner) Calls() []proc.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]proc.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallLines returns every command seen so far rendered as command lines.
func (r *Runner) CallLines() []string {
	calls := r.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = Line(c)
	}
	return lines
}

// Started returns the processes started so far.
func (r *Runner) Started() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Process, len(r.started))
	copy(out, r.started)
	return out
}

// NextStarted returns the next started process in start order.
func (r *Runner) NextStarted() <-chan *Process {
	return r.startedCh
}

// Run answers a one-shot command.
func (r *Runner) Run(ctx context.Context, cmd proc.Command) (proc.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	resp, ok := r.Responses[Line(cmd)]
	handler := r.Handler
	r.mu.Unlock()

	if !ok {
		if handler == nil {
			return proc.Output{}, fmt.Errorf("run %s: executable file not found in $PATH", cmd.Name)
		}
		resp = handler(cmd)
	}
	return proc.Output{Stdout: []byte(resp.Stdout), Stderr: []byte(resp.Stderr)}, resp.Err
}

// Start creates a fake process for cmd.
func (r *Runner) Start(ctx context.Context, cmd proc.Command) (proc.Process, error) {
	line := Line(cmd)

	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	for prefix, err := range r.StartErr {
		if strings.HasPrefix(line, prefix) {
			r.mu.Unlock()
			return nil, err
		}
	}
	p := newProcess(cmd, len(r.started)+1000)
	r.started = append(r.started, p)
	r.mu.Unlock()

	select {
	case r.startedCh <- p:
	default:
	}
	return p, nil
}

// Line renders cmd as a space separated command line without quoting.
func Line(cmd proc.Command) string {
	return strings.TrimSpace(cmd.Name + " " + strings.Join(cmd.Args, " "))
}

// Process is a fake subprocess. Output written with WriteStdout/WriteStderr
// blocks until the consumer reads it.
type Process struct {
	Cmd proc.Command

	pid          int
	stdoutR      *io.PipeReader
	stdoutW      *io.PipeWriter
	stderrR      *io.PipeReader
	stderrW      *io.PipeWriter
	done         chan struct{}
	once         sync.Once
	mu           sync.Mutex
	exitErr      error
	terminated   bool
	exitOnSignal bool
}

func newProcess(cmd proc.Command, pid int) *Process {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	return &Process{
		Cmd:          cmd,
		pid:          pid,
		stdoutR:      outR,
		stdoutW:      outW,
		stderrR:      errR,
		stderrW:      errW,
		done:         make(chan struct{}),
		exitOnSignal: true,
	}
}

func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }
func (p *Process) Pid() int          { return p.pid }

// Line returns the command line the process was started with.
func (p *Process) Line() string { return Line(p.Cmd) }

// WriteStdout emits text on stdout. It returns an error once the process exited.
func (p *Process) WriteStdout(text string) error {
	_, err := io.WriteString(p.stdoutW, text)
	return err
}

// WriteStderr emits text on stderr.
func (p *Process) WriteStderr(text string) error {
	_, err := io.WriteString(p.stderrW, text)
	return err
}

// IgnoreSignals keeps the process alive after Terminate so a test can emit
// trailing output from a process that was asked to stop.
func (p *Process) IgnoreSignals() {
	p.mu.Lock()
	p.exitOnSignal = false
	p.mu.Unlock()
}

// Exit closes both pipes and makes Wait return an exit error for code.
func (p *Process) Exit(code int) {
	var err error
	if code != 0 {
		err = &proc.ExitError{Code: code}
	}
	p.exit(err)
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

// Wait blocks until Exit or Terminate.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Terminate records the signal and exits with 143 unless IgnoreSignals was called.
func (p *Process) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	exit := p.exitOnSignal
	p.mu.Unlock()
	if exit {
		p.exit(&proc.ExitError{Code: 143})
	}
	return nil
}

// Terminated reports whether Terminate was called.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Done is closed once the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}
