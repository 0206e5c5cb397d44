package logstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"devrun/internal/metrics"
	"devrun/internal/proc"
	"devrun/internal/target"
)

const syslogTool = "idevicesyslog"

// Session owns at most one log stream, made of a process-output slot and a
// system-log slot. Every StartStream begins a new generation; output from an
// older generation is dropped.
type Session struct {
	runner  proc.Runner
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// deliverMu serializes sink calls with generation changes so no event of a
	// superseded generation is delivered after StartStream or StopStream returns.
	deliverMu sync.Mutex

	mu         sync.Mutex
	generation uint64
	live       bool
	slots      map[Source]proc.Process
}

// NewSession creates a log stream session.
func NewSession(runner proc.Runner, logger *zap.Logger, m *metrics.Metrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		runner:  runner,
		logger:  logger.Named("logstream"),
		metrics: m,
		now:     time.Now,
		slots:   make(map[Source]proc.Process),
	}
}

// StartStream replaces any running stream with a new one. It returns false
// when no slot could be started.
func (s *Session) StartStream(opts Options) bool {
	s.StopStream()

	s.deliverMu.Lock()
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.live = true
	s.mu.Unlock()
	s.deliverMu.Unlock()

	if opts.Sink == nil {
		opts.Sink = SinkFuncs{}
	}
	if !opts.Mode.Valid() {
		s.deliverError(gen, opts.Sink, fmt.Errorf("unknown log mode %q", opts.Mode))
		s.retire(gen)
		return false
	}

	// The first slot that starts closes the stream when it exits: the
	// process slot normally, the system slot when it is alone.
	started := false
	for _, src := range []Source{SourceProcess, SourceSystem} {
		if !opts.Mode.wants(src) {
			continue
		}
		if s.spawn(gen, src, opts, !started) {
			started = true
		}
	}
	if !started {
		s.retire(gen)
		return false
	}
	s.metrics.SetStreaming(true)
	return true
}

// StopStream terminates every active slot and reports whether anything ran.
func (s *Session) StopStream() bool {
	s.deliverMu.Lock()
	s.mu.Lock()
	procs := make([]proc.Process, 0, len(s.slots))
	for src, p := range s.slots {
		procs = append(procs, p)
		delete(s.slots, src)
	}
	s.live = false
	gen := s.generation
	s.mu.Unlock()
	s.deliverMu.Unlock()

	for _, p := range procs {
		if err := p.Terminate(); err != nil {
			s.logger.Warn("terminate log process", zap.Int("pid", p.Pid()), zap.Error(err))
		}
	}
	if len(procs) > 0 {
		s.logger.Info("log stream stopped", zap.Uint64("generation", gen))
		s.metrics.SetStreaming(false)
	}
	return len(procs) > 0
}

// IsRunning reports whether any slot holds a live subprocess.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) > 0
}

// Generation returns the generation of the most recent StartStream.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// retire marks gen as finished when it never got a running slot.
func (s *Session) retire(gen uint64) {
	s.mu.Lock()
	if s.generation == gen && len(s.slots) == 0 {
		s.live = false
	}
	s.mu.Unlock()
}

func (s *Session) spawn(gen uint64, src Source, opts Options, closes bool) bool {
	cmd := command(src, opts)
	log := s.logger.With(zap.Uint64("generation", gen), zap.String("source", string(src)))

	p, err := s.runner.Start(context.Background(), cmd)
	if err != nil {
		log.Warn("log process failed to start", zap.Stringer("command", cmd), zap.Error(err))
		s.deliverError(gen, opts.Sink, fmt.Errorf("start %s log: %w", src, err))
		return false
	}
	log.Info("log process started", zap.Stringer("command", cmd), zap.Int("pid", p.Pid()))

	s.mu.Lock()
	s.slots[src] = p
	s.mu.Unlock()

	go func() {
		err := proc.Stream(p, func(stream proc.StreamType, line string) {
			if strings.TrimSpace(line) == "" {
				return
			}
			// The system log tool's own stderr is a tool failure, not app output.
			if src == SourceSystem && stream == proc.Stderr {
				s.deliverError(gen, opts.Sink, fmt.Errorf("%s: %s", syslogName(opts.Target), line))
				return
			}
			s.deliverEvent(Event{
				Generation: gen,
				Source:     src,
				Stream:     stream,
				Line:       line,
				Time:       s.now(),
			}, opts.Sink)
		})
		s.exited(gen, src, p, err, opts, closes)
	}()
	return true
}

// exited clears the slot if p still owns it and reports errors, and closure
// when closes is set, for the current generation.
func (s *Session) exited(gen uint64, src Source, p proc.Process, err error, opts Options, closes bool) {
	s.mu.Lock()
	owned := s.slots[src] == p
	if owned {
		delete(s.slots, src)
	}
	idle := len(s.slots) == 0
	s.mu.Unlock()

	s.logger.Debug("log process exited",
		zap.Uint64("generation", gen),
		zap.String("source", string(src)),
		zap.Int("exit_code", proc.ExitCode(err)),
		zap.Bool("owned", owned))

	if !owned {
		return
	}
	if idle {
		s.metrics.SetStreaming(false)
	}
	if err != nil {
		var scanErr *proc.ScanError
		if !errors.As(err, &scanErr) {
			s.deliverError(gen, opts.Sink, fmt.Errorf("%s log exited: %w", src, err))
		}
	}
	if closes {
		s.deliver(gen, func() { opts.Sink.OnClose(gen) })
	}
}

func (s *Session) deliverEvent(ev Event, sink Sink) {
	s.deliver(ev.Generation, func() {
		sink.OnEvent(ev)
		s.metrics.LogLine(string(ev.Source))
	})
}

func (s *Session) deliverError(gen uint64, sink Sink, err error) {
	s.logger.Debug("log stream error", zap.Uint64("generation", gen), zap.Error(err))
	s.deliver(gen, func() { sink.OnError(gen, err) })
}

// deliver runs fn only while gen is the current, live generation.
func (s *Session) deliver(gen uint64, fn func()) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	current := s.live && s.generation == gen
	s.mu.Unlock()

	if !current {
		s.metrics.StaleEvent()
		return
	}
	fn()
}

// command builds the subprocess for one slot.
func command(src Source, opts Options) proc.Command {
	t := opts.Target
	if t.IsEmulated() {
		if src == SourceProcess {
			return proc.Xcrun("simctl", "launch", "--console-pty", "--terminate-running-process", t.ID, opts.BundleID)
		}
		return proc.Xcrun("simctl", "spawn", t.ID, "log", "stream",
			"--level", "debug",
			"--style", "compact",
			"--predicate", predicate(opts))
	}

	if src == SourceProcess {
		return proc.Xcrun("devicectl", "device", "process", "launch", "--console", "--terminate-existing", "--device", t.ID, opts.BundleID)
	}
	args := []string{"-u", t.ID}
	if opts.ProcessName != "" {
		args = append(args, "-p", opts.ProcessName)
	}
	return proc.Command{Name: syslogTool, Args: args}
}

// predicate matches the app's process image or its subsystem.
func predicate(opts Options) string {
	name := opts.ProcessName
	if name == "" {
		name = opts.BundleID[strings.LastIndex(opts.BundleID, ".")+1:]
	}
	return fmt.Sprintf(`processImagePath CONTAINS "%s" OR subsystem == "%s"`, name, opts.BundleID)
}

func syslogName(t target.Target) string {
	if t.IsEmulated() {
		return "log stream"
	}
	return syslogTool
}
