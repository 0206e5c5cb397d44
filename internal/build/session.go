package build

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"devrun/internal/metrics"
	"devrun/internal/output"
	"devrun/internal/proc"
)

// ProgressFunc is called with the phase keyword each time the build enters a
// new phase, e.g. "Compile" then "Link".
type ProgressFunc func(phase string)

// Session runs at most one xcodebuild at a time.
//
// Start does not stop a build that is already running: a second Start replaces
// the handle and the first process keeps running unless Stop was called first.
type Session struct {
	runner          proc.Runner
	logger          *zap.Logger
	metrics         *metrics.Metrics
	derivedDataRoot string
	now             func() time.Time

	mu      sync.Mutex
	current proc.Process
}

// Option configures a Session.
type Option func(*Session)

// WithDerivedDataRoot overrides where builds without an output directory land.
func WithDerivedDataRoot(root string) Option {
	return func(s *Session) { s.derivedDataRoot = root }
}

// WithMetrics records build outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// NewSession creates a build session.
func NewSession(runner proc.Runner, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		runner:          runner,
		logger:          logger.Named("build"),
		derivedDataRoot: DefaultDerivedDataRoot(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs xcodebuild for req and blocks until it exits. Output is forwarded
// to sink line by line as it arrives; onProgress may be nil.
func (s *Session) Start(ctx context.Context, req Request, sink output.Sink, onProgress ProgressFunc) Result {
	if sink == nil {
		sink = output.Discard
	}
	started := s.now()
	cmd := proc.Command{Name: "xcodebuild", Args: req.Args()}
	log := s.logger.With(zap.String("scheme", req.Scheme), zap.String("target", req.Target.ID))
	log.Info("starting build", zap.Stringer("command", cmd))

	p, err := s.runner.Start(ctx, cmd)
	if err != nil {
		res := Result{Success: false, Duration: s.now().Sub(started), Error: err.Error()}
		log.Error("build failed to start", zap.Error(err))
		s.metrics.ObserveBuild(metrics.OutcomeSpawn, res.Duration)
		return res
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()

	// Each builder and the tracker are touched only by their own stream's goroutine.
	var stdout, stderr strings.Builder
	var phases phaseTracker
	waitErr := proc.Stream(p, func(stream proc.StreamType, line string) {
		sink.AppendLine(line)
		if stream == proc.Stderr {
			stderr.WriteString(line)
			stderr.WriteByte('\n')
			return
		}
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if phase, changed := phases.observe(line); changed && onProgress != nil {
			onProgress(phase)
		}
	})

	s.mu.Lock()
	if s.current == p {
		s.current = nil
	}
	s.mu.Unlock()

	res := Result{Duration: s.now().Sub(started)}
	var scanErr *proc.ScanError
	if waitErr != nil && !errors.As(waitErr, &scanErr) {
		res.Error = extractError(stderr.String())
		log.Warn("build failed", zap.Int("exit_code", proc.ExitCode(waitErr)), zap.String("error", res.Error))
		s.metrics.ObserveBuild(metrics.OutcomeFailed, res.Duration)
		return res
	}
	if scanErr != nil {
		log.Warn("build output truncated", zap.Error(scanErr))
	}

	res.Success = true
	res.AppPath = s.resolveAppPath(req, stdout.String())
	log.Info("build succeeded", zap.String("app_path", res.AppPath), zap.Duration("duration", res.Duration))
	s.metrics.ObserveBuild(metrics.OutcomeSucceeded, res.Duration)
	return res
}

// Stop terminates the running build. It reports whether one was running.
func (s *Session) Stop() bool {
	s.mu.Lock()
	p := s.current
	s.current = nil
	s.mu.Unlock()

	if p == nil {
		return false
	}
	if err := p.Terminate(); err != nil {
		s.logger.Warn("terminate build", zap.Error(err))
	}
	s.logger.Info("build stopped", zap.Int("pid", p.Pid()))
	return true
}

// Running reports whether a build subprocess is live.
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// resolveAppPath tries, in order: the path printed by xcodebuild, the canonical
// path under the requested output directory, and the newest matching folder in
// the default DerivedData root.
func (s *Session) resolveAppPath(req Request, stdout string) string {
	if path := appPathFromOutput(stdout, req.Scheme); path != "" {
		return path
	}
	if req.OutputDir != "" {
		return canonicalAppPath(req.OutputDir, req.productDir(), req.Scheme)
	}
	if s.derivedDataRoot == "" {
		return ""
	}
	return appPathInDerivedData(s.derivedDataRoot, []string{req.Scheme, req.Project.Name()}, req.productDir(), req.Scheme)
}
