package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"devrun/internal/build"
	"devrun/internal/device"
	"devrun/internal/logstream"
	"devrun/internal/metrics"
	"devrun/internal/output"
	"devrun/internal/proc"
	"devrun/internal/target"
)

const (
	defaultHistorySize      = 1000
	defaultSubscriberBufCap = 256
)

// Config holds the project-level settings the manager builds with.
type Config struct {
	Project          build.Project
	OutputDir        string
	Configuration    string
	AutoPickScheme   bool
	AnnounceDuration bool
	HistorySize      int
	LogMode          logstream.Mode
}

// Manager owns one build session and one log session for a project and
// records everything they emit for its subscribers.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	out     output.Sink

	catalog *target.Catalog
	builds  *build.Session
	devices *device.Session
	logs    *logstream.Session

	history     *RingBuffer
	subMu       sync.RWMutex
	subscribers map[string]chan OutputEvent

	mu      sync.Mutex
	lastRun *Run
}

// Option configures a Manager.
type Option func(*managerOptions)

type managerOptions struct {
	out       output.Sink
	metrics   *metrics.Metrics
	buildOpts []build.Option
}

// WithOutput mirrors build and log text to sink.
func WithOutput(sink output.Sink) Option {
	return func(o *managerOptions) { o.out = sink }
}

// WithMetrics records build and log activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *managerOptions) { o.metrics = m }
}

// WithBuildOptions passes options through to the build session.
func WithBuildOptions(opts ...build.Option) Option {
	return func(o *managerOptions) { o.buildOpts = append(o.buildOpts, opts...) }
}

// NewManager creates a manager whose sessions shell out through runner.
func NewManager(cfg Config, runner proc.Runner, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := managerOptions{out: output.Discard}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.LogMode == "" {
		cfg.LogMode = logstream.ModeProcessOutput
	}

	buildOpts := append([]build.Option{build.WithMetrics(o.metrics)}, o.buildOpts...)
	return &Manager{
		cfg:         cfg,
		logger:      logger.Named("session"),
		metrics:     o.metrics,
		out:         o.out,
		catalog:     target.NewCatalog(runner, logger),
		builds:      build.NewSession(runner, logger, buildOpts...),
		devices:     device.NewSession(runner, logger),
		logs:        logstream.NewSession(runner, logger, o.metrics),
		history:     NewRingBuffer(cfg.HistorySize),
		subscribers: make(map[string]chan OutputEvent),
	}
}

// Project returns the project being built.
func (m *Manager) Project() build.Project {
	return m.cfg.Project
}

// Targets returns a fresh target snapshot.
func (m *Manager) Targets(ctx context.Context) []target.Target {
	return m.catalog.ListTargets(ctx)
}

// Schemes lists the project's schemes.
func (m *Manager) Schemes(ctx context.Context) ([]string, error) {
	return m.builds.ListSchemes(ctx, m.cfg.Project)
}

// Build builds the project for a target and blocks until xcodebuild exits.
// The returned error covers only problems before the build started; a failed
// build is reported in the Result.
func (m *Manager) Build(ctx context.Context, p BuildParams) (build.Result, error) {
	t, err := m.catalog.Find(ctx, p.TargetID)
	if err != nil {
		return build.Result{}, err
	}
	scheme, err := m.resolveScheme(ctx, p.Scheme)
	if err != nil {
		return build.Result{}, err
	}
	return m.build(ctx, uuid.NewString(), t, scheme, p.Clean), nil
}

// StopBuild terminates the running build.
func (m *Manager) StopBuild() bool {
	return m.builds.Stop()
}

// Run builds, boots the target, installs and launches the app, then follows
// its logs unless p.Detach is set.
func (m *Manager) Run(ctx context.Context, p RunParams) (Run, error) {
	t, err := m.catalog.Find(ctx, p.TargetID)
	if err != nil {
		return Run{}, err
	}
	scheme, err := m.resolveScheme(ctx, p.Scheme)
	if err != nil {
		return Run{}, err
	}
	mode := p.Mode
	if mode == "" {
		mode = m.cfg.LogMode
	}
	if !mode.Valid() {
		return Run{}, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	run := &Run{
		ID:        uuid.NewString(),
		Target:    t,
		Scheme:    scheme,
		StartedAt: time.Now().UTC(),
	}
	log := m.logger.With(zap.String("run", run.ID), zap.String("target", t.ID), zap.String("scheme", scheme))
	log.Info("run started")

	m.setStage(run, StageBuilding)
	res := m.build(ctx, run.ID, t, scheme, p.Clean)
	if !res.Success {
		return m.fail(run, fmt.Errorf("%w: %s", ErrBuildFailed, res.Error))
	}
	if res.AppPath == "" {
		return m.fail(run, ErrNoArtifact)
	}
	run.AppPath = res.AppPath

	m.setStage(run, StageBooting)
	if err := m.devices.EnsureBooted(ctx, t); err != nil {
		return m.fail(run, err)
	}

	m.setStage(run, StageInstalling)
	if err := m.devices.Install(ctx, t, res.AppPath); err != nil {
		return m.fail(run, err)
	}
	bundleID, err := m.devices.BundleID(ctx, res.AppPath)
	if err != nil {
		return m.fail(run, err)
	}
	run.BundleID = bundleID

	// A console stream launches the app itself.
	consoleLaunch := !p.Detach && (mode == logstream.ModeProcessOutput || mode == logstream.ModeBoth)
	if !consoleLaunch {
		m.setStage(run, StageLaunching)
		if err := m.devices.Launch(ctx, t, bundleID); err != nil {
			return m.fail(run, err)
		}
	}

	if !p.Detach {
		m.setStage(run, StageStreaming)
		gen, err := m.startStream(run.ID, t, bundleID, "", mode)
		if err != nil {
			return m.fail(run, err)
		}
		run.Generation = gen
	}

	m.setStage(run, StageDone)
	log.Info("run finished", zap.String("bundle_id", bundleID))
	return *run, nil
}

// StartLogs starts a log stream, replacing any running one, and returns its
// generation.
func (m *Manager) StartLogs(ctx context.Context, p LogParams) (uint64, error) {
	last := m.LastRun()

	var t target.Target
	switch {
	case p.TargetID != "":
		found, err := m.catalog.Find(ctx, p.TargetID)
		if err != nil {
			return 0, err
		}
		t = found
	case last != nil:
		t = last.Target
	default:
		return 0, ErrNoTarget
	}

	bundleID := p.BundleID
	if bundleID == "" {
		if last == nil || last.BundleID == "" {
			return 0, ErrNoBundleID
		}
		bundleID = last.BundleID
	}

	mode := p.Mode
	if mode == "" {
		mode = m.cfg.LogMode
	}
	if !mode.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	return m.startStream("", t, bundleID, p.ProcessName, mode)
}

// StopLogs stops the log stream and reports whether one was running.
func (m *Manager) StopLogs() bool {
	return m.logs.StopStream()
}

// StopApp stops the log stream and terminates the last run's app. An app
// that is no longer running is not an error.
func (m *Manager) StopApp(ctx context.Context) error {
	last := m.LastRun()
	if last == nil || last.BundleID == "" {
		return ErrNoBundleID
	}
	m.logs.StopStream()
	return m.devices.Terminate(ctx, last.Target, last.BundleID)
}

// LogsRunning reports whether a log stream is active.
func (m *Manager) LogsRunning() bool {
	return m.logs.IsRunning()
}

// LastRun returns a copy of the most recent run, or nil.
func (m *Manager) LastRun() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRun == nil {
		return nil
	}
	r := *m.lastRun
	return &r
}

// Status reports what is currently running.
func (m *Manager) Status() Status {
	return Status{
		Building:   m.builds.Running(),
		Streaming:  m.logs.IsRunning(),
		Generation: m.logs.Generation(),
		LastRun:    m.LastRun(),
		Recorded:   m.history.Len(),
	}
}

// History returns recorded events newer than since, optionally filtered by type.
func (m *Manager) History(since time.Time, kinds ...OutputEventType) []OutputEvent {
	return m.history.ReadSince(since, kinds...)
}

// Subscribe registers a listener. It returns the subscription ID, the event
// channel and the recorded history at the time of subscribing.
func (m *Manager) Subscribe() (string, <-chan OutputEvent, []OutputEvent) {
	subID := uuid.NewString()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	m.subMu.Lock()
	history := m.history.ReadAll()
	m.subscribers[subID] = ch
	m.subMu.Unlock()

	return subID, ch, history
}

// Unsubscribe removes a listener and closes its channel.
func (m *Manager) Unsubscribe(subID string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if ch, ok := m.subscribers[subID]; ok {
		close(ch)
		delete(m.subscribers, subID)
	}
}

// Shutdown stops the build and log stream and closes every subscription.
func (m *Manager) Shutdown() {
	m.StopBuild()
	m.StopLogs()

	m.subMu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.subMu.Unlock()
	m.logger.Info("session manager shut down")
}

func (m *Manager) resolveScheme(ctx context.Context, scheme string) (string, error) {
	if scheme != "" {
		return scheme, nil
	}
	schemes, err := m.Schemes(ctx)
	if err != nil {
		return "", err
	}
	if picked, ok := build.PickScheme(schemes, m.cfg.AutoPickScheme); ok {
		return picked, nil
	}
	return "", fmt.Errorf("%w, available: %s", ErrSchemeRequired, strings.Join(schemes, ", "))
}

func (m *Manager) build(ctx context.Context, runID string, t target.Target, scheme string, clean bool) build.Result {
	sink := &buildSink{m: m, runID: runID}
	sink.Clear()
	sink.Show()

	req := build.Request{
		Project:       m.cfg.Project,
		Scheme:        scheme,
		Target:        t,
		OutputDir:     m.cfg.OutputDir,
		Clean:         clean,
		Configuration: m.cfg.Configuration,
	}
	res := m.builds.Start(ctx, req, sink, func(phase string) {
		m.emit(OutputEvent{RunID: runID, Type: EventBuildProgress, Data: phase})
	})
	if m.cfg.AnnounceDuration {
		sink.AppendLine(announce(res))
	}
	m.emit(OutputEvent{RunID: runID, Type: EventBuildResult, Result: &res})
	return res
}

func announce(res build.Result) string {
	d := res.Duration.Round(100 * time.Millisecond)
	if res.Success {
		return fmt.Sprintf("Build succeeded in %s", d)
	}
	return fmt.Sprintf("Build failed after %s: %s", d, res.Error)
}

func (m *Manager) startStream(runID string, t target.Target, bundleID, processName string, mode logstream.Mode) (uint64, error) {
	ok := m.logs.StartStream(logstream.Options{
		Target:      t,
		BundleID:    bundleID,
		ProcessName: processName,
		Mode:        mode,
		Sink: logstream.SinkFuncs{
			Event: func(ev logstream.Event) {
				m.out.AppendLine(ev.Line)
				m.emit(OutputEvent{
					RunID:      runID,
					Type:       EventLogOutput,
					Data:       ev.Line,
					Stream:     string(ev.Stream),
					Source:     string(ev.Source),
					Generation: ev.Generation,
					Timestamp:  ev.Time,
				})
			},
			Error: func(gen uint64, err error) {
				m.logger.Warn("log stream error", zap.Uint64("generation", gen), zap.Error(err))
				m.emit(OutputEvent{RunID: runID, Type: EventLogError, Data: err.Error(), Generation: gen})
			},
			Close: func(gen uint64) {
				m.emit(OutputEvent{RunID: runID, Type: EventLogClosed, Generation: gen})
			},
		},
	})
	if !ok {
		return 0, ErrStreamFailed
	}
	return m.logs.Generation(), nil
}

func (m *Manager) setStage(run *Run, stage Stage) {
	run.Stage = stage
	m.mu.Lock()
	r := *run
	m.lastRun = &r
	m.mu.Unlock()
	m.emit(OutputEvent{RunID: run.ID, Type: EventRunStatus, Data: string(stage)})
}

func (m *Manager) fail(run *Run, err error) (Run, error) {
	run.Error = err.Error()
	m.setStage(run, StageFailed)
	m.logger.Warn("run failed", zap.String("run", run.ID), zap.Error(err))
	if !errors.Is(err, ErrBuildFailed) {
		m.out.AppendLine(err.Error())
	}
	return *run, err
}

// emit records an event and fans it out. Slow subscribers lose events rather
// than stall the build or log stream.
func (m *Manager) emit(ev OutputEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()

	m.history.Write(ev)
	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// buildSink mirrors build text to the manager's output and records it.
type buildSink struct {
	m     *Manager
	runID string
}

func (s *buildSink) Append(text string) {
	s.m.out.Append(text)
	s.m.emit(OutputEvent{RunID: s.runID, Type: EventBuildOutput, Data: text})
}

func (s *buildSink) AppendLine(text string) {
	s.m.out.AppendLine(text)
	s.m.emit(OutputEvent{RunID: s.runID, Type: EventBuildOutput, Data: text})
}

func (s *buildSink) Clear() { s.m.out.Clear() }
func (s *buildSink) Show()  { s.m.out.Show() }
