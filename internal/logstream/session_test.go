package logstream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devrun/internal/metrics"
	"devrun/internal/proc"
	"devrun/internal/proc/proctest"
	"devrun/internal/target"
)

var (
	sim   = target.Target{ID: "SIM-1", Name: "iPhone 15", Kind: target.KindEmulated}
	phone = target.Target{ID: "00008110", Name: "Dev iPhone", Kind: target.KindPhysical}
)

const waitFor = 2 * time.Second

type recorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
	closed []uint64
}

func (r *recorder) OnEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) OnError(_ uint64, err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) OnClose(gen uint64) {
	r.mu.Lock()
	r.closed = append(r.closed, gen)
	r.mu.Unlock()
}

func (r *recorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Line)
	}
	return out
}

func (r *recorder) snapshot() ([]Event, []error, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...), append([]error(nil), r.errs...), append([]uint64(nil), r.closed...)
}

func next(t *testing.T, r *proctest.Runner) *proctest.Process {
	t.Helper()
	select {
	case p := <-r.NextStarted():
		return p
	case <-time.After(waitFor):
		t.Fatal("no process started")
		return nil
	}
}

func staleEvents(m *metrics.Metrics) float64 {
	families, err := m.Registry().Gather()
	if err != nil {
		return -1
	}
	for _, mf := range families {
		if mf.GetName() == "devrun_log_stale_events_total" && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func TestStartStream_GenerationIncreases(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)

	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput}))
	first := s.Generation()
	p1 := next(t, r)

	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput}))
	second := s.Generation()
	p2 := next(t, r)

	assert.Less(t, first, second)
	assert.True(t, p1.Terminated())
	assert.False(t, p2.Terminated())
	assert.True(t, s.StopStream())
}

func TestStartStream_DropsOutputOfSupersededStream(t *testing.T) {
	r := proctest.NewRunner()
	m := metrics.New()
	s := NewSession(r, nil, m)

	old := &recorder{}
	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: old}))
	gen1 := s.Generation()
	p1 := next(t, r)
	p1.IgnoreSignals()

	require.NoError(t, p1.WriteStdout("before\n"))
	require.Eventually(t, func() bool { return len(old.lines()) == 1 }, waitFor, 5*time.Millisecond)

	cur := &recorder{}
	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: cur}))
	p2 := next(t, r)
	require.True(t, p1.Terminated())

	require.NoError(t, p1.WriteStdout("trailing\n"))
	require.Eventually(t, func() bool { return staleEvents(m) >= 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, p2.WriteStdout("fresh\n"))
	require.Eventually(t, func() bool { return len(cur.lines()) == 1 }, waitFor, 5*time.Millisecond)

	p1.Exit(0)

	assert.Equal(t, []string{"before"}, old.lines())
	events, _, _ := cur.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Line)
	assert.Greater(t, events[0].Generation, gen1)

	_, _, closed := old.snapshot()
	assert.Empty(t, closed)
	s.StopStream()
}

func TestStream_BlankLinesAndStderrTag(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: rec}))
	p := next(t, r)

	require.NoError(t, p.WriteStdout("\n   \nhello\n"))
	require.NoError(t, p.WriteStderr("warning: low memory\n"))
	require.Eventually(t, func() bool { return len(rec.lines()) == 2 }, waitFor, 5*time.Millisecond)

	events, _, _ := rec.snapshot()
	byLine := map[string]Event{}
	for _, ev := range events {
		byLine[ev.Line] = ev
	}
	assert.Equal(t, proc.Stdout, byLine["hello"].Stream)
	assert.Equal(t, proc.Stderr, byLine["warning: low memory"].Stream)
	assert.Equal(t, SourceProcess, byLine["hello"].Source)
	s.StopStream()
}

func TestStream_CloseOnPrimaryExit(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: rec}))
	gen := s.Generation()
	p := next(t, r)
	p.Exit(0)

	require.Eventually(t, func() bool { _, _, c := rec.snapshot(); return len(c) == 1 }, waitFor, 5*time.Millisecond)
	_, errs, closed := rec.snapshot()
	assert.Equal(t, []uint64{gen}, closed)
	assert.Empty(t, errs)
	assert.False(t, s.IsRunning())
	assert.False(t, s.StopStream())
}

func TestStream_NonzeroExitReportsError(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: phone, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: rec}))
	p := next(t, r)
	p.Exit(1)

	require.Eventually(t, func() bool { _, _, c := rec.snapshot(); return len(c) == 1 }, waitFor, 5*time.Millisecond)
	_, errs, _ := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, 1, proc.ExitCode(errs[0]))
}

func TestStopStream_NoCloseForStoppedStream(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: rec}))
	p := next(t, r)

	assert.True(t, s.IsRunning())
	assert.True(t, s.StopStream())
	assert.True(t, p.Terminated())
	assert.False(t, s.IsRunning())
	assert.False(t, s.StopStream())

	<-p.Done()
	time.Sleep(20 * time.Millisecond)
	events, errs, closed := rec.snapshot()
	assert.Empty(t, events)
	assert.Empty(t, errs)
	assert.Empty(t, closed)
}

func TestStartStream_SpawnFailure(t *testing.T) {
	r := proctest.NewRunner().FailStart("xcrun simctl launch", errors.New("exec: xcrun: not found"))
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	assert.False(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: ModeProcessOutput, Sink: rec}))
	assert.False(t, s.IsRunning())

	_, errs, closed := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "xcrun: not found")
	assert.Empty(t, closed)
}

func TestStartStream_UnknownMode(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)

	assert.False(t, s.StartStream(Options{Target: sim, BundleID: "com.example.app", Mode: "everything"}))
	assert.Empty(t, r.Calls())
}

func TestStartStream_BothModes(t *testing.T) {
	r := proctest.NewRunner()
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: phone, BundleID: "com.example.app", Mode: ModeBoth, Sink: rec}))
	console := next(t, r)
	syslog := next(t, r)
	assert.Contains(t, console.Line(), "devicectl device process launch --console")
	assert.Equal(t, "idevicesyslog -u 00008110", syslog.Line())

	require.NoError(t, syslog.WriteStdout("Oct 19 kernel[0] <Notice>: hello\n"))
	require.NoError(t, syslog.WriteStderr("ERROR: Could not connect to lockdownd\n"))
	require.Eventually(t, func() bool {
		ev, errs, _ := rec.snapshot()
		return len(ev) == 1 && len(errs) == 1
	}, waitFor, 5*time.Millisecond)

	console.Exit(0)
	require.Eventually(t, func() bool { _, _, c := rec.snapshot(); return len(c) == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, s.IsRunning(), "system log keeps running after the app exits")

	events, _, _ := rec.snapshot()
	assert.Equal(t, SourceSystem, events[0].Source)

	assert.True(t, s.StopStream())
	assert.True(t, syslog.Terminated())
}

func TestStartStream_BothClosesOnSystemLogWhenConsoleFails(t *testing.T) {
	r := proctest.NewRunner().FailStart("xcrun devicectl", errors.New("devicectl unavailable"))
	s := NewSession(r, nil, nil)
	rec := &recorder{}

	require.True(t, s.StartStream(Options{Target: phone, BundleID: "com.example.app", Mode: ModeBoth, Sink: rec}))
	syslog := next(t, r)
	assert.Equal(t, "idevicesyslog -u 00008110", syslog.Line())

	syslog.Exit(0)
	require.Eventually(t, func() bool { _, _, c := rec.snapshot(); return len(c) == 1 }, waitFor, 5*time.Millisecond)
	assert.False(t, s.IsRunning())

	_, errs, closed := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "devicectl unavailable")
	assert.Equal(t, []uint64{1}, closed)
}

func TestStartStream_SystemLogOnlyFailsWhenSpawnFails(t *testing.T) {
	r := proctest.NewRunner().FailStart("idevicesyslog", errors.New("not installed"))
	s := NewSession(r, nil, nil)

	assert.False(t, s.StartStream(Options{Target: phone, BundleID: "com.example.app", Mode: ModeSystemLog}))
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name string
		src  Source
		opts Options
		want string
	}{
		{
			name: "simulator console",
			src:  SourceProcess,
			opts: Options{Target: sim, BundleID: "com.example.app"},
			want: "xcrun simctl launch --console-pty --terminate-running-process SIM-1 com.example.app",
		},
		{
			name: "simulator system log",
			src:  SourceSystem,
			opts: Options{Target: sim, BundleID: "com.example.app"},
			want: `xcrun simctl spawn SIM-1 log stream --level debug --style compact --predicate processImagePath CONTAINS "app" OR subsystem == "com.example.app"`,
		},
		{
			name: "device console",
			src:  SourceProcess,
			opts: Options{Target: phone, BundleID: "com.example.app"},
			want: "xcrun devicectl device process launch --console --terminate-existing --device 00008110 com.example.app",
		},
		{
			name: "device system log with process filter",
			src:  SourceSystem,
			opts: Options{Target: phone, BundleID: "com.example.app", ProcessName: "MyApp"},
			want: "idevicesyslog -u 00008110 -p MyApp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, proctest.Line(command(tt.src, tt.opts)))
		})
	}
}

func TestSinkFuncsNilSafe(t *testing.T) {
	var f SinkFuncs
	f.OnEvent(Event{})
	f.OnError(1, errors.New("x"))
	f.OnClose(1)
}
