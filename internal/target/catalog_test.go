package target

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devrun/internal/proc"
	"devrun/internal/proc/proctest"
)

const simctlJSON = `{
  "devices": {
    "com.apple.CoreSimulator.SimRuntime.iOS-16-4": [
      {"udid": "SIM-164", "name": "iPhone 14", "state": "Shutdown", "isAvailable": true}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-17-0": [
      {"udid": "SIM-170", "name": "iPhone 15", "state": "Shutdown", "isAvailable": true},
      {"udid": "SIM-BAD", "name": "iPhone Broken", "state": "Shutdown", "isAvailable": false, "availabilityError": "runtime profile not found"}
    ],
    "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [
      {"udid": "SIM-172", "name": "iPhone 15 Pro", "state": "Shutdown", "isAvailable": true},
      {"name": "missing udid"}
    ]
  }
}`

const devicectlJSON = `{
  "info": {"outcome": "success"},
  "result": {
    "devices": [
      {
        "identifier": "CORE-1",
        "deviceProperties": {"name": "Dev iPhone", "osVersionNumber": "17.1"},
        "hardwareProperties": {"platform": "iOS", "udid": "00008110-000A"},
        "connectionProperties": {"tunnelState": "connected", "pairingState": "paired"}
      },
      {
        "identifier": "CORE-2",
        "deviceProperties": {"name": "Old iPad", "osVersionNumber": "15.0"},
        "hardwareProperties": {"platform": "iOS"},
        "connectionProperties": {"tunnelState": "unavailable"}
      }
    ]
  }
}`

const xctraceText = `== Devices ==
Build Mac (14.2) (11111111-2222-3333-4444-555555555555)
Legacy iPhone (16.7) (00008030-0011)
== Simulators ==
iPhone 15 Simulator (17.2) (SIM-172)
`

func writeJSONOutput(t *testing.T, cmd proc.Command, body string) {
	t.Helper()
	for i, a := range cmd.Args {
		if a == "--json-output" && i+1 < len(cmd.Args) {
			require.NoError(t, os.WriteFile(cmd.Args[i+1], []byte(body), 0o644))
		}
	}
}

func newFakeRunner(t *testing.T, simctl, devicectl, xctrace *proctest.Response) *proctest.Runner {
	r := proctest.NewRunner()
	r.Handler = func(cmd proc.Command) proctest.Response {
		switch line := proctest.Line(cmd); {
		case line == "xcrun simctl list devices available --json" && simctl != nil:
			return *simctl
		case len(cmd.Args) > 1 && cmd.Args[0] == "devicectl" && devicectl != nil:
			if devicectl.Err == nil {
				writeJSONOutput(t, cmd, devicectl.Stdout)
			}
			return proctest.Response{Err: devicectl.Err}
		case line == "xcrun xctrace list devices" && xctrace != nil:
			return *xctrace
		}
		return proctest.Response{Err: errors.New("not scripted")}
	}
	return r
}

func ids(targets []Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.ID
	}
	return out
}

func TestListTargets_SortsByVersionWhenNoneBooted(t *testing.T) {
	r := newFakeRunner(t, &proctest.Response{Stdout: simctlJSON}, nil, nil)
	c := NewCatalog(r, nil)

	targets := c.ListTargets(context.Background())
	assert.Equal(t, []string{"SIM-172", "SIM-170", "SIM-164"}, ids(targets))

	first := targets[0]
	assert.Equal(t, KindEmulated, first.Kind)
	assert.Equal(t, "iOS", first.Platform)
	assert.Equal(t, "17.2", first.OSVersion)
	assert.True(t, first.Available)
}

func TestListTargets_BootedFirst(t *testing.T) {
	body := `{"devices": {
	  "com.apple.CoreSimulator.SimRuntime.iOS-17-2": [{"udid": "A", "name": "iPhone 15 Pro", "state": "Shutdown"}],
	  "com.apple.CoreSimulator.SimRuntime.iOS-15-5": [{"udid": "B", "name": "iPhone SE", "state": "Booted"}]
	}}`
	r := newFakeRunner(t, &proctest.Response{Stdout: body}, nil, nil)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Equal(t, []string{"B", "A"}, ids(targets))
}

func TestListTargets_NameOrderWithinVersion(t *testing.T) {
	body := `{"devices": {
	  "com.apple.CoreSimulator.SimRuntime.iOS-17-0": [
	    {"udid": "3", "name": "iPhone 15", "state": "Shutdown"},
	    {"udid": "1", "name": "iPad Air", "state": "Shutdown"},
	    {"udid": "2", "name": "iPad mini", "state": "Shutdown"}
	  ]
	}}`
	r := newFakeRunner(t, &proctest.Response{Stdout: body}, nil, nil)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Equal(t, []string{"1", "2", "3"}, ids(targets))
}

func TestListTargets_MergesPhysicalAfterEmulated(t *testing.T) {
	r := newFakeRunner(t,
		&proctest.Response{Stdout: simctlJSON},
		&proctest.Response{Stdout: devicectlJSON},
		nil,
	)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	require.Len(t, targets, 4)
	assert.Equal(t, []string{"SIM-172", "SIM-170", "SIM-164", "00008110-000A"}, ids(targets))

	dev := targets[3]
	assert.Equal(t, KindPhysical, dev.Kind)
	assert.Equal(t, "Dev iPhone", dev.Name)
	assert.Equal(t, "connected", dev.State)
	assert.Equal(t, "17.1", dev.OSVersion)

	for _, line := range r.CallLines() {
		assert.NotEqual(t, "xcrun xctrace list devices", line, "legacy query should not run")
	}
}

func TestListTargets_LegacyFallback(t *testing.T) {
	r := newFakeRunner(t,
		nil,
		&proctest.Response{Err: &proc.ExitError{Code: 1}},
		&proctest.Response{Stdout: xctraceText},
	)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Equal(t, []string{"11111111-2222-3333-4444-555555555555", "00008030-0011"}, ids(targets))
	assert.Equal(t, "Legacy iPhone", targets[1].Name)
	assert.Equal(t, "16.7", targets[1].OSVersion)
}

func TestListTargets_LegacyFallbackOnEmptyModernResult(t *testing.T) {
	r := newFakeRunner(t,
		nil,
		&proctest.Response{Stdout: `{"result": {"devices": []}}`},
		&proctest.Response{Stdout: xctraceText},
	)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Len(t, targets, 2)
}

func TestListTargets_AllBackendsFail(t *testing.T) {
	r := newFakeRunner(t, nil, nil, nil)
	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Empty(t, targets)
}

func TestListTargets_MalformedJSONDegrades(t *testing.T) {
	r := newFakeRunner(t,
		&proctest.Response{Stdout: `{"devices": [`},
		&proctest.Response{Stdout: devicectlJSON},
		nil,
	)

	targets := NewCatalog(r, nil).ListTargets(context.Background())
	assert.Equal(t, []string{"00008110-000A"}, ids(targets))
}

func TestListTargets_UniqueIDs(t *testing.T) {
	r := newFakeRunner(t,
		&proctest.Response{Stdout: simctlJSON},
		&proctest.Response{Stdout: devicectlJSON},
		nil,
	)

	seen := map[string]bool{}
	for _, tg := range NewCatalog(r, nil).ListTargets(context.Background()) {
		assert.False(t, seen[tg.ID], "duplicate id %s", tg.ID)
		seen[tg.ID] = true
	}
}

func TestFind(t *testing.T) {
	r := newFakeRunner(t, &proctest.Response{Stdout: simctlJSON}, nil, nil)
	c := NewCatalog(r, nil)

	tg, err := c.Find(context.Background(), "SIM-170")
	require.NoError(t, err)
	assert.Equal(t, "iPhone 15", tg.Name)

	_, err = c.Find(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestParseRuntime(t *testing.T) {
	tests := []struct {
		key          string
		wantPlatform string
		wantVersion  string
	}{
		{"com.apple.CoreSimulator.SimRuntime.iOS-17-2", "iOS", "17.2"},
		{"com.apple.CoreSimulator.SimRuntime.watchOS-10-0", "watchOS", "10.0"},
		{"com.apple.CoreSimulator.SimRuntime.xrOS-1", "xrOS", "1"},
		{"garbage", "", ""},
	}
	for _, tt := range tests {
		p, v := parseRuntime(tt.key)
		assert.Equal(t, tt.wantPlatform, p, tt.key)
		assert.Equal(t, tt.wantVersion, v, tt.key)
	}
}

func TestTargetLabel(t *testing.T) {
	tg := Target{Name: "iPhone 15", Platform: "iOS", OSVersion: "17.2"}
	assert.Equal(t, "iPhone 15 (iOS 17.2)", tg.Label())
	assert.Equal(t, "Mac", Target{Name: "Mac"}.Label())
}
