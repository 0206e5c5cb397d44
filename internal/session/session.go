// Package session composes target discovery, builds, device control and log
// streaming into the run workflow the host editor drives.
package session

import (
	"errors"
	"time"

	"devrun/internal/build"
	"devrun/internal/logstream"
	"devrun/internal/target"
)

var (
	ErrSchemeRequired = errors.New("scheme required")
	ErrBuildFailed    = errors.New("build failed")
	ErrNoArtifact     = errors.New("build produced no app")
	ErrNoBundleID     = errors.New("no bundle identifier: run the app first or pass one")
	ErrNoTarget       = errors.New("no target: run the app first or pass one")
	ErrInvalidMode    = errors.New("invalid log mode")
	ErrStreamFailed   = errors.New("log stream failed to start")
)

// Stage is a step of the run workflow.
type Stage string

const (
	StageBuilding   Stage = "building"
	StageBooting    Stage = "booting"
	StageInstalling Stage = "installing"
	StageLaunching  Stage = "launching"
	StageStreaming  Stage = "streaming"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Run records one build-and-launch invocation.
type Run struct {
	ID         string        `json:"id"`
	Target     target.Target `json:"target"`
	Scheme     string        `json:"scheme"`
	Stage      Stage         `json:"stage"`
	AppPath    string        `json:"appPath,omitempty"`
	BundleID   string        `json:"bundleId,omitempty"`
	Generation uint64        `json:"generation,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"startedAt"`
}

// BuildParams select what to build. An empty Scheme is resolved from the project.
type BuildParams struct {
	TargetID string `json:"targetId"`
	Scheme   string `json:"scheme,omitempty"`
	Clean    bool   `json:"clean,omitempty"`
}

// RunParams extend BuildParams with how to follow the launched app.
type RunParams struct {
	BuildParams
	Mode logstream.Mode `json:"mode,omitempty"`
	// Detach launches the app without streaming its logs.
	Detach bool `json:"detach,omitempty"`
}

// LogParams select what to stream. Empty fields fall back to the last run.
type LogParams struct {
	TargetID    string         `json:"targetId,omitempty"`
	BundleID    string         `json:"bundleId,omitempty"`
	ProcessName string         `json:"processName,omitempty"`
	Mode        logstream.Mode `json:"mode,omitempty"`
}

// Status is a snapshot of what the manager is doing.
type Status struct {
	Building   bool   `json:"building"`
	Streaming  bool   `json:"streaming"`
	Generation uint64 `json:"generation"`
	LastRun    *Run   `json:"lastRun,omitempty"`
	// Recorded is the number of events held for replay.
	Recorded int `json:"recorded"`
}

// OutputEventType names an event recorded by the manager.
type OutputEventType string

const (
	EventBuildOutput   OutputEventType = "build.output"
	EventBuildProgress OutputEventType = "build.progress"
	EventBuildResult   OutputEventType = "build.result"
	EventRunStatus     OutputEventType = "run.status"
	EventLogOutput     OutputEventType = "log.output"
	EventLogError      OutputEventType = "log.error"
	EventLogClosed     OutputEventType = "log.closed"
)

// OutputEvent is one recorded build or log event.
type OutputEvent struct {
	RunID      string          `json:"runId,omitempty"`
	Type       OutputEventType `json:"type"`
	Data       string          `json:"data,omitempty"`
	Stream     string          `json:"stream,omitempty"`
	Source     string          `json:"source,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Result     *build.Result   `json:"result,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
