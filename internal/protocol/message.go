package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"devrun/internal/target"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeTargets        = "targets"
	TypeSchemes        = "schemes"
	TypeBuildOutput    = "build.output"
	TypeBuildProgress  = "build.progress"
	TypeBuildResult    = "build.result"
	TypeRunStatus      = "run.status"
	TypeLogOutput      = "log.output"
	TypeLogError       = "log.error"
	TypeLogClosed      = "log.closed"
	TypeProjectChanged = "project.changed"
	TypeError          = "error"
)

// Client → Server message types.
const (
	TypeTargetsList = "targets.list"
	TypeSchemesList = "schemes.list"
	TypeBuildStart  = "build.start"
	TypeBuildStop   = "build.stop"
	TypeRunStart    = "run.start"
	TypeLogsStart   = "logs.start"
	TypeLogsStop    = "logs.stop"
	TypeRunStop     = "run.stop"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrTargetNotFound = "TARGET_NOT_FOUND"
	ErrSchemeRequired = "SCHEME_REQUIRED"
	ErrBuildFailed    = "BUILD_FAILED"
	ErrRunFailed      = "RUN_FAILED"
	ErrStreamFailed   = "STREAM_FAILED"
	ErrNoBundleID     = "NO_BUNDLE_ID"
	ErrNotRunning     = "NOT_RUNNING"
	ErrInternal       = "INTERNAL"
)

// Log modes accepted in logs.start and run.start.
const (
	ModeProcessOutput = "process-output"
	ModeSystemLog     = "system-log"
	ModeBoth          = "both"
)

// Server → Client payloads.

type TargetsPayload struct {
	Targets []target.Target `json:"targets"`
}

type SchemesPayload struct {
	Schemes []string `json:"schemes"`
}

type BuildOutputPayload struct {
	RunID string `json:"runId,omitempty"`
	Line  string `json:"line"`
}

type BuildProgressPayload struct {
	RunID string `json:"runId,omitempty"`
	Phase string `json:"phase"`
}

type BuildResultPayload struct {
	RunID      string `json:"runId,omitempty"`
	Success    bool   `json:"success"`
	AppPath    string `json:"appPath,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

type RunStatusPayload struct {
	RunID string `json:"runId"`
	Stage string `json:"stage"`
}

type LogOutputPayload struct {
	RunID      string `json:"runId,omitempty"`
	Generation uint64 `json:"generation"`
	Source     string `json:"source"` // "process" | "system"
	Stream     string `json:"stream"` // "stdout" | "stderr"
	Line       string `json:"line"`
}

type LogErrorPayload struct {
	Generation uint64 `json:"generation"`
	Message    string `json:"message"`
}

type LogClosedPayload struct {
	Generation uint64 `json:"generation"`
}

type ProjectChangedPayload struct {
	Path      string `json:"path"`
	FileCount int    `json:"fileCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type BuildStartPayload struct {
	TargetID string `json:"targetId"`
	Scheme   string `json:"scheme,omitempty"`
	Clean    bool   `json:"clean,omitempty"`
}

type RunStartPayload struct {
	TargetID string `json:"targetId"`
	Scheme   string `json:"scheme,omitempty"`
	Clean    bool   `json:"clean,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Detach   bool   `json:"detach,omitempty"`
}

type LogsStartPayload struct {
	TargetID    string `json:"targetId,omitempty"`
	BundleID    string `json:"bundleId,omitempty"`
	ProcessName string `json:"processName,omitempty"`
	Mode        string `json:"mode,omitempty"`
}
