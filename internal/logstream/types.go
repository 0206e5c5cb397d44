// Package logstream tails an app's console output and the device system log.
package logstream

import (
	"time"

	"devrun/internal/proc"
	"devrun/internal/target"
)

// Mode selects which slots a stream occupies.
type Mode string

const (
	ModeProcessOutput Mode = "process-output"
	ModeSystemLog     Mode = "system-log"
	ModeBoth          Mode = "both"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeProcessOutput, ModeSystemLog, ModeBoth:
		return true
	}
	return false
}

func (m Mode) wants(src Source) bool {
	switch src {
	case SourceProcess:
		return m == ModeProcessOutput || m == ModeBoth
	case SourceSystem:
		return m == ModeSystemLog || m == ModeBoth
	}
	return false
}

// Source names the slot an event came from.
type Source string

const (
	SourceProcess Source = "process"
	SourceSystem  Source = "system"
)

// Event is one non-blank line of log output.
type Event struct {
	Generation uint64          `json:"generation"`
	Source     Source          `json:"source"`
	Stream     proc.StreamType `json:"stream"`
	Line       string          `json:"line"`
	Time       time.Time       `json:"time"`
}

// Sink receives stream events. Calls are serialized, and none arrive for a
// generation once a newer stream started or the stream was stopped. Sink
// methods must not call back into the Session.
type Sink interface {
	OnEvent(ev Event)
	OnError(generation uint64, err error)
	OnClose(generation uint64)
}

// SinkFuncs adapts plain functions to Sink; nil fields are skipped.
type SinkFuncs struct {
	Event func(Event)
	Error func(generation uint64, err error)
	Close func(generation uint64)
}

func (f SinkFuncs) OnEvent(ev Event) {
	if f.Event != nil {
		f.Event(ev)
	}
}

func (f SinkFuncs) OnError(generation uint64, err error) {
	if f.Error != nil {
		f.Error(generation, err)
	}
}

func (f SinkFuncs) OnClose(generation uint64) {
	if f.Close != nil {
		f.Close(generation)
	}
}

// Options describe one stream.
type Options struct {
	Target   target.Target
	BundleID string
	// ProcessName filters the system log; defaults to the last bundle ID component.
	ProcessName string
	Mode        Mode
	Sink        Sink
}
