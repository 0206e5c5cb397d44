// Package build runs xcodebuild for a scheme and target and reports the result.
package build

import (
	"path/filepath"
	"strings"
	"time"

	"devrun/internal/target"
)

// ProjectKind distinguishes .xcodeproj from .xcworkspace inputs.
type ProjectKind string

const (
	KindProject   ProjectKind = "project"
	KindWorkspace ProjectKind = "workspace"
)

// DefaultConfiguration is used when a request names none.
const DefaultConfiguration = "Debug"

// Project locates the Xcode project or workspace to build.
type Project struct {
	Path string      `json:"path"`
	Kind ProjectKind `json:"kind"`
}

// Name is the project file name without its extension.
func (p Project) Name() string {
	base := filepath.Base(p.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// flag is the xcodebuild flag selecting the project.
func (p Project) flag() string {
	if p.Kind == KindWorkspace || strings.HasSuffix(p.Path, ".xcworkspace") {
		return "-workspace"
	}
	return "-project"
}

// Request is one build invocation.
type Request struct {
	Project       Project       `json:"project"`
	Scheme        string        `json:"scheme"`
	Target        target.Target `json:"target"`
	OutputDir     string        `json:"outputDir,omitempty"`
	Clean         bool          `json:"clean"`
	Configuration string        `json:"configuration,omitempty"`
}

func (r Request) configuration() string {
	if r.Configuration == "" {
		return DefaultConfiguration
	}
	return r.Configuration
}

// sdk is the platform directory suffix xcodebuild uses for the target.
func (r Request) sdk() string {
	if r.Target.IsEmulated() {
		return "iphonesimulator"
	}
	return "iphoneos"
}

// productDir is e.g. "Debug-iphonesimulator".
func (r Request) productDir() string {
	return r.configuration() + "-" + r.sdk()
}

// Destination is the -destination argument for the request's target.
func (r Request) Destination() string {
	if r.Target.IsEmulated() {
		return "platform=iOS Simulator,id=" + r.Target.ID
	}
	return "platform=iOS,id=" + r.Target.ID
}

// Args returns the xcodebuild arguments for the request.
func (r Request) Args() []string {
	args := []string{
		r.Project.flag(), r.Project.Path,
		"-scheme", r.Scheme,
		"-configuration", r.configuration(),
		"-destination", r.Destination(),
	}
	if r.OutputDir != "" {
		args = append(args, "-derivedDataPath", r.OutputDir)
	}
	if r.Clean {
		args = append(args, "clean")
	}
	return append(args, "build")
}

// Result is the outcome of one build.
type Result struct {
	Success  bool          `json:"success"`
	AppPath  string        `json:"appPath,omitempty"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
