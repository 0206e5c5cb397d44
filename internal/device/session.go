// Package device boots targets and installs, launches and terminates apps on them.
//
// Simulators are driven with `xcrun simctl`. Physical devices use
// `xcrun devicectl`, with one fallback to ios-deploy for install and launch.
package device

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"devrun/internal/proc"
	"devrun/internal/target"
)

const (
	alreadyBootedMessage = "Unable to boot device in current state: Booted"
	legacyDeployTool     = "ios-deploy"
)

// notRunningMessages mark terminate errors for an app that is not running.
var notRunningMessages = []string{
	"found nothing to terminate",
	"not running",
	"No such process",
}

// Session routes device operations by target kind.
type Session struct {
	runner proc.Runner
	logger *zap.Logger
}

// NewSession creates a device session.
func NewSession(runner proc.Runner, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{runner: runner, logger: logger.Named("device")}
}

// EnsureBooted boots a simulator; an already booted simulator is fine.
// Physical devices need no boot.
func (s *Session) EnsureBooted(ctx context.Context, t target.Target) error {
	if !t.IsEmulated() {
		return nil
	}
	_, err := s.runner.Run(ctx, proc.Xcrun("simctl", "boot", t.ID))
	if err != nil {
		if containsAny(err, alreadyBootedMessage) {
			s.logger.Debug("simulator already booted", zap.String("target", t.ID))
			return nil
		}
		return fmt.Errorf("boot %s: %w", t.Name, err)
	}
	s.logger.Info("simulator booted", zap.String("target", t.ID))

	// Bring the Simulator window up; the boot itself already succeeded.
	if _, err := s.runner.Run(ctx, proc.Command{Name: "open", Args: []string{"-a", "Simulator"}}); err != nil {
		s.logger.Debug("open Simulator app", zap.Error(err))
	}
	return nil
}

// Install copies the built app onto t.
func (s *Session) Install(ctx context.Context, t target.Target, appPath string) error {
	if t.IsEmulated() {
		if _, err := s.runner.Run(ctx, proc.Xcrun("simctl", "install", t.ID, appPath)); err != nil {
			return fmt.Errorf("install on %s: %w", t.Name, err)
		}
		return nil
	}

	_, err := s.runner.Run(ctx, proc.Xcrun("devicectl", "device", "install", "app", "--device", t.ID, appPath))
	if err == nil {
		return nil
	}
	s.logger.Warn("devicectl install failed, trying ios-deploy", zap.String("target", t.ID), zap.Error(err))

	if _, legacyErr := s.runner.Run(ctx, proc.Command{
		Name: legacyDeployTool,
		Args: []string{"--id", t.ID, "--bundle", appPath},
	}); legacyErr != nil {
		return fmt.Errorf("install on %s: %w", t.Name, errors.Join(err, legacyErr))
	}
	return nil
}

// Launch starts bundleID on t without attaching to its output.
func (s *Session) Launch(ctx context.Context, t target.Target, bundleID string) error {
	if t.IsEmulated() {
		if _, err := s.runner.Run(ctx, proc.Xcrun("simctl", "launch", "--terminate-running-process", t.ID, bundleID)); err != nil {
			return fmt.Errorf("launch %s on %s: %w", bundleID, t.Name, err)
		}
		return nil
	}

	_, err := s.runner.Run(ctx, proc.Xcrun("devicectl", "device", "process", "launch", "--terminate-existing", "--device", t.ID, bundleID))
	if err == nil {
		return nil
	}
	s.logger.Warn("devicectl launch failed, trying ios-deploy", zap.String("target", t.ID), zap.Error(err))

	if _, legacyErr := s.runner.Run(ctx, proc.Command{
		Name: legacyDeployTool,
		Args: []string{"--id", t.ID, "--bundle_id", bundleID, "--noinstall", "--justlaunch"},
	}); legacyErr != nil {
		return fmt.Errorf("launch %s on %s: %w", bundleID, t.Name, errors.Join(err, legacyErr))
	}
	return nil
}

// Terminate stops bundleID on a simulator. An app that is not running is not
// an error. Physical devices are not supported and return nil.
func (s *Session) Terminate(ctx context.Context, t target.Target, bundleID string) error {
	if !t.IsEmulated() {
		return nil
	}
	_, err := s.runner.Run(ctx, proc.Xcrun("simctl", "terminate", t.ID, bundleID))
	if err != nil && !containsAny(err, notRunningMessages...) {
		return fmt.Errorf("terminate %s: %w", bundleID, err)
	}
	return nil
}

// BundleID reads CFBundleIdentifier from the app's Info.plist.
func (s *Session) BundleID(ctx context.Context, appPath string) (string, error) {
	plist := filepath.Join(appPath, "Info.plist")
	out, err := s.runner.Run(ctx, proc.Command{
		Name: "plutil",
		Args: []string{"-extract", "CFBundleIdentifier", "raw", "-o", "-", plist},
	})
	if err != nil {
		return "", fmt.Errorf("read bundle identifier: %w", err)
	}
	id := strings.TrimSpace(string(out.Stdout))
	if id == "" {
		return "", fmt.Errorf("read bundle identifier: empty CFBundleIdentifier in %s", plist)
	}
	return id, nil
}

// containsAny reports whether err's text, including captured stderr, contains
// one of the given messages.
func containsAny(err error, messages ...string) bool {
	text := err.Error()
	var exitErr *proc.ExitError
	if errors.As(err, &exitErr) {
		text += "\n" + exitErr.Stderr
	}
	for _, m := range messages {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}
