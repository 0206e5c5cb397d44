// Package cmd provides the devrun command line.
package cmd

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devrun/internal/build"
	"devrun/internal/config"
	"devrun/internal/logging"
	"devrun/internal/logstream"
	"devrun/internal/metrics"
	"devrun/internal/output"
	"devrun/internal/proc"
	"devrun/internal/session"
)

// Version is set at build time.
var Version = "dev"

var (
	cfgFile     string
	projectFlag string
)

var rootCmd = &cobra.Command{
	Use:     "devrun",
	Short:   "Build, run and follow iOS apps from the command line",
	Version: Version,
	Long: `devrun builds an Xcode project for a simulator or device, installs and
launches the app, and streams its logs. The serve command exposes the same
workflow to editors over HTTP and WebSocket.`,
	SilenceUsage: true,
}

// Execute runs the root command and returns an exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (TOML)")
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", "", "project, workspace or directory containing one")
}

// app is the wiring shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	mgr     *session.Manager
}

func newApp(out output.Sink) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if projectFlag != "" {
		cfg.Project = projectFlag
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		logger = logging.NewDefault()
		logger.Warn("logger config rejected, using defaults", zap.Error(err))
	}

	project, err := build.DiscoverProject(cfg.ProjectPath())
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	mgr := session.NewManager(sessionConfig(cfg, project), proc.NewExecRunner(), logger,
		session.WithOutput(out),
		session.WithMetrics(m),
	)
	logger.Debug("project loaded",
		zap.String("path", project.Path),
		zap.String("kind", string(project.Kind)))

	return &app{cfg: cfg, logger: logger, metrics: m, mgr: mgr}, nil
}

func (a *app) close() {
	a.mgr.Shutdown()
	_ = a.logger.Sync()
}

func sessionConfig(cfg *config.Config, project build.Project) session.Config {
	return session.Config{
		Project:          project,
		OutputDir:        cfg.OutputDir,
		Configuration:    cfg.Configuration,
		AutoPickScheme:   cfg.AutoPickScheme,
		AnnounceDuration: cfg.AnnounceDuration,
		HistorySize:      cfg.HistorySize,
		LogMode:          logstream.Mode(cfg.LogMode),
	}
}

// watchRoot is the directory holding the project's sources.
func watchRoot(project build.Project) string {
	return filepath.Dir(project.Path)
}

// buildCommandPath walks the command hierarchy, e.g. "devrun logs".
func buildCommandPath(cmd *cobra.Command) string {
	var parts []string
	for c := cmd; c != nil; c = c.Parent() {
		parts = append([]string{c.Name()}, parts...)
	}
	return strings.Join(parts, " ")
}
