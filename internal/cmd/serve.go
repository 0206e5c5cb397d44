package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"devrun/internal/output"
	"devrun/internal/realtime"
	"devrun/internal/watcher"
)

const shutdownTimeout = 5 * time.Second

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run workflow over HTTP and WebSocket",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(output.Discard)
	if err != nil {
		return err
	}
	defer a.close()
	if servePort != 0 {
		a.cfg.Port = servePort
		if err := a.cfg.Validate(); err != nil {
			return err
		}
	}

	a.metrics.Registry().MustRegister(collectors.NewGoCollector())
	srv := realtime.New(a.mgr, a.metrics, a.logger)

	if a.cfg.Watch {
		fileWatch := watcher.New(srv.OnProjectChange, a.logger)
		defer fileWatch.Shutdown()
		root := watchRoot(a.mgr.Project())
		if err := fileWatch.Watch(root); err != nil {
			a.logger.Warn("project watch disabled", zap.String("root", root), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("devrun server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("project", a.mgr.Project().Path))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return httpServer.Close()
	}
	return nil
}
