package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"devrun/internal/logstream"
	"devrun/internal/output"
	"devrun/internal/session"
)

var (
	targetFlag  string
	schemeFlag  string
	cleanFlag   bool
	modeFlag    string
	detachFlag  bool
	bundleFlag  string
	processFlag string
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List simulators and connected devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(output.Discard)
		if err != nil {
			return err
		}
		defer a.close()

		for _, t := range a.mgr.Targets(cmd.Context()) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.ID, t.Label())
		}
		return nil
	},
}

var schemesCmd = &cobra.Command{
	Use:   "schemes",
	Short: "List the project's schemes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(output.Discard)
		if err != nil {
			return err
		}
		defer a.close()

		schemes, err := a.mgr.Schemes(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range schemes {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the project for a target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(output.NewWriterSink(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := a.mgr.Build(ctx, session.BuildParams{
			TargetID: targetFlag,
			Scheme:   schemeFlag,
			Clean:    cleanFlag,
		})
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: %s", session.ErrBuildFailed, res.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Built %s\n", res.AppPath)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, install and launch the app, then follow its logs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(output.NewWriterSink(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		subID, events, _ := a.mgr.Subscribe()
		defer a.mgr.Unsubscribe(subID)

		run, err := a.mgr.Run(ctx, session.RunParams{
			BuildParams: session.BuildParams{
				TargetID: targetFlag,
				Scheme:   schemeFlag,
				Clean:    cleanFlag,
			},
			Mode:   logstream.Mode(modeFlag),
			Detach: detachFlag,
		})
		if err != nil {
			return err
		}
		if detachFlag {
			fmt.Fprintf(cmd.OutOrStdout(), "Launched %s on %s\n", run.BundleID, run.Target.Label())
			return nil
		}
		return followLogs(ctx, a.mgr, events, run.Generation)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Stream logs of an installed app",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if targetFlag == "" || bundleFlag == "" {
			return fmt.Errorf("--target and --bundle are required\n\nRun '%s --help' for usage", buildCommandPath(cmd))
		}
		a, err := newApp(output.NewWriterSink(cmd.OutOrStdout()))
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		subID, events, _ := a.mgr.Subscribe()
		defer a.mgr.Unsubscribe(subID)

		gen, err := a.mgr.StartLogs(ctx, session.LogParams{
			TargetID:    targetFlag,
			BundleID:    bundleFlag,
			ProcessName: processFlag,
			Mode:        logstream.Mode(modeFlag),
		})
		if err != nil {
			return err
		}
		return followLogs(ctx, a.mgr, events, gen)
	},
}

func init() {
	for _, c := range []*cobra.Command{buildCmd, runCmd, logsCmd} {
		c.Flags().StringVarP(&targetFlag, "target", "t", "", "simulator or device ID")
	}
	for _, c := range []*cobra.Command{buildCmd, runCmd} {
		c.Flags().StringVarP(&schemeFlag, "scheme", "s", "", "scheme to build")
		c.Flags().BoolVar(&cleanFlag, "clean", false, "clean before building")
		_ = c.MarkFlagRequired("target")
	}
	for _, c := range []*cobra.Command{runCmd, logsCmd} {
		c.Flags().StringVarP(&modeFlag, "mode", "m", "", "log mode: process-output, system-log or both")
	}
	runCmd.Flags().BoolVarP(&detachFlag, "detach", "d", false, "launch without following logs")
	logsCmd.Flags().StringVarP(&bundleFlag, "bundle", "b", "", "bundle identifier")
	logsCmd.Flags().StringVar(&processFlag, "process", "", "process name for system log filtering")

	rootCmd.AddCommand(targetsCmd, schemesCmd, buildCmd, runCmd, logsCmd)
}

// followLogs blocks until the stream of generation gen closes or ctx ends.
// Log lines reach the terminal through the manager's output sink.
func followLogs(ctx context.Context, mgr *session.Manager, events <-chan session.OutputEvent, gen uint64) error {
	defer mgr.StopLogs()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Generation != gen {
				continue
			}
			switch ev.Type {
			case session.EventLogError:
				fmt.Fprintln(os.Stderr, ev.Data)
			case session.EventLogClosed:
				return nil
			}
		}
	}
}
