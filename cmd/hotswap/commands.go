package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/protocol"
	"github.com/artpar/hotswap/internal/engine"
	"github.com/artpar/hotswap/internal/shell/store"
)

type loader func() (*app, error)

// =============================================================================
// deploy
// =============================================================================

func newDeployCommand(load loader) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Stop the target, rebuild, reinstall, relaunch and verify the plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			if dryRun {
				return printPlan(cmd, a)
			}
			return deploy(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the resolved deployment and exit")
	return cmd
}

func deploy(ctx context.Context, a *app) error {
	policy, err := engine.NewInterruptPolicy(engine.InterruptMode(a.cfg.Interrupts.Mode))
	if err != nil {
		return withExit(domain.ExitConfig, err)
	}

	journal, err := a.openJournal(false)
	if err != nil {
		// The journal is bookkeeping; a broken one never blocks a deploy.
		a.logger.Warn("run history unavailable", "error", err)
		journal = nil
	}
	if journal != nil {
		defer journal.Close()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	orch := a.orchestrator(policy, signals, journal)
	result, err := orch.Run(ctx, engine.Config{
		Deployment: a.deployment,
		Build:      a.build,
	})
	a.flushMetrics()

	if err != nil {
		return &exitError{code: result.ExitCode, err: err, quiet: true}
	}
	fmt.Fprintf(a.out, "Deployed %s (running %s)\n", result.Version, result.ReportedVersion)
	return nil
}

type plan struct {
	Deployment domain.DeploymentConfig `yaml:"deployment"`
	Build      domain.BuildSpec        `yaml:"build"`
}

func printPlan(cmd *cobra.Command, a *app) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(plan{Deployment: a.deployment, Build: a.build}); err != nil {
		return err
	}
	return enc.Close()
}

// =============================================================================
// stop
// =============================================================================

func newStopCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the target application and confirm it exited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			err = a.controller.EnsureStopped(cmd.Context(), a.deployment, a.deployment.StopTimeout)
			a.flushMetrics()
			if err != nil {
				return withExit(domain.ExitStop, err)
			}
			fmt.Fprintf(a.out, "%s is not running\n", a.deployment.ProcessName)
			return nil
		},
	}
}

// =============================================================================
// probe
// =============================================================================

func newProbeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Ask the running plugin for its name and version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			res, err := a.rpc.Initialize(cmd.Context())
			a.flushMetrics()
			if err != nil {
				return withExit(domain.ExitFunctional, err)
			}
			fmt.Fprintf(a.out, "%s v%s\n", res.ServerInfo.Name, res.ServerInfo.Version)
			return nil
		},
	}
}

// =============================================================================
// build-status
// =============================================================================

func newBuildStatusCommand(load loader) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "build-status",
		Short: "Query the build state reported by the running plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}

			var status protocol.BuildStatus
			if wait {
				status, err = a.rpc.PollBuild(cmd.Context(), a.cfg.RPC.PollInterval, a.cfg.RPC.PollBudget)
			} else {
				status, err = a.rpc.BuildStatus(cmd.Context())
			}
			a.flushMetrics()
			if err != nil {
				return withExit(domain.ExitFunctional, err)
			}

			fmt.Fprintf(a.out, "state: %s\n", status.State)
			if status.State == protocol.BuildStateBuilding {
				fmt.Fprintf(a.out, "progress: %d%%\n", status.Progress)
			}
			if status.Text != "" {
				fmt.Fprintf(a.out, "report: %s\n", status.Text)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the build completes or the poll budget runs out")
	return cmd
}

// =============================================================================
// history
// =============================================================================

func newHistoryCommand(load loader) *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := load()
			if err != nil {
				return err
			}
			journal, err := a.openJournal(true)
			if err != nil {
				return err
			}
			defer journal.Close()

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			if runID != "" {
				err = printStages(cmd.Context(), w, journal, runID)
			} else {
				err = printRuns(cmd.Context(), w, journal, limit)
			}
			if err != nil {
				return err
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListLimit, "number of runs to show")
	cmd.Flags().StringVar(&runID, "run", "", "show the stages of one run")
	return cmd
}

func printRuns(ctx context.Context, w *tabwriter.Writer, s store.Store, limit int) error {
	runs, err := s.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "ID\tSTARTED\tSTATUS\tVERSION\tREPORTED\tEXIT\tFAILED STAGE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Status,
			dash(r.Version), dash(r.ReportedVersion), r.ExitCode, dash(r.FailedStage))
	}
	return nil
}

func printStages(ctx context.Context, w *tabwriter.Writer, s store.Store, runID string) error {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	stages, err := s.ListStages(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "run %s: %s, exit %d\n", run.ID, run.Status, run.ExitCode)
	if run.Error != "" {
		fmt.Fprintf(w, "error: %s\n", run.Error)
	}
	fmt.Fprintln(w, "STAGE\tDURATION\tRESULT")
	for _, rec := range stages {
		result := "ok"
		switch {
		case rec.Skipped:
			result = "skipped"
		case rec.Error != "":
			result = rec.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rec.Stage, rec.Duration().Round(time.Millisecond), result)
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// version
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hotswap version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hotswap %s (built %s)\n", Version, BuildTime)
		},
	}
}
