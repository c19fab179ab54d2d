package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/engine"
	"github.com/artpar/hotswap/internal/shell/metrics"
	"github.com/artpar/hotswap/internal/shell/process"
	"github.com/artpar/hotswap/internal/shell/rpcclient"
	"github.com/artpar/hotswap/internal/shell/runner"
	"github.com/artpar/hotswap/internal/shell/store"
	"github.com/artpar/hotswap/internal/shell/workers"
	"github.com/artpar/hotswap/internal/shell/workspace"
)

// app wires the shell components for one invocation.
type app struct {
	cfg    *Config
	logger *slog.Logger
	out    io.Writer

	deployment domain.DeploymentConfig
	build      domain.BuildSpec

	metrics    *metrics.Recorder
	runner     *runner.Runner
	rpc        *rpcclient.Client
	probe      *process.CommandProbe
	controller *process.Controller
	workspace  *workspace.Workspace
}

func newApp(cfg *Config, logger *slog.Logger, out io.Writer) (*app, error) {
	dc, spec, err := cfg.Deployment()
	if err != nil {
		return nil, err
	}

	timeouts, err := rpcclient.LoadTimeoutTable(workspace.ExpandHome(cfg.RPC.TimeoutSchema), logger)
	if err != nil {
		return nil, &domain.ConfigError{Field: "rpc.timeout_schema", Message: err.Error()}
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		out:        out,
		deployment: dc,
		build:      spec,
		metrics:    metrics.New(),
		workspace:  workspace.New(logger),
	}

	runnerConfig := runner.DefaultConfig()
	runnerConfig.Out = out
	a.runner = runner.New(runnerConfig, nil, a.metrics, logger)

	a.rpc = rpcclient.New(rpcclient.Config{
		Address:  dc.RPCAddress(),
		Timeouts: timeouts,
	}, a.metrics, logger)

	a.probe = process.NewCommandProbe(a.runner, dc)
	a.controller = process.NewController(process.DefaultControllerConfig(), a.runner, a.probe, a.rpc, logger)
	return a, nil
}

// openJournal returns nil when history is disabled.
func (a *app) openJournal(force bool) (*store.SQLiteStore, error) {
	if !a.cfg.History.Enabled && !force {
		return nil, nil
	}
	dsn := workspace.ExpandHome(a.cfg.History.DSN)
	if dsn != ":memory:" {
		if err := a.workspace.EnsureDir(filepath.Dir(dsn)); err != nil {
			return nil, err
		}
	}
	return store.NewSQLiteStore(dsn)
}

func (a *app) buildMonitor(processName string, maxDuration time.Duration) engine.Monitor {
	return workers.NewBuildMonitor(
		processName,
		process.ForProcess(a.runner, a.deployment, processName),
		workers.FreeMemory,
		a.metrics,
		workers.BuildMonitorConfig{
			Interval:    a.cfg.Build.MonitorInterval,
			MaxDuration: maxDuration,
			LowMemory:   uint64(a.cfg.Build.LowMemoryMB) << 20,
		},
		a.logger,
	)
}

// orchestrator assembles the pipeline. journal may be nil.
func (a *app) orchestrator(policy *engine.InterruptPolicy, signals <-chan os.Signal, journal *store.SQLiteStore) *engine.Orchestrator {
	deps := engine.Deps{
		Stopper:   a.controller,
		Runner:    a.runner,
		Endpoint:  a.rpc,
		Launcher:  process.NewLauncher(a.logger),
		Workspace: a.workspace,
		Monitor:   a.buildMonitor,
		Metrics:   a.metrics,
		Policy:    policy,
		Signals:   signals,
		Out:       a.out,
		Logger:    a.logger,
	}
	if journal != nil {
		deps.Journal = journal
	}
	return engine.New(deps)
}

// flushMetrics exports the registry if a textfile is configured.
func (a *app) flushMetrics() {
	if err := a.metrics.WriteTextfile(workspace.ExpandHome(a.cfg.Metrics.Textfile)); err != nil {
		a.logger.Warn("failed to write metrics textfile", "error", err)
	}
}
