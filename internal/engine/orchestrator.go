// Package engine drives a deployment through its stages.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/artpar/hotswap/internal/core/artifact"
	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/core/protocol"
	"github.com/artpar/hotswap/internal/core/version"
	"github.com/artpar/hotswap/internal/poll"
)

// =============================================================================
// Collaborators
// =============================================================================

// Stopper makes sure the target is not running.
type Stopper interface {
	EnsureStopped(ctx context.Context, dc domain.DeploymentConfig, total time.Duration) error
}

// CommandRunner runs external commands.
type CommandRunner interface {
	Run(ctx context.Context, cmd command.Command) command.Result
}

// Endpoint is the target's control endpoint.
type Endpoint interface {
	Reachable(ctx context.Context) bool
	Initialize(ctx context.Context) (protocol.InitializeResult, error)
}

// Launcher starts the target detached.
type Launcher interface {
	Launch(ctx context.Context, cmd command.Command) (int, error)
}

// Workspace is the filesystem side of a deployment.
type Workspace interface {
	BumpVersion(spec domain.BuildSpec) (version.Marker, error)
	IsConfigured(marker string) bool
	Describe(path string) (artifact.Descriptor, error)
	RemoveVerified(dir string, paths, globs []string) ([]string, error)
	EnsureDir(dir string) error
}

// Monitor is a background watcher started for the build stage.
type Monitor interface {
	Start()
	Stop()
}

// MonitorFactory creates the build monitor for a process name.
type MonitorFactory func(process string, maxDuration time.Duration) Monitor

// Journal records runs. Failures are logged and never change the outcome.
type Journal interface {
	CreateRun(ctx context.Context, run *domain.RunRecord) error
	RecordStage(ctx context.Context, runID string, rec domain.StageRecord) error
	FinishRun(ctx context.Context, run *domain.RunRecord) error
}

// Recorder receives stage and run measurements.
type Recorder interface {
	ObserveStage(rec domain.StageRecord)
	ObserveRun(res *domain.PipelineResult)
}

// Deps holds the orchestrator's collaborators. Stopper, Runner, Endpoint,
// Launcher and Workspace are required; the rest are optional.
type Deps struct {
	Stopper   Stopper
	Runner    CommandRunner
	Endpoint  Endpoint
	Launcher  Launcher
	Workspace Workspace

	Monitor MonitorFactory
	Journal Journal
	Metrics Recorder

	Policy  *InterruptPolicy
	Signals <-chan os.Signal

	// Out receives the diagnostic block on failure. Default: os.Stderr.
	Out io.Writer

	// Sleep waits for the settle delay. Default: poll.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	Logger *slog.Logger
}

// Config is the input of one run.
type Config struct {
	Deployment domain.DeploymentConfig
	Build      domain.BuildSpec

	// ReadyWait bounds the wait for the endpoint to accept connections
	// before initialize. Default: 1 second.
	ReadyWait time.Duration

	// ReadyInterval is the recheck interval during ReadyWait.
	// Default: 500 milliseconds.
	ReadyInterval time.Duration

	// DiagnosticLines is how much command output a failure report shows.
	// Default: 50.
	DiagnosticLines int
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs the stop, build, install and verify pipeline.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
	stage  atomic.Value // domain.PipelineStage
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Policy == nil {
		deps.Policy = DefaultInterruptPolicy()
	}
	if deps.Out == nil {
		deps.Out = os.Stderr
	}
	if deps.Sleep == nil {
		deps.Sleep = poll.Sleep
	}

	o := &Orchestrator{
		deps:   deps,
		logger: deps.Logger.With("component", "orchestrator"),
	}
	o.stage.Store(domain.StageNotStarted)
	return o
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() domain.PipelineStage {
	return o.stage.Load().(domain.PipelineStage)
}

// run is the state of one pipeline run.
type run struct {
	cfg    Config
	result *domain.PipelineResult
	bumped protocol.Version

	// output is the captured output of the command that failed, if any.
	output []string
}

type step struct {
	stage domain.PipelineStage
	fn    func(ctx context.Context, r *run) error
}

// errSkipped marks a stage that had nothing to do.
var errSkipped = errors.New("stage skipped")

// Run executes every stage in order and stops at the first failure. It
// always returns a result; the error is the failed stage's error.
func (o *Orchestrator) Run(ctx context.Context, cfg Config) (*domain.PipelineResult, error) {
	if cfg.ReadyWait == 0 {
		cfg.ReadyWait = time.Second
	}
	if cfg.ReadyInterval == 0 {
		cfg.ReadyInterval = 500 * time.Millisecond
	}
	if cfg.DiagnosticLines == 0 {
		cfg.DiagnosticLines = 50
	}
	cfg.Deployment = cfg.Deployment.WithDefaults()

	r := &run{cfg: cfg, result: domain.NewPipelineResult()}
	o.stage.Store(domain.StageNotStarted)
	logger := o.logger.With("run_id", r.result.RunID)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stopSignals := o.watchSignals(ctx, cancel)
	defer stopSignals()

	o.journalStart(ctx, r)

	if err := validate(cfg); err != nil {
		return o.fail(ctx, r, domain.StageNotStarted, err), err
	}

	steps := []step{
		{domain.StageStopping, o.stop},
		{domain.StageVersionBump, o.bumpVersion},
		{domain.StageConfiguring, o.configure},
		{domain.StageBuilding, o.build},
		{domain.StageCleaningArtifacts, o.clean},
		{domain.StageInstalling, o.install},
		{domain.StageVerifyingInstall, o.verifyInstall},
		{domain.StageLaunching, o.launch},
		{domain.StageVerifyingFunctional, o.verifyFunctional},
	}

	for _, s := range steps {
		if err := o.advance(s.stage); err != nil {
			return o.fail(ctx, r, o.Stage(), err), err
		}
		logger.Info("stage started", "stage", s.stage)

		rec := domain.StageRecord{Stage: s.stage, StartedAt: time.Now().UTC()}
		err := s.fn(ctx, r)
		if err == nil && ctx.Err() != nil {
			err = domain.NewStageError(s.stage, "interrupted", "run cancelled", context.Cause(ctx))
		}
		rec.FinishedAt = time.Now().UTC()

		switch {
		case errors.Is(err, errSkipped):
			rec.Skipped = true
			err = nil
			logger.Info("stage skipped", "stage", s.stage)
		case err != nil:
			rec.Error = err.Error()
		default:
			logger.Info("stage finished", "stage", s.stage, "duration", rec.Duration().Round(time.Millisecond))
		}
		o.recordStage(ctx, r, rec)

		if err != nil {
			return o.fail(ctx, r, s.stage, err), err
		}
	}

	_ = o.advance(domain.StageSucceeded)
	r.result.Succeed()
	o.finish(ctx, r)
	logger.Info("deployment succeeded",
		"version", r.result.Version,
		"reported_version", r.result.ReportedVersion,
		"duration", r.result.FinishedAt.Sub(r.result.StartedAt).Round(time.Millisecond),
	)
	return r.result, nil
}

func validate(cfg Config) error {
	if err := cfg.Deployment.Validate(); err != nil {
		return err
	}
	return cfg.Build.Validate()
}

func (o *Orchestrator) advance(to domain.PipelineStage) error {
	from := o.Stage()
	if err := domain.ValidateTransition(from, to); err != nil {
		return err
	}
	o.stage.Store(to)
	return nil
}

// fail moves the run to Failed, reports the diagnostic block and records
// the outcome.
func (o *Orchestrator) fail(ctx context.Context, r *run, stage domain.PipelineStage, err error) *domain.PipelineResult {
	if err := o.advance(domain.StageFailed); err != nil {
		o.stage.Store(domain.StageFailed)
	}
	r.result.Fail(stage, err)
	if errors.Is(context.Cause(ctx), domain.ErrInterrupted) {
		r.result.ExitCode = domain.ExitInterrupted
	}

	o.logger.Error("deployment failed",
		"run_id", r.result.RunID,
		"stage", stage,
		"exit_code", r.result.ExitCode,
		"error", err,
	)

	details := r.output
	if n := r.cfg.DiagnosticLines; n > 0 && len(details) > n {
		details = details[len(details)-n:]
	}
	fmt.Fprint(o.deps.Out, domain.NewDiagnostic(stage, err, details).Format())

	o.finish(ctx, r)
	return r.result
}

// watchSignals applies the interrupt policy to every signal received
// until the returned stop function is called.
func (o *Orchestrator) watchSignals(ctx context.Context, cancel context.CancelCauseFunc) func() {
	if o.deps.Signals == nil {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case sig := <-o.deps.Signals:
				stage := o.Stage()
				if o.deps.Policy.ShouldCancel(stage) {
					o.logger.Warn("interrupt received, cancelling run", "signal", sig.String(), "stage", stage)
					cancel(domain.ErrInterrupted)
					return
				}
				o.logger.Warn("interrupt ignored, deployment continues",
					"signal", sig.String(),
					"stage", stage,
					"policy", o.deps.Policy.Mode(),
				)
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// =============================================================================
// Stages
// =============================================================================

func (o *Orchestrator) stop(ctx context.Context, r *run) error {
	dc := r.cfg.Deployment
	if err := o.deps.Stopper.EnsureStopped(ctx, dc, dc.StopTimeout); err != nil {
		return domain.NewStageError(domain.StageStopping, "ensure stopped", err.Error(), err)
	}
	return nil
}

func (o *Orchestrator) bumpVersion(_ context.Context, r *run) error {
	marker, err := o.deps.Workspace.BumpVersion(r.cfg.Build)
	if err != nil {
		return domain.NewStageError(domain.StageVersionBump, "bump", err.Error(), err)
	}
	r.bumped = marker.Version()
	r.result.Version = r.bumped.String()
	return nil
}

func (o *Orchestrator) configure(ctx context.Context, r *run) error {
	b := r.cfg.Build
	if b.ConfigureCommand.IsEmpty() {
		return errSkipped
	}
	if o.deps.Workspace.IsConfigured(b.ConfiguredMarker) {
		o.logger.Info("build directory already configured", "marker", b.ConfiguredMarker)
		return errSkipped
	}

	cmd := b.ConfigureCommand
	cmd.Kind = command.KindConfigure
	return o.runCommand(ctx, r, domain.StageConfiguring, "configure", cmd)
}

func (o *Orchestrator) build(ctx context.Context, r *run) error {
	b := r.cfg.Build
	if o.deps.Monitor != nil && b.BuildProcessName != "" {
		limit := b.MonitorMax
		if limit == 0 {
			limit = domain.DefaultMonitorMax
		}
		m := o.deps.Monitor(b.BuildProcessName, limit)
		m.Start()
		defer m.Stop()
	}

	cmd := b.BuildCommand
	cmd.Kind = command.KindBuild
	return o.runCommand(ctx, r, domain.StageBuilding, "build", cmd)
}

func (o *Orchestrator) clean(_ context.Context, r *run) error {
	dc := r.cfg.Deployment

	paths := make([]string, 0, len(dc.Companions)+1)
	for _, p := range dc.InstallSet() {
		paths = append(paths, p.Install)
	}

	removed, err := o.deps.Workspace.RemoveVerified(dc.InstallDir, paths, dc.CleanGlobs)
	if err != nil {
		return domain.NewStageError(domain.StageCleaningArtifacts, "remove", err.Error(), err)
	}
	o.logger.Info("old artifacts removed", "count", len(removed))
	return nil
}

func (o *Orchestrator) install(ctx context.Context, r *run) error {
	dc := r.cfg.Deployment

	if err := o.deps.Workspace.EnsureDir(dc.InstallDir); err != nil {
		return domain.NewStageError(domain.StageInstalling, "create directory", err.Error(), err)
	}

	for _, pair := range dc.InstallSet() {
		src, err := o.deps.Workspace.Describe(pair.Source)
		if err != nil {
			return domain.NewStageError(domain.StageInstalling, "stat", err.Error(), err)
		}
		if !src.Exists {
			return domain.NewStageError(domain.StageInstalling, "stat", "built file not found: "+pair.Source, &artifact.VerificationError{
				Reason:  artifact.ReasonNotBuilt,
				Built:   src,
				Message: pair.Source + " does not exist",
			})
		}

		if err := o.runCommand(ctx, r, domain.StageInstalling, "copy", dc.CopyFor(pair)); err != nil {
			return err
		}
		o.logger.Info("installed", "source", pair.Source, "install", pair.Install)
	}
	return nil
}

func (o *Orchestrator) verifyInstall(_ context.Context, r *run) error {
	dc := r.cfg.Deployment

	built, err := o.deps.Workspace.Describe(dc.Artifact.Source)
	if err != nil {
		return domain.NewStageError(domain.StageVerifyingInstall, "stat", err.Error(), err)
	}
	installed, err := o.deps.Workspace.Describe(dc.Artifact.Install)
	if err != nil {
		return domain.NewStageError(domain.StageVerifyingInstall, "stat", err.Error(), err)
	}

	if err := artifact.Verify(built, installed, dc.Tolerance); err != nil {
		return domain.NewStageError(domain.StageVerifyingInstall, "verify", err.Error(), err)
	}
	o.logger.Info("install verified",
		"size", installed.Size,
		"built_at", built.ModTime,
		"installed_at", installed.ModTime,
	)
	return nil
}

func (o *Orchestrator) launch(ctx context.Context, r *run) error {
	dc := r.cfg.Deployment

	pid, err := o.deps.Launcher.Launch(ctx, dc.LaunchCommand)
	if err != nil {
		return domain.NewStageError(domain.StageLaunching, "launch", err.Error(), err)
	}
	o.logger.Info("target launched", "pid", pid, "settle", dc.SettleDelay)

	if err := o.deps.Sleep(ctx, dc.SettleDelay); err != nil {
		return domain.NewStageError(domain.StageLaunching, "settle", "interrupted while waiting for startup", err)
	}
	return nil
}

func (o *Orchestrator) verifyFunctional(ctx context.Context, r *run) error {
	// Readiness is advisory; initialize below decides.
	_ = poll.Every(ctx, r.cfg.ReadyInterval, r.cfg.ReadyWait, func(ctx context.Context) (bool, error) {
		return o.deps.Endpoint.Reachable(ctx), nil
	})

	info, err := o.deps.Endpoint.Initialize(ctx)
	if err != nil {
		return domain.NewStageError(domain.StageVerifyingFunctional, "initialize", err.Error(), err)
	}
	r.result.ReportedVersion = info.ServerInfo.Version

	reported, err := protocol.ParseVersion(info.ServerInfo.Version)
	if err != nil {
		return domain.NewStageError(domain.StageVerifyingFunctional, "parse version", info.ServerInfo.Version, err)
	}
	if !reported.AtLeast(r.bumped) {
		return domain.NewStageError(domain.StageVerifyingFunctional, "compare version",
			fmt.Sprintf("%s reports %s, expected at least %s", info.ServerInfo.Name, reported, r.bumped),
			domain.ErrStaleVersion)
	}
	o.logger.Info("functional check passed", "server", info.ServerInfo.Name, "version", reported)
	return nil
}

// runCommand runs cmd and converts a failed result into a stage error,
// keeping its output for the diagnostic block.
func (o *Orchestrator) runCommand(ctx context.Context, r *run, stage domain.PipelineStage, op string, cmd command.Command) error {
	res := o.deps.Runner.Run(ctx, cmd)
	if res.Success {
		return nil
	}

	r.output = res.Output
	err := res.Err
	if err == nil {
		err = command.ErrCommandFailed
	}
	return domain.NewStageError(stage, op, res.Describe(), err)
}

// =============================================================================
// Journal
// =============================================================================

func (o *Orchestrator) journalStart(ctx context.Context, r *run) {
	if o.deps.Journal == nil {
		return
	}
	rec := &domain.RunRecord{
		ID:        r.result.RunID,
		Platform:  r.cfg.Deployment.Platform,
		Status:    "running",
		StartedAt: r.result.StartedAt,
	}
	if err := o.deps.Journal.CreateRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to journal run start", "error", err)
	}
}

func (o *Orchestrator) recordStage(ctx context.Context, r *run, rec domain.StageRecord) {
	r.result.Record(rec)
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveStage(rec)
	}
	if o.deps.Journal == nil {
		return
	}
	if err := o.deps.Journal.RecordStage(context.WithoutCancel(ctx), r.result.RunID, rec); err != nil {
		o.logger.Warn("failed to journal stage", "stage", rec.Stage, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run) {
	if o.deps.Metrics != nil {
		o.deps.Metrics.ObserveRun(r.result)
	}
	if o.deps.Journal == nil {
		return
	}

	res := r.result
	finished := res.FinishedAt
	rec := &domain.RunRecord{
		ID:              res.RunID,
		Platform:        r.cfg.Deployment.Platform,
		Status:          string(res.Stage),
		FailedStage:     string(res.FailedStage),
		Version:         res.Version,
		ReportedVersion: res.ReportedVersion,
		ExitCode:        res.ExitCode,
		StartedAt:       res.StartedAt,
		FinishedAt:      &finished,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := o.deps.Journal.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to journal run result", "error", err)
	}
}
