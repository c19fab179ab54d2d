package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
	"github.com/artpar/hotswap/internal/poll"
)

// GracefulQuitter asks the target to exit on its own.
type GracefulQuitter interface {
	Reachable(ctx context.Context) bool
	Quit(ctx context.Context) error
}

// ControllerConfig configures the lifecycle controller.
type ControllerConfig struct {
	// GracefulWait is how long to wait for the target to exit after a quit
	// request. Default: 10 seconds.
	GracefulWait time.Duration

	// LivenessInterval is the recheck interval while waiting.
	// Default: 1 second.
	LivenessInterval time.Duration

	// StrategySettle is the pause after each termination strategy before
	// rechecking liveness. Default: 1 second.
	StrategySettle time.Duration

	// CycleDelay is the pause between full rounds of strategies.
	// Default: 2 seconds.
	CycleDelay time.Duration

	// CommandTimeout bounds a single termination command.
	// Default: 10 seconds.
	CommandTimeout time.Duration
}

// DefaultControllerConfig returns the default configuration.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		GracefulWait:     10 * time.Second,
		LivenessInterval: time.Second,
		StrategySettle:   time.Second,
		CycleDelay:       2 * time.Second,
		CommandTimeout:   10 * time.Second,
	}
}

// Controller stops the target process.
type Controller struct {
	config  ControllerConfig
	runner  CommandRunner
	probe   LivenessChecker
	quitter GracefulQuitter
	logger  *slog.Logger
}

// NewController creates a controller. quitter may be nil to skip the
// graceful attempt.
func NewController(
	config ControllerConfig,
	runner CommandRunner,
	probe LivenessChecker,
	quitter GracefulQuitter,
	logger *slog.Logger,
) *Controller {
	if config.GracefulWait == 0 {
		config.GracefulWait = 10 * time.Second
	}
	if config.LivenessInterval == 0 {
		config.LivenessInterval = time.Second
	}
	if config.StrategySettle == 0 {
		config.StrategySettle = time.Second
	}
	if config.CycleDelay == 0 {
		config.CycleDelay = 2 * time.Second
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Controller{
		config:  config,
		runner:  runner,
		probe:   probe,
		quitter: quitter,
		logger:  logger.With("component", "process_controller"),
	}
}

// EnsureStopped returns nil only after the probe reports the target is not
// running. It tries a graceful quit first, then the termination strategies
// of dc in order, round after round, until total elapses.
func (c *Controller) EnsureStopped(ctx context.Context, dc domain.DeploymentConfig, total time.Duration) error {
	deadline := poll.Start(total)
	logger := c.logger.With("process", dc.ProcessName, "budget", total)

	if !c.running(ctx) {
		logger.Info("target is not running")
		return nil
	}
	logger.Info("target is running, stopping it")

	if c.quitter != nil && c.quitter.Reachable(ctx) {
		if err := c.quitter.Quit(ctx); err != nil {
			logger.Warn("graceful quit request failed", "error", err)
		} else {
			logger.Info("graceful quit requested, waiting for exit", "wait", deadline.Cap(c.config.GracefulWait))
			if c.waitStopped(ctx, deadline.Cap(c.config.GracefulWait)) {
				logger.Info("target exited gracefully", "elapsed", deadline.Elapsed())
				return nil
			}
			logger.Warn("target did not exit after quit request")
		}
	}

	strategies := c.strategies(dc)
	if len(strategies) == 0 {
		return fmt.Errorf("%w: no usable termination strategy", domain.ErrProcessTermination)
	}

	for cycle := 1; !deadline.Expired(); cycle++ {
		for i, cmd := range strategies {
			timeout := deadline.Cap(c.config.CommandTimeout)
			if timeout <= 0 {
				break
			}
			cmd.Timeout = timeout

			logger.Info("termination strategy", "cycle", cycle, "strategy", i+1, "command", cmd.String())
			// The command's own status is not trusted; only the probe decides.
			res := c.runner.Run(ctx, cmd)
			logger.Debug("termination strategy finished", "result", res.Describe())

			if err := poll.Sleep(ctx, deadline.Cap(c.config.StrategySettle)); err != nil {
				return fmt.Errorf("%w: %w", domain.ErrProcessTermination, err)
			}
			if !c.running(ctx) {
				logger.Info("target terminated", "cycle", cycle, "strategy", i+1, "elapsed", deadline.Elapsed())
				return nil
			}
		}

		if err := poll.Sleep(ctx, deadline.Cap(c.config.CycleDelay)); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrProcessTermination, err)
		}
	}

	if !c.running(ctx) {
		return nil
	}
	return fmt.Errorf("%w: %s still running after %s", domain.ErrProcessTermination, dc.ProcessName, total)
}

// running treats a failing probe as "still running" so the controller
// never reports success it has not observed.
func (c *Controller) running(ctx context.Context) bool {
	up, err := c.probe.Running(ctx)
	if err != nil {
		c.logger.Warn("liveness probe failed, assuming running", "error", err)
		return true
	}
	return up
}

func (c *Controller) waitStopped(ctx context.Context, budget time.Duration) bool {
	err := poll.Every(ctx, c.config.LivenessInterval, budget, func(ctx context.Context) (bool, error) {
		return !c.running(ctx), nil
	})
	return err == nil
}

// strategies expands the termination templates, dropping any that refer to
// a placeholder with no value (an empty title would match every window).
func (c *Controller) strategies(dc domain.DeploymentConfig) []command.Command {
	values := dc.Placeholders()

	out := make([]command.Command, 0, len(dc.TerminationCommands))
	for _, tmpl := range dc.TerminationCommands {
		if missing := emptyPlaceholder(tmpl, values); missing != "" {
			c.logger.Debug("skipping termination strategy", "command", tmpl.String(), "missing", missing)
			continue
		}
		cmd := tmpl.WithPlaceholders(values)
		cmd.Kind = command.KindTerminate
		out = append(out, cmd)
	}
	return out
}

func emptyPlaceholder(cmd command.Command, values map[string]string) string {
	text := cmd.String()
	for k, v := range values {
		if v == "" && strings.Contains(text, "{"+k+"}") {
			return k
		}
	}
	return ""
}
