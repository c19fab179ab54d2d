package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/artpar/hotswap/internal/core/command"
)

// Launcher starts the target application fully detached: it gets its own
// session, no inherited stdio, and outlives hotswap.
type Launcher struct {
	logger *slog.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{logger: logger.With("component", "launcher")}
}

// Launch spawns cmd and returns its pid without waiting for it. The child
// is reaped in the background if it exits while hotswap is still running.
func (l *Launcher) Launch(_ context.Context, cmd command.Command) (int, error) {
	if cmd.IsEmpty() {
		return 0, command.ErrEmptyCommand
	}

	// Not CommandContext: cancelling the run must not kill the target.
	var c *exec.Cmd
	if cmd.Shell {
		c = shellCommand(cmd.Line)
	} else {
		c = exec.Command(cmd.Args[0], cmd.Args[1:]...)
	}
	c.Dir = cmd.Dir
	if env := cmd.EnvList(); env != nil {
		c.Env = append(os.Environ(), env...)
	}
	detach(c)

	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("launch %s: %w", cmd.String(), err)
	}
	pid := c.Process.Pid
	l.logger.Info("target launched", "command", cmd.String(), "pid", pid)

	go func() {
		err := c.Wait()
		l.logger.Debug("launched process exited", "pid", pid, "error", err)
	}()
	return pid, nil
}
