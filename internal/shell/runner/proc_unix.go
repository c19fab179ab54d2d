//go:build !windows

package runner

import (
	"context"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/artpar/hotswap/internal/core/command"
)

func buildCmd(ctx context.Context, cmd command.Command) *exec.Cmd {
	if cmd.Shell {
		return exec.CommandContext(ctx, "/bin/sh", "-c", cmd.Line)
	}
	return exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
}

// configureProcess puts the child in its own process group so a timeout
// kills the whole tree, not just the shell or build driver.
func configureProcess(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		if err := unix.Kill(-c.Process.Pid, unix.SIGKILL); err != nil {
			return c.Process.Kill()
		}
		return nil
	}
}
