//go:build windows

package runner

import (
	"context"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/artpar/hotswap/internal/core/command"
)

func buildCmd(ctx context.Context, cmd command.Command) *exec.Cmd {
	if cmd.Shell {
		// cmd.exe has its own quoting rules; pass the line through untouched.
		c := exec.CommandContext(ctx, "cmd.exe")
		c.SysProcAttr = &syscall.SysProcAttr{CmdLine: "cmd.exe /S /C \"" + cmd.Line + "\""}
		return c
	}
	return exec.CommandContext(ctx, cmd.Args[0], cmd.Args[1:]...)
}

func configureProcess(c *exec.Cmd) {
	c.Cancel = func() error {
		if c.Process == nil {
			return nil
		}
		// taskkill /T takes the child tree down with the parent.
		_ = exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(c.Process.Pid)).Run()
		return c.Process.Kill()
	}
}
