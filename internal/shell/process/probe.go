// Package process controls the target application's lifetime: detecting
// whether it runs, stopping it gracefully or by force within a budget,
// and launching it detached from hotswap.
package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/core/domain"
)

// ErrProbeFailed means the liveness probe itself could not give an answer.
var ErrProbeFailed = errors.New("liveness probe failed")

// CommandRunner runs a command to completion.
type CommandRunner interface {
	Run(ctx context.Context, cmd command.Command) command.Result
}

// LivenessChecker answers whether a process is currently running.
type LivenessChecker interface {
	Running(ctx context.Context) (bool, error)
}

// probeTimeout bounds a single probe command.
const probeTimeout = 10 * time.Second

// CommandProbe runs the configured liveness probe command.
type CommandProbe struct {
	runner CommandRunner
	cmd    command.Command
	match  string
}

// NewCommandProbe expands the probe for the target described by dc.
func NewCommandProbe(runner CommandRunner, dc domain.DeploymentConfig) *CommandProbe {
	values := dc.Placeholders()

	cmd := dc.Probe.Command.WithPlaceholders(values)
	cmd.Kind = command.KindProbe
	cmd.Quiet = true
	if cmd.Timeout == 0 {
		cmd.Timeout = probeTimeout
	}

	return &CommandProbe{
		runner: runner,
		cmd:    cmd,
		match:  command.ExpandPlaceholders(dc.Probe.MatchOutput, values),
	}
}

// ForProcess returns a probe for a different process name using the same
// probe template, e.g. the build tool watched by the monitor.
func ForProcess(runner CommandRunner, dc domain.DeploymentConfig, name string) *CommandProbe {
	dc.ProcessName = name
	dc.ProcessPattern = name
	return NewCommandProbe(runner, dc)
}

// Running implements LivenessChecker.
func (p *CommandProbe) Running(ctx context.Context) (bool, error) {
	res := p.runner.Run(ctx, p.cmd)

	if p.match != "" {
		// Output-matching probes (tasklist) exit 0 whether or not the
		// process exists.
		if res.ExitCode < 0 {
			return false, fmt.Errorf("%w: %s", ErrProbeFailed, res.Describe())
		}
		needle := strings.ToLower(p.match)
		for _, line := range res.Output {
			if strings.Contains(strings.ToLower(line), needle) {
				return true, nil
			}
		}
		return false, nil
	}

	// Exit-code probes (pgrep): 0 found, 1 not found.
	switch {
	case res.ExitCode == 0:
		return true, nil
	case res.ExitCode == 1:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrProbeFailed, res.Describe())
	}
}
