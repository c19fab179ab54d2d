// Package command defines the value types exchanged with the command runner.
//
// This package contains pure types and functions with no I/O - following
// ADR-002. The runner in internal/shell/runner executes a Command and hands
// the raw Result back here for semantic post-validation.
package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout applies to any command that does not set its own timeout.
// Builds routinely take many minutes, so the default is generous.
const DefaultTimeout = time.Hour

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrCommandFailed is set when the command exits non-zero or cannot start.
	ErrCommandFailed = errors.New("command failed")

	// ErrCommandTimeout is set when the command outlives its timeout.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrNoOpSuccess is set when a command exits zero but its own report
	// shows it did no work.
	ErrNoOpSuccess = errors.New("command reported success but did nothing")

	// ErrEmptyCommand is set when neither argv nor a shell line is given.
	ErrEmptyCommand = errors.New("command is empty")
)

// =============================================================================
// Command
// =============================================================================

// Kind classifies commands so validators can be attached per kind.
type Kind string

const (
	KindGeneric   Kind = "generic"
	KindConfigure Kind = "configure"
	KindBuild     Kind = "build"
	KindCopy      Kind = "copy"
	KindTerminate Kind = "terminate"
	KindProbe     Kind = "probe"
	KindLaunch    Kind = "launch"
)

// Command describes one external process invocation.
type Command struct {
	// Args is the argv form. Ignored when Shell is true.
	Args []string `yaml:"args,omitempty"`
	// Line is the shell form, run through the platform shell when Shell is true.
	Line  string `yaml:"line,omitempty"`
	Shell bool   `yaml:"shell,omitempty"`

	Env     map[string]string `yaml:"env,omitempty"` // Overlay on top of the parent environment
	Dir     string            `yaml:"dir,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"` // 0 means DefaultTimeout
	Kind    Kind              `yaml:"kind,omitempty"`

	// Quiet suppresses console streaming; output is still captured.
	Quiet bool `yaml:"quiet,omitempty"`
}

// NewArgs creates an argv command of the given kind.
func NewArgs(kind Kind, args ...string) Command {
	return Command{Args: args, Kind: kind}
}

// NewShell creates a shell-line command of the given kind.
func NewShell(kind Kind, line string) Command {
	return Command{Line: line, Shell: true, Kind: kind}
}

// EffectiveTimeout returns the timeout the runner must enforce.
func (c Command) EffectiveTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// EffectiveKind returns the kind, defaulting to KindGeneric.
func (c Command) EffectiveKind() Kind {
	if c.Kind == "" {
		return KindGeneric
	}
	return c.Kind
}

// IsEmpty reports whether there is nothing to run.
func (c Command) IsEmpty() bool {
	if c.Shell {
		return strings.TrimSpace(c.Line) == ""
	}
	return len(c.Args) == 0 || strings.TrimSpace(c.Args[0]) == ""
}

// String renders the command for logs and diagnostics.
func (c Command) String() string {
	if c.Shell {
		return c.Line
	}
	return strings.Join(c.Args, " ")
}

// EnvList renders the overlay as sorted KEY=VALUE pairs.
func (c Command) EnvList() []string {
	if len(c.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// WithPlaceholders returns a copy with every {key} in Args and Line replaced.
func (c Command) WithPlaceholders(values map[string]string) Command {
	out := c
	if len(c.Args) > 0 {
		out.Args = make([]string, len(c.Args))
		for i, a := range c.Args {
			out.Args[i] = ExpandPlaceholders(a, values)
		}
	}
	out.Line = ExpandPlaceholders(c.Line, values)
	return out
}

// ExpandPlaceholders replaces every {key} in s with values[key].
func ExpandPlaceholders(s string, values map[string]string) string {
	if s == "" || len(values) == 0 {
		return s
	}
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

// =============================================================================
// Result
// =============================================================================

// Result is the outcome of running a Command.
type Result struct {
	Success  bool
	Output   []string // Merged stdout/stderr, in arrival order
	ExitCode int      // -1 when the process never exited on its own
	Elapsed  time.Duration
	TimedOut bool
	Err      error // Classified failure; nil when Success
}

// Failed builds a failed result wrapping err.
func Failed(err error, exitCode int, output []string, elapsed time.Duration) Result {
	return Result{
		Success:  false,
		Output:   output,
		ExitCode: exitCode,
		Elapsed:  elapsed,
		Err:      err,
	}
}

// CombinedOutput joins the captured lines.
func (r Result) CombinedOutput() string {
	return strings.Join(r.Output, "\n")
}

// Tail returns the last n captured lines.
func (r Result) Tail(n int) []string {
	if n <= 0 || len(r.Output) <= n {
		return r.Output
	}
	return r.Output[len(r.Output)-n:]
}

// Describe summarises the failure for diagnostics.
func (r Result) Describe() string {
	switch {
	case r.Success:
		return fmt.Sprintf("succeeded in %s", r.Elapsed.Round(time.Millisecond))
	case r.TimedOut:
		return fmt.Sprintf("timed out after %s", r.Elapsed.Round(time.Second))
	case r.Err != nil:
		return fmt.Sprintf("%v (exit code %d)", r.Err, r.ExitCode)
	default:
		return fmt.Sprintf("failed with exit code %d", r.ExitCode)
	}
}
