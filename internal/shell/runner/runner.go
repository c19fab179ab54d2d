// Package runner executes external commands for the pipeline. Output is
// merged, streamed line by line to the console as it arrives and captured
// for diagnostics. Every run is bounded by the command's timeout, which
// fires even when the child is hung and silent.
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/artpar/hotswap/internal/core/command"
	"github.com/artpar/hotswap/internal/poll"
)

// Observer receives every finished result. Used for metrics.
type Observer interface {
	ObserveCommand(kind command.Kind, res command.Result)
}

// Config configures the runner.
type Config struct {
	// Out receives streamed output. Default: os.Stdout.
	Out io.Writer

	// Prefix is written before every streamed line. Default: "  | ".
	Prefix string

	// DrainGrace bounds how long to keep reading after the child exits,
	// since grandchildren can hold the output pipe open.
	// Default: 2 seconds.
	DrainGrace time.Duration

	// MaxLineBytes caps a single output line. Default: 1 MiB.
	MaxLineBytes int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Out:          os.Stdout,
		Prefix:       "  | ",
		DrainGrace:   2 * time.Second,
		MaxLineBytes: 1 << 20,
	}
}

// Runner runs commands. It holds no per-run state, so concurrent calls are
// safe; the build monitor's quiet probes run alongside the build.
type Runner struct {
	config     Config
	validators *command.Validators
	observer   Observer
	logger     *slog.Logger
}

// New creates a runner. A nil validators registry means
// command.DefaultValidators().
func New(config Config, validators *command.Validators, observer Observer, logger *slog.Logger) *Runner {
	if config.Out == nil {
		config.Out = os.Stdout
	}
	if config.Prefix == "" {
		config.Prefix = "  | "
	}
	if config.DrainGrace == 0 {
		config.DrainGrace = 2 * time.Second
	}
	if config.MaxLineBytes == 0 {
		config.MaxLineBytes = 1 << 20
	}
	if validators == nil {
		validators = command.DefaultValidators()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		config:     config,
		validators: validators,
		observer:   observer,
		logger:     logger.With("component", "runner"),
	}
}

// Run executes cmd and returns its classified result. It never returns an
// error value; failures are carried in Result.Err.
func (r *Runner) Run(ctx context.Context, cmd command.Command) command.Result {
	res := r.run(ctx, cmd)
	res = r.validators.Apply(cmd, res)
	if !res.Success && !errors.Is(res.Err, command.ErrCommandFailed) {
		res.Err = fmt.Errorf("%w: %w", command.ErrCommandFailed, res.Err)
	}

	logger := r.logger.With("command", cmd.String(), "kind", cmd.EffectiveKind())
	switch {
	case res.Success:
		logger.Debug("command succeeded", "elapsed", res.Elapsed)
	case cmd.Quiet:
		logger.Debug("command failed", "error", res.Err, "exit_code", res.ExitCode)
	default:
		logger.Warn("command failed",
			"error", res.Err,
			"exit_code", res.ExitCode,
			"timed_out", res.TimedOut,
			"elapsed", res.Elapsed,
		)
	}

	if r.observer != nil {
		r.observer.ObserveCommand(cmd.EffectiveKind(), res)
	}
	return res
}

func (r *Runner) run(ctx context.Context, cmd command.Command) command.Result {
	if cmd.IsEmpty() {
		return command.Failed(command.ErrEmptyCommand, -1, nil, 0)
	}

	timeout := cmd.EffectiveTimeout()
	deadline := poll.Start(timeout)
	runCtx, cancel := deadline.Context(ctx)
	defer cancel()

	c := buildCmd(runCtx, cmd)
	c.Dir = cmd.Dir
	if env := cmd.EnvList(); env != nil {
		c.Env = append(os.Environ(), env...)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return command.Failed(fmt.Errorf("%w: create pipe: %v", command.ErrCommandFailed, err), -1, nil, 0)
	}
	c.Stdin = nil
	c.Stdout = pw
	c.Stderr = pw
	configureProcess(c)
	c.WaitDelay = r.config.DrainGrace

	r.logger.Debug("starting command", "command", cmd.String(), "dir", cmd.Dir, "timeout", timeout)

	if err := c.Start(); err != nil {
		pw.Close()
		pr.Close()
		return command.Failed(fmt.Errorf("%w: start: %v", command.ErrCommandFailed, err), -1, nil, deadline.Elapsed())
	}
	// The child holds its own copy of the write end.
	pw.Close()

	capture := &lineCapture{}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		r.stream(pr, cmd, capture)
	}()

	waitErr := c.Wait()

	select {
	case <-readDone:
	case <-time.After(r.config.DrainGrace):
		r.logger.Debug("output still open after exit, closing", "command", cmd.String())
		pr.Close()
		<-readDone
	}
	pr.Close()

	output := capture.lines()
	elapsed := deadline.Elapsed()

	switch {
	case ctx.Err() != nil:
		return command.Failed(fmt.Errorf("%w: %w", command.ErrCommandFailed, ctx.Err()), -1, output, elapsed)

	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res := command.Failed(
			fmt.Errorf("%w: %w after %s", command.ErrCommandFailed, command.ErrCommandTimeout, timeout),
			-1, output, elapsed,
		)
		res.TimedOut = true
		return res

	case waitErr != nil:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return command.Failed(fmt.Errorf("%w: exit code %d", command.ErrCommandFailed, code), code, output, elapsed)
	}

	return command.Result{
		Success:  true,
		Output:   output,
		ExitCode: 0,
		Elapsed:  elapsed,
	}
}

// stream copies lines from rd to the console and the capture as they arrive.
func (r *Runner) stream(rd io.Reader, cmd command.Command, capture *lineCapture) {
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), r.config.MaxLineBytes)

	for scanner.Scan() {
		line := scanner.Text()
		capture.add(line)
		if !cmd.Quiet {
			fmt.Fprintln(r.config.Out, r.config.Prefix+line)
		}
		r.logger.Debug("output", "kind", cmd.EffectiveKind(), "line", line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		r.logger.Debug("output stream ended", "error", err)
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, rd)
	}
}

// lineCapture is the append-only output list shared with the reader.
type lineCapture struct {
	mu  sync.Mutex
	buf []string
}

func (l *lineCapture) add(line string) {
	l.mu.Lock()
	l.buf = append(l.buf, line)
	l.mu.Unlock()
}

func (l *lineCapture) lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.buf...)
}
