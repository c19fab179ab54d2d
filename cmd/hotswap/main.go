package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/hotswap/internal/core/domain"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error

	// quiet is set when the details were already written.
	quiet bool
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func withExit(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:]))
}

func run(ctx context.Context, args []string) int {
	root := newRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return domain.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.quiet {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return domain.ExitConfig
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "hotswap",
		Short:         "Rebuild, reinstall and relaunch a plugin inside its running host application",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (YAML or JSON)")

	load := func() (*app, error) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return nil, withExit(domain.ExitConfig, err)
		}
		logger := SetupLogger(cfg, os.Stderr)
		a, err := newApp(cfg, logger, os.Stdout)
		if err != nil {
			return nil, withExit(domain.ExitConfig, err)
		}
		return a, nil
	}

	root.AddCommand(
		newDeployCommand(load),
		newStopCommand(load),
		newProbeCommand(load),
		newBuildStatusCommand(load),
		newHistoryCommand(load),
		newVersionCommand(),
	)

	// Bare "hotswap" deploys.
	deploy := newDeployCommand(load)
	root.RunE = deploy.RunE
	root.Flags().AddFlagSet(deploy.Flags())

	return root
}
