package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/gridjobs/engine/pkg/logging"
)

const name = "gridjobs"

var (
	// overridden during build with ldflags
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitCanceled = 2
)

func newRootCmd() *cli.Command {
	return &cli.Command{
		Name:                  name,
		Usage:                 "Manage jobs and run the job controller",
		Version:               fmt.Sprintf("%s (commit: %s, date: %s)", version, commit, date),
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			configFlag(),
			kubeconfigFlag(),
			logLevelFlag(),
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logging.SetDefaultStructuredLoggerWithLevel(name, version, cmd.String("log-level"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			controllerCmd(),
			jobCmd(),
		},
		CommandNotFound: func(ctx context.Context, cmd *cli.Command, command string) {
			fmt.Fprintf(cmd.Root().ErrWriter, "unknown command %q\n\n", command)
			commandLister(ctx, cmd)
		},
	}
}

// commandLister prints the visible subcommands of cmd.
func commandLister(_ context.Context, cmd *cli.Command) {
	if cmd == nil {
		return
	}
	w := cmd.Root().ErrWriter
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintln(w, "Available commands:")
	for _, c := range cmd.Commands {
		if c.Hidden {
			continue
		}
		fmt.Fprintf(w, "  %-12s %s\n", c.Name, c.Usage)
	}
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	err := newRootCmd().Run(ctx, args)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintln(os.Stderr, "interrupted:", err)
		return ExitCanceled
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return ExitError
	}
}
