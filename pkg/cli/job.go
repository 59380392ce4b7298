package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/gridjobs/engine/pkg/engine"
	"github.com/gridjobs/engine/pkg/validator"
)

func jobCmd() *cli.Command {
	return &cli.Command{
		Name:                  "job",
		EnableShellCompletion: true,
		Usage:                 "Create, inspect and remove jobs",
		Description: `Manages jobs stored in the cluster. Commands act on the job records
directly; the controller picks up every change and drives the native
workloads.

Jobs are addressed as owner/name, for example alice/backup.`,
		Commands: []*cli.Command{
			jobCreateCmd(),
			jobGetCmd(),
			jobListCmd(),
			jobDeleteCmd(),
			jobRestartCmd(),
			jobFlushCmd(),
			jobLogsCmd(),
			jobQuotaCmd(),
		},
	}
}

// withEngine loads configuration, builds the engine and runs fn with it.
func withEngine(ctx context.Context, cmd *cli.Command, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eng, err := newEngine(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	return fn(ctx, eng)
}

func jobCreateCmd() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Submit a new job",
		Description: `Reads a job request in YAML or JSON and submits it. The request is
validated and checked against the owner's quota before it is stored.

Example request:

  name: backup
  command: ./backup.sh
  image: python:3.11
  schedule: "0 3 * * *"
  cpu: 500m
  memory: 512Mi`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Required: true,
				Usage:    "Path to the job request, or - for stdin",
			},
			ownerFlag(),
			outputFlag(),
			formatFlag(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			data, err := readRequest(cmd.String("file"))
			if err != nil {
				return err
			}
			raw, err := validator.ParseRaw(data)
			if err != nil {
				return err
			}

			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				rec, err := eng.CreateJob(ctx, cmd.String("owner"), raw)
				if err != nil {
					return err
				}
				slog.Info("job submitted", "job", rec.ID.String(), "type", rec.Spec.Variant)
				return write(ctx, cmd, newJobView(rec))
			})
		},
	}
}

func jobGetCmd() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one job",
		ArgsUsage: "OWNER/NAME",
		Flags:     []cli.Flag{outputFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				rec, err := eng.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return write(ctx, cmd, newJobView(rec))
			})
		},
	}
}

func jobListCmd() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List an owner's jobs",
		Flags: []cli.Flag{ownerFlag(), outputFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				recs, err := eng.ListJobs(ctx, cmd.String("owner"))
				if err != nil {
					return err
				}
				return write(ctx, cmd, newJobTable(recs))
			})
		},
	}
}

func jobDeleteCmd() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Delete a job and its workloads",
		ArgsUsage: "OWNER/NAME",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.DeleteJob(ctx, id); err != nil {
					return err
				}
				slog.Info("job marked for deletion", "job", id.String())
				return nil
			})
		},
	}
}

func jobRestartCmd() *cli.Command {
	return &cli.Command{
		Name:      "restart",
		Usage:     "Restart a running job",
		ArgsUsage: "OWNER/NAME",
		Description: `Rolls the pods of a continuous job, or starts an immediate run of a
scheduled job. One-off jobs cannot be restarted; submit them again instead.`,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.RestartJob(ctx, id); err != nil {
					return err
				}
				slog.Info("job restarted", "job", id.String())
				return nil
			})
		},
	}
}

func jobFlushCmd() *cli.Command {
	return &cli.Command{
		Name:  "flush",
		Usage: "Delete every job of an owner",
		Flags: []cli.Flag{ownerFlag(), outputFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			owner := cmd.String("owner")
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.FlushJobs(ctx, owner)
				if err != nil {
					return err
				}
				return write(ctx, cmd, flushResult{Owner: owner, Flushed: n})
			})
		},
	}
}

func jobLogsCmd() *cli.Command {
	return &cli.Command{
		Name:      "logs",
		Usage:     "Show where a job's logs can be read",
		ArgsUsage: "OWNER/NAME",
		Description: `Prints the namespace, pod and container holding the job's most recent
output, suitable for kubectl logs.`,
		Flags: []cli.Flag{outputFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id, err := parseJobID(cmd)
			if err != nil {
				return err
			}
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				coords, err := eng.LocateLogs(ctx, id)
				if err != nil {
					return err
				}
				return write(ctx, cmd, coords)
			})
		},
	}
}

func jobQuotaCmd() *cli.Command {
	return &cli.Command{
		Name:  "quota",
		Usage: "Show an owner's quota usage and ceilings",
		Flags: []cli.Flag{ownerFlag(), outputFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withEngine(ctx, cmd, func(ctx context.Context, eng *engine.Engine) error {
				report, err := eng.Quota(ctx, cmd.String("owner"))
				if err != nil {
					return err
				}
				return write(ctx, cmd, report)
			})
		},
	}
}

func readRequest(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read job request from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job request %q: %w", path, err)
	}
	return data, nil
}
