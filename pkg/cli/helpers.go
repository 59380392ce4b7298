package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/gridjobs/engine/pkg/config"
	"github.com/gridjobs/engine/pkg/engine"
	"github.com/gridjobs/engine/pkg/job"
	"github.com/gridjobs/engine/pkg/k8s/client"
	"github.com/gridjobs/engine/pkg/serializer"
)

// Flags carry parsed state, so each command gets its own instances.

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the engine configuration file",
		Sources: cli.EnvVars(config.EnvConfigFile),
	}
}

func kubeconfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "kubeconfig",
		Aliases: []string{"k"},
		Usage:   "Path to kubeconfig file (overrides KUBECONFIG env and default ~/.kube/config)",
	}
}

func logLevelFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "log-level",
		Usage:   "Log level (debug, info, warn, error)",
		Sources: cli.EnvVars(config.EnvLogLevel),
		Value:   "info",
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Usage:   "Output file path (default: stdout)",
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"t"},
		Value:   string(serializer.FormatTable),
		Usage:   fmt.Sprintf("Output format (%s)", strings.Join(serializer.SupportedFormats(), ", ")),
	}
}

func ownerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "owner",
		Aliases:  []string{"u"},
		Required: true,
		Usage:    "Tool account that owns the jobs",
		Sources:  cli.EnvVars("GRIDJOBS_OWNER"),
	}
}

// newEngine builds the engine used by job commands. Tests replace it.
var newEngine = func(cfg *config.Config) (*engine.Engine, error) {
	clients, err := client.BuildClients(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}
	return engine.New(cfg, clients.Kube, clients.Dynamic), nil
}

// parseOutputFormat extracts and validates the output format from CLI flags.
// Returns the validated format or an error if the format is unknown.
func parseOutputFormat(cmd *cli.Command) (serializer.Format, error) {
	outFormat := serializer.Format(cmd.String("format"))
	if outFormat.IsUnknown() {
		return "", fmt.Errorf("unknown output format: %q, valid formats are: %s",
			outFormat, strings.Join(serializer.SupportedFormats(), ", "))
	}
	return outFormat, nil
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if kc := cmd.String("kubeconfig"); kc != "" {
		cfg.Kubeconfig = kc
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	return cfg, nil
}

// parseJobID reads the owner/name argument at position 0.
func parseJobID(cmd *cli.Command) (job.ID, error) {
	if cmd.Args().Len() != 1 {
		return job.ID{}, fmt.Errorf("expected exactly one job id (owner/name), got %d arguments", cmd.Args().Len())
	}
	return job.ParseID(cmd.Args().First())
}

// write serializes data to the --output destination in the --format encoding.
func write(ctx context.Context, cmd *cli.Command, data any) error {
	format, err := parseOutputFormat(cmd)
	if err != nil {
		return err
	}

	ser, err := serializer.NewFileWriterOrStdout(format, cmd.String("output"))
	if err != nil {
		return err
	}
	if c, ok := ser.(serializer.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("failed to close serializer", "error", err)
			}
		}()
	}
	return ser.Serialize(ctx, data)
}
