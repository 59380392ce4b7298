package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/gridjobs/engine/pkg/engine"
	"github.com/gridjobs/engine/pkg/k8s/client"
	"github.com/gridjobs/engine/pkg/server"
)

// readyPollInterval is how often the controller checks whether its caches synced.
const readyPollInterval = 250 * time.Millisecond

// runner is the part of the engine the controller command drives.
type runner interface {
	Run(ctx context.Context) error
	Ready() bool
}

var errNotSynced = errors.New("informer caches not synced")

func controllerCmd() *cli.Command {
	return &cli.Command{
		Name:  "controller",
		Usage: "Run the reconciliation controller",
		Description: `Watches job records and their native workloads and drives every job
toward the state its record describes. Serves /health, /ready and /metrics
on the probe address.

Under systemd the controller reports readiness with sd_notify once its
caches are synced.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "probe-address",
				Usage: "Listen address for the health, readiness and metrics endpoints",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr := cmd.String("probe-address"); addr != "" {
				cfg.ProbeAddress = addr
			}

			clients, err := client.BuildClients(cfg.Kubeconfig)
			if err != nil {
				return fmt.Errorf("failed to build kubernetes clients: %w", err)
			}

			eng := engine.New(cfg, clients.Kube, clients.Dynamic)

			srvCfg := server.DefaultConfig()
			srvCfg.Address = cfg.ProbeAddress
			srv := server.New(
				server.WithName(name, version),
				server.WithConfig(srvCfg),
				server.WithReadinessCheck("reconciler", func(context.Context) error {
					if !eng.Ready() {
						return errNotSynced
					}
					return nil
				}),
				server.WithReadinessCheck("apiserver", func(context.Context) error {
					_, err := clients.Kube.Discovery().ServerVersion()
					return err
				}),
			)

			slog.Info("starting controller",
				slog.String("probe_address", cfg.ProbeAddress),
				slog.String("namespace_prefix", cfg.NamespacePrefix),
				slog.Int("workers", cfg.Reconciler.Workers))

			return runController(ctx, eng, srv)
		},
	}
}

// runController runs the engine and the probe server until ctx is canceled
// or either fails. Readiness is announced once the engine reports ready.
func runController(ctx context.Context, eng runner, srv *server.Server) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(ctx)
	})

	g.Go(func() error {
		return srv.Run(ctx)
	})

	g.Go(func() error {
		err := wait.PollUntilContextCancel(ctx, readyPollInterval, true, func(context.Context) (bool, error) {
			return eng.Ready(), nil
		})
		if err != nil {
			// Shutdown before the caches synced.
			return nil
		}
		srv.SetReady(true)
		notifyReady()
		slog.Info("controller ready")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("controller stopped")
	return nil
}

// notifyReady tells systemd the service is up. Outside systemd it does nothing.
func notifyReady() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("failed to notify systemd", "error", err)
		return
	}
	if sent {
		slog.Debug("notified systemd of readiness")
	}
}
