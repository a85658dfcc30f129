package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wmsfield/devosync/internal/dashboard"
	"github.com/wmsfield/devosync/internal/sync"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon",
	Long: `Run the long-lived sync daemon.

The daemon watches connectivity with an HTTP probe against the API, schedules
sync runs (debounced on network recovery, periodic while online) and serves
the diagnostics dashboard:

  ws://localhost:<port>/ws       record changes and sync summaries
  http://localhost:<port>/status joined per-demand breakdown

Stop with Ctrl+C; shutdown checkpoints the database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		coordinator := sync.NewCoordinator(a.engine, cfg.Sync.Debounce, cfg.Sync.Interval, logger)
		monitor := sync.NewProbeMonitor(cfg.ProbeURLOrDefault(), cfg.Sync.ProbeInterval, logger)

		g, ctx := errgroup.WithContext(ctx)

		if cfg.Dashboard.Enabled {
			server := dashboard.NewServer(cfg.Dashboard.Port, a.stores, logger)
			coordinator.OnSummary(server.PublishSummary)
			if err := server.Start(); err != nil {
				return err
			}
			g.Go(func() error {
				server.WatchBus(ctx, a.stores.Bus)
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				return server.Stop()
			})
		}

		g.Go(func() error {
			return monitor.Run(ctx)
		})
		g.Go(func() error {
			return coordinator.Start(ctx, monitor.Events())
		})

		logger.Info().
			Str("db", cfg.Database.Path).
			Str("api", cfg.API.BaseURL).
			Msg("daemon started")

		if err := g.Wait(); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}
