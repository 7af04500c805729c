package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/deployguard/internal/coordinator"
	"github.com/nholik/deployguard/internal/notify"
	"github.com/nholik/deployguard/internal/state"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run health reconciliation, zombie detection, notifications and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			logger.Info().Str("version", version).Msg("deployguard starting")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error().Err(err).Msg("shutdown failed")
				}
			}()

			notifier, err := notify.FromConfig(logger, cfg)
			if err != nil {
				return err
			}
			sink := notify.NewSink(logger.With().Str("component", "notify").Logger(), notifier, 0)
			a.bus.Subscribe(sink)

			var stateStore state.Store = state.NewMemoryStore()
			if cfg.StatePath != "" {
				stateStore = state.NewFileStore(cfg.StatePath, logger)
			}

			coord := a.newCoordinator(cfg, stateStore, coordinator.WithService("notify", sink))
			if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info().Msg("deployguard stopped")
			return nil
		},
	}
}
