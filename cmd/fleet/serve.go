package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucid-vigil/fleet/pkg/api"
	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the HTTP API",
	Long: `Serve schedules every enabled adapter, merges the devices they report
and serves the inventory on the configured API port until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	log.Info().Msg("Fleet starting...")
	log.Info().Msgf("Configuration loaded: LogLevel=%s, APIPort=%s, Adapters=%d", cfg.LogLevel, cfg.APIPort, len(cfg.Adapters))

	// Create a context that is cancelled on SIGINT or SIGTERM
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// the bus outlives ctx so that Stop can drain it
	a.bus.Start(context.Background())
	defer a.bus.Stop()

	a.registerAdapters(ctx)

	server := api.NewServer(api.Deps{
		Store:     a.store,
		Scheduler: a.scheduler,
		Actions:   a.dispatcher,
		Bus:       a.bus,
	}, log.Logger)
	server.SetAdapters(cfg.Adapters, a.runnerList())

	go func() {
		if err := server.Start(cfg.APIPort); err != nil {
			log.Error().Err(err).Msg("API server failed")
			stop()
		}
	}()

	if cfg.File != "" {
		watcher, err := config.NewWatcher(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Config reload disabled")
		} else {
			watcher.OnReload(func(oldCfg, newCfg *config.Config) error {
				if err := a.reload(ctx, oldCfg, newCfg); err != nil {
					return err
				}
				server.SetAdapters(newCfg.Adapters, a.runnerList())
				return nil
			})
			if err := watcher.Start(); err != nil {
				log.Warn().Err(err).Msg("Config reload disabled")
			} else {
				defer watcher.Stop()
			}
		}
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Scheduler did not stop cleanly")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server did not stop cleanly")
	}

	log.Info().Msg("Fleet stopped.")
	return nil
}
