package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repro_market/pkg/api"
	"repro_market/pkg/scheduler"
	"repro_market/pkg/security"
	"repro_market/pkg/utils"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry scheduler and the event broadcaster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx, cfg, logger, true)
			if err != nil {
				return fmt.Errorf("initializing application: %w", err)
			}
			if app.broadcaster != nil {
				logger.Info("P2P broadcaster listening",
					zap.String("peerID", app.broadcaster.ID().String()),
					zap.Any("addrs", app.broadcaster.Addrs()))
			}

			tokens, err := security.NewTokenManager(cfg.Security)
			if err != nil {
				app.stop(context.Background())
				return fmt.Errorf("creating token manager: %w", err)
			}

			var sched *scheduler.Scheduler
			if cfg.Scheduler.Enabled {
				sched, err = scheduler.NewScheduler(&cfg.Scheduler, logger)
				if err == nil {
					err = sched.ScheduleTask(scheduler.NewExpiryTask(app.market, &cfg.Scheduler, logger))
				}
				if err != nil {
					app.stop(context.Background())
					return fmt.Errorf("creating scheduler: %w", err)
				}
				if err := sched.Start(); err != nil {
					app.stop(context.Background())
					return fmt.Errorf("starting scheduler: %w", err)
				}
			}

			server, err := api.NewServer(app.market, tokens, cfg.API, logger)
			if err != nil {
				app.stop(context.Background())
				return fmt.Errorf("creating api server: %w", err)
			}

			serveErr := make(chan error, 1)
			utils.SafeGo(logger, func() { serveErr <- server.Start() })
			rotateLogsOnHangup(ctx, cfg.Log.OutputPath, logger)

			select {
			case <-ctx.Done():
				logger.Info("Received shutdown signal")
			case err = <-serveErr:
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
			defer cancel()

			if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Error("Error stopping api server", zap.Error(shutdownErr))
			}
			if sched != nil {
				if stopErr := sched.Stop(); stopErr != nil {
					logger.Error("Error stopping scheduler", zap.Error(stopErr))
				}
			}
			app.stop(shutdownCtx)

			logger.Info("All services stopped")
			return err
		},
	}
}

// rotateLogsOnHangup rotates the log file on each SIGHUP until ctx is done.
func rotateLogsOnHangup(ctx context.Context, outputPath string, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	utils.SafeGo(logger, func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := utils.RotateLogs(outputPath); err != nil {
					logger.Error("Failed to rotate logs", zap.Error(err))
					continue
				}
				logger.Info("Rotated log file", zap.String("path", outputPath))
			}
		}
	})
}
