package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ganger-platform/aigateway/pkg/api"
	"github.com/ganger-platform/aigateway/pkg/gateway"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger := newLogger(cfg.Log)
			slog.SetDefault(logger)

			rt, err := openRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("starting aigateway",
				"version", version,
				"ledger", cfg.Ledger.Backend,
				"auth", cfg.Auth.JWTSecret != "",
				"cache", cfg.Cache.Enabled)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return api.New(cfg, rt.gw, logger).ListenAndServe(gctx)
			})
			g.Go(func() error {
				return rt.gw.Emergency().Run(gctx, cfg.Emergency.MonitorInterval)
			})
			g.Go(func() error {
				return runMaintenance(gctx, cfg.Ledger.PruneSchedule, rt.gw, logger)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}

// runMaintenance prunes expired ledger windows, cache entries and usage
// events on schedule until ctx ends.
func runMaintenance(ctx context.Context, schedule string, gw *gateway.Gateway, logger *slog.Logger) error {
	if schedule == "" {
		<-ctx.Done()
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := gw.Maintain(ctx); err != nil {
			logger.Error("maintenance failed", "error", err)
			return
		}
		logger.Debug("maintenance complete")
	})
	if err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", schedule, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
