package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ganger-platform/aigateway/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve usage, catalog, safety and audit tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(cfg.Log)
			rt, err := openRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			opts := []mcp.Option{
				mcp.WithTracker(rt.tracker),
				mcp.WithVersion(version),
				mcp.WithLogger(logger),
			}
			if rt.cache != nil {
				opts = append(opts, mcp.WithCache(rt.cache))
			}
			if rt.audit != nil {
				opts = append(opts, mcp.WithAudit(rt.audit))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := mcp.New(rt.gw, opts...)
			return srv.Run(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
