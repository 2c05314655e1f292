package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"gridstore/pkg/agent"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serverCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run a gridstore server",
		Long: `Start a server that resolves data requests, forwards them to the server
owning the chosen resource, and serves catalog requests when its role is
provider.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}

			logger := setupLogger(cfg.Logging)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := agent.FromConfig(ctx, cfg, logger)
			if err != nil {
				return err
			}

			lis, err := net.Listen("tcp", cfg.Server.Address)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address, err)
			}

			metricsAddr := ""
			if cfg.Metrics.Enabled {
				metricsAddr = cfg.Metrics.Address
			}

			go func() {
				<-ctx.Done()
				logger.Info("Shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				if err := a.Stop(shutdownCtx); err != nil {
					logger.Error("Shutdown finished with errors", zap.Error(err))
				}
			}()

			logger.Info("Starting server",
				zap.String("name", cfg.Server.Name),
				zap.String("host", cfg.Server.Host),
				zap.String("zone", cfg.Server.Zone),
				zap.String("role", cfg.Server.Role),
				zap.String("catalog", cfg.Catalog.Type),
				zap.Int("resources", a.Tree().Len()))

			return a.Start(lis, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gRPC listen address (overrides server.address)")
	return cmd
}
