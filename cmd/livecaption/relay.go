package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nadzzz/livecaption/internal/health"
	"github.com/nadzzz/livecaption/internal/relay"
)

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Host caption rooms over WebSocket, HTTP and gRPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logOut, err := loadConfig(cmd, map[string]string{
				"relay.http_port":   "http-port",
				"relay.grpc_port":   "grpc-port",
				"relay.health_port": "health-port",
			})
			if err != nil {
				return err
			}
			defer logOut.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			hub := relay.NewHub()
			httpServer := relay.NewHTTPServer(hub, cfg.Relay.HTTPPort)
			grpcServer := relay.NewGRPCServer(hub, cfg.Relay.GRPCPort)

			healthServer := health.New(cfg.Relay.HealthPort)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return httpServer.Listen(gctx) })
			g.Go(func() error { return grpcServer.Listen(gctx) })
			g.Go(func() error { return healthServer.ListenAndServe(gctx) })

			healthServer.SetReady(true)
			slog.Info("relay ready",
				"http_port", cfg.Relay.HTTPPort,
				"grpc_port", cfg.Relay.GRPCPort,
				"health_port", cfg.Relay.HealthPort)

			err = g.Wait()
			slog.Info("relay stopped")
			return err
		},
	}
	cmd.Flags().Int("http-port", 0, "WebSocket and REST port (default from config)")
	cmd.Flags().Int("grpc-port", 0, "gRPC port (default from config)")
	cmd.Flags().Int("health-port", 0, "health check port (default from config)")
	return cmd
}
