package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/dittogw/internal/logger"
	"github.com/marmos91/dittogw/pkg/config"
	"github.com/marmos91/dittogw/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func startCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the gateway",
		Long: `Run the gateway until SIGINT or SIGTERM, then drain connections
within gateway.shutdown_timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	return cmd
}

func run(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	defer logger.Sync()

	inbound, outbound, err := config.CreateHandlers(&cfg.Handlers)
	if err != nil {
		return err
	}

	var srv *server.Server
	healthy := func() bool {
		return srv != nil && srv.State() == server.StateRunning
	}

	metricsResult := config.InitializeMetrics(cfg, healthy)

	srv, err = server.New(cfg.Gateway, inbound, outbound, server.WithMetrics(metricsResult.GatewayMetrics))
	if err != nil {
		return err
	}

	logger.Info("dittogw %s starting (pid %d)", version, os.Getpid())
	logger.Info("Handlers: inbound=%s outbound=%s", cfg.Handlers.Inbound.Type, cfg.Handlers.Outbound.Type)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// Whichever component stops first takes the other down with it.
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return srv.Serve(runCtx)
	})

	if metricsResult.Server != nil {
		g.Go(func() error {
			defer cancel()
			return metricsResult.Server.Start(runCtx)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("dittogw stopped with error: %v", err)
		return err
	}

	logger.Info("dittogw stopped")
	return nil
}
