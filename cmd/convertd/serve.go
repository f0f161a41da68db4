package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/polisai/sigma-convertd/pkg/api"
	"github.com/polisai/sigma-convertd/pkg/registry"
	"github.com/polisai/sigma-convertd/pkg/telemetry"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the conversion HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Address = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&addr, "listen", "a", "", "Listen address, overrides server.address")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.logger

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Endpoint:     cfg.Telemetry.OTLPEndpoint,
		Environment:  cfg.Telemetry.Environment,
		Insecure:     cfg.Telemetry.Insecure,
		Headers:      cfg.Telemetry.Headers,
		ResourceTags: cfg.Telemetry.ResourceTags,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("Failed to flush telemetry", "error", err)
		}
	}()

	metrics := api.NewMetrics()
	rt, err := buildRuntime(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}

	rt.registry.OnRefresh(func(snap *registry.Snapshot) {
		versions := snap.Versions()
		metrics.SetRegistryState(len(versions), snap.Generation)
		logger.Info("Engine registry loaded", "generation", snap.Generation, "versions", versions)
	})

	if cfg.Engines.Watch {
		go func() {
			if err := rt.registry.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Engine registry watch stopped", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server, rt.dispatcher, metrics, logger.With("component", "api"))
	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error("Server error", "error", err)
		return err
	}

	logger.Info("convertd stopped")
	return nil
}
