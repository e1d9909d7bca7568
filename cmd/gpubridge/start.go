package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/axonlabs/gpu-bridge/internal/config"
	"github.com/axonlabs/gpu-bridge/internal/cuda"
	"github.com/axonlabs/gpu-bridge/internal/device"
	"github.com/axonlabs/gpu-bridge/internal/gpuctx"
	"github.com/axonlabs/gpu-bridge/internal/scope"
	"github.com/axonlabs/gpu-bridge/internal/telemetry"
)

const telemetryInterval = 5 * time.Second

func startCommand(cfg **config.Config, log **zap.Logger) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start the GPU bridge daemon",
		Action: func(c *cli.Context) error {
			return startBridge(c.Context, *cfg, *log)
		},
	}
}

func startBridge(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	banner := figure.NewFigure("GPU Bridge", "", true)
	banner.Print()

	if !cfg.Enabled {
		log.Warn("GPU offloading is disabled by configuration")
	}

	inv, err := device.Discover(cuda.NewDriver(), log)
	if err != nil {
		return err
	}
	log.Info("device inventory ready",
		zap.Ints("ordinals", inv.Ordinals()),
		zap.Int("computeCapability", inv.ComputeCapability),
		zap.Int("maxThreadsPerBlock", inv.MaxThreadsPerBlock),
		zap.Uint64("maxMallocSize", inv.MaxMallocSize))

	// one acquire/release round-trip proves contexts and streams come up
	scopes := scope.NewManager()
	registry := gpuctx.NewRegistry(inv, scopes, log)
	scopes.Begin()
	gctx, err := registry.Acquire()
	if err != nil {
		scopes.End(false)
		return err
	}
	registry.Sync(gctx)
	registry.Release(gctx)
	scopes.End(true)
	log.Info("GPU context self-test passed", zap.Int("subContexts", len(inv.Devices)))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	poller := telemetry.NewPoller(telemetryInterval, log)
	go func() {
		if err := poller.Run(ctx); err != nil {
			log.Warn("telemetry poller stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", cfg.Metrics.ListenAddr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
