// Command server exposes turn-based voice conversations over WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lokutor-ai/lokutor-turn/pkg/config"
	"github.com/lokutor-ai/lokutor-turn/pkg/observe"
	"github.com/lokutor-ai/lokutor-turn/pkg/providers"
	"github.com/lokutor-ai/lokutor-turn/pkg/transport"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional path to a YAML configuration file")
	flag.Parse()

	if err := config.LoadEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		return 1
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "server: %v\n", err)
			return 1
		}
	}
	config.ApplyEnv(cfg, os.Getenv)
	if err := errors.Join(config.Validate(cfg), config.RequireKeys(cfg)); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		return 1
	}

	logger := config.NewLogger(cfg.Server, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "lokutor-server"})
	if err != nil {
		logger.Error("failed to initialise observability", "err", err)
		return 1
	}
	defer func() { _ = shutdownOTel(context.Background()) }()
	metrics := observe.DefaultMetrics()

	pipeline, set, err := providers.NewPipeline(cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "err", err)
		return 1
	}
	defer set.Close()
	pipeline.SetMetrics(metrics)

	srv := transport.NewServer(pipeline, cfg.Orchestrator(),
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
		transport.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		transport.WithQueueFrames(cfg.Audio.QueueFrames),
		transport.WithPlaybackSampleRate(cfg.Audio.PlaybackSampleRate),
	)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.ListenAddr, "providers", pipeline.GetProviders())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
			return 1
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	srv.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
		return 1
	}
	return 0
}
