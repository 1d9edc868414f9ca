package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"kv-cache-service/internal/config"
	"kv-cache-service/internal/httpserver"
	"kv-cache-service/internal/kvcache"
	"kv-cache-service/internal/logger"
	"kv-cache-service/internal/metrics"
	"kv-cache-service/internal/nearcache"
	"kv-cache-service/internal/relay"

	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/config.yml"
	envConfigPath     = "CONFIG_PATH"
)

func main() {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = defaultConfigPath
	}
	cfg, err := config.LoadAppConfig(path)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if _, err := logger.Init(cfg.Logging); err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		zap.S().Errorw("server stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig) error {
	svc, err := newService(cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = svc.Disconnect(shutdownCtx)
	}()

	if err = svc.Connect(ctx); err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}

	var rl *relay.Relay
	if cfg.Relay.Enabled {
		nc, err := relay.Connect(cfg.Relay.NatsURL)
		if err != nil {
			return err
		}
		rl = relay.New(svc, nc, cfg.Relay)
		if err = rl.Start(ctx); err != nil {
			nc.Close()
			return err
		}
	}

	apiOpts, err := httpserver.OptionsFromConfig(cfg.Server)
	if err != nil {
		return err
	}
	servers := []*http.Server{
		{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: httpserver.NewRouter(svc, apiOpts)},
		{Addr: fmt.Sprintf(":%d", cfg.Server.MetricsPort), Handler: httpserver.NewMetricsRouter(svc)},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		go func() {
			zap.S().Infow("starting server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("server %s: %w", srv.Addr, err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		zap.S().Infow("shutdown signal received")
	case err = <-errCh:
	}

	// Сначала серверы, чтобы запросы не попали в закрытый сервис, затем relay,
	// затем отложенный Disconnect.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			zap.S().Warnw("server shutdown failed", "addr", srv.Addr, "error", shutdownErr)
		}
	}
	if rl != nil {
		if stopErr := rl.Stop(shutdownCtx); stopErr != nil {
			zap.S().Warnw("relay stop failed", "error", stopErr)
		}
	}
	return err
}

func newService(cfg *config.AppConfig) (*kvcache.Service, error) {
	var options []kvcache.Option
	if cfg.NearCache.Enabled {
		nc, err := nearcache.New(cfg.NearCache)
		if err != nil {
			return nil, err
		}
		options = append(options, kvcache.WithNearCache(nc, cfg.NearCache.InvalidationChannel))
	}
	return kvcache.New(kvcache.OptionsFromConfig(cfg.Redis), options...), nil
}
