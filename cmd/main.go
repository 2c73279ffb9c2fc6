// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the rakgate RakNet handshake server with metrics and
// health endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/rakgate"
	"github.com/absmach/rakgate/examples/simple"
	"github.com/absmach/rakgate/pkg/health"
	"github.com/absmach/rakgate/pkg/metrics"
	"github.com/absmach/rakgate/pkg/proxy"
	"github.com/absmach/rakgate/pkg/ratelimit"
	"github.com/absmach/rakgate/pkg/status"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := rakgate.NewConfig(env.Options{Prefix: rakgate.EnvPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("rakgate", prometheus.DefaultRegisterer)

	var limiter *ratelimit.Limiter
	if cfg.RateLimitCapacity > 0 {
		// Idle endpoints are swept together with expired sessions.
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			Capacity:    cfg.RateLimitCapacity,
			RefillRate:  cfg.RateLimitRefill,
			IdleTimeout: cfg.SessionTimeout,
		})
	}
	var globalLimiter *ratelimit.TokenBucket
	if cfg.GlobalRateCapacity > 0 {
		globalLimiter = ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)
	}

	h := simple.New(logger)

	p, err := proxy.NewRakNet(proxy.RakNetConfig{
		Host:            cfg.Host,
		Port:            cfg.Port,
		SessionTimeout:  cfg.SessionTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		MaxSessions:     cfg.MaxSessions,
		MaxMTU:          cfg.MaxMTU,
		MinMTU:          cfg.MinMTU,
		RegistryShards:  cfg.RegistryShards,
		WorkerPoolSize:  cfg.WorkerPoolSize,
		QueueSize:       cfg.QueueSize,
		BufferSize:      cfg.BufferSize,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Query: status.Query{
			Edition:         cfg.Edition,
			MOTD:            cfg.MOTD,
			SubMOTD:         cfg.SubMOTD,
			ProtocolVersion: cfg.ProtocolVersion,
			GameVersion:     cfg.GameVersion,
			MaxPlayers:      cfg.MaxPlayers,
			GameMode:        cfg.GameMode,
			GameModeID:      cfg.GameModeID,
		},
		Limiter:       limiter,
		GlobalLimiter: globalLimiter,
		Metrics:       m,
		Logger:        logger,
	}, h)
	if err != nil {
		logger.Error("Failed to create RakNet server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	checker := health.NewChecker(5 * time.Second)
	checker.RegisterCritical("udp_listener", p.CheckListening)
	checker.Register("session_capacity", p.CheckCapacity)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	g.Go(func() error {
		return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux, logger)
	})

	g.Go(func() error {
		return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), checker.Mux(), logger)
	})

	g.Go(func() error {
		logger.Info("Starting RakNet server",
			slog.String("host", cfg.Host),
			slog.String("port", cfg.Port),
			slog.Int("max_sessions", cfg.MaxSessions),
			slog.Duration("session_timeout", cfg.SessionTimeout))
		return p.Listen(ctx)
	})

	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		select {
		case waitErr = <-done:
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout exceeded, forcing exit")
			os.Exit(1)
		}
	}

	if waitErr != nil {
		logger.Error(fmt.Sprintf("rakgate service terminated with error: %s", waitErr))
		os.Exit(1)
	}
	logger.Info("rakgate service stopped", slog.Int("connected_at_exit", h.Active()))
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// serveHTTP runs an auxiliary HTTP server until ctx is cancelled.
func serveHTTP(ctx context.Context, name, addr string, h http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting "+name+" server", slog.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("%s server: %w", name, err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT)
	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
