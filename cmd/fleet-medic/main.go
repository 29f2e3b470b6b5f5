package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetforge/fleet-medic/internal/api"
	"github.com/fleetforge/fleet-medic/internal/cache"
	"github.com/fleetforge/fleet-medic/internal/catalog"
	"github.com/fleetforge/fleet-medic/internal/classifier"
	"github.com/fleetforge/fleet-medic/internal/collector"
	"github.com/fleetforge/fleet-medic/internal/config"
	"github.com/fleetforge/fleet-medic/internal/ledger"
	"github.com/fleetforge/fleet-medic/internal/metrics"
	"github.com/fleetforge/fleet-medic/internal/monitor"
	"github.com/fleetforge/fleet-medic/internal/remedy"
	"github.com/fleetforge/fleet-medic/internal/repo"
	"github.com/fleetforge/fleet-medic/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting fleet-medic", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var locks cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey lock provider unavailable, using in-process locks", slog.Any("error", err))
		} else {
			locks = provider
			defer provider.Close()
		}
	}

	cat, err := catalog.Load(cfg.Patterns.Path)
	if err != nil {
		logger.Error("failed to load pattern catalogue", slog.String("path", cfg.Patterns.Path), slog.Any("error", err))
		os.Exit(1)
	}

	control := repo.NewControlClient(cfg.Control.BaseURL, cfg.Control.Timeout)

	var notifier remedy.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = repo.NewNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
	}

	led := ledger.New(cfg.History.Capacity)
	cls := classifier.New(cat, led, logger, classifier.Options{
		SilencePeriod:              cfg.Monitor.SilencePeriod,
		CollectionFailureThreshold: cfg.Monitor.CollectionFailureThreshold,
		FallbackDelay:              cfg.Remedy.FallbackDelay,
	})
	col := collector.New(control, logger, cfg.Monitor.LogTailLines)
	eng := remedy.New(control, cat, cls, led, locks, notifier, logger, cfg.Remedy, cfg.Cache.LockTTL)
	mon := monitor.New(control, col, cls, eng, led, logger, cfg.Monitor)
	if cfg.Cache.Enabled {
		mon.PublishStatus(locks, 2*cfg.Monitor.Interval)
	}

	if err := mon.Start(); err != nil {
		logger.Error("failed to start monitoring", slog.Any("error", err))
		os.Exit(1)
	}

	server := api.NewServer(mon, cat, logger, cfg.Server.Address)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("control API exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	mon.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("control API shutdown", slog.Any("error", err))
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("fleet-medic stopped")
}
