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

	"clustervisor/internal/api"
	"clustervisor/internal/config"
	"clustervisor/internal/logging"
	"clustervisor/internal/service"
	"clustervisor/internal/watcher"
	"clustervisor/web"
)

func main() {
	configPath := flag.String("config", "clustervisor.yaml", "Path to cluster configuration file (.yaml or .toml)")
	flag.Parse()

	cfg := config.LoadConfig()
	logs := logging.NewLogBuffer(1000)
	logger := logging.NewLogger("clustervisor", cfg.Log.Level, cfg.Log.Format, logs)

	clusterCfg, err := config.LoadClusterConfig(*configPath)
	if err != nil {
		logger.Error("loading cluster config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	sup, err := service.New(clusterCfg, service.WithLogger(logger))
	if err != nil {
		logger.Error("creating supervisor", "error", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	router, err := api.NewRouter(sup, api.Options{
		Logs:            logs,
		Logger:          logger,
		Templates:       web.GetTemplatesFS(),
		ShutdownTimeout: clusterCfg.Shutdown.Timeout.Std(),
		AfterShutdown:   stop,
	})
	if err != nil {
		logger.Error("creating router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if _, err := sup.StartPool(clusterCfg.Pool.Size); err != nil {
		logger.Error("starting worker pool", "error", err)
	}

	if clusterCfg.Watch.Enabled {
		w, err := watcher.New(clusterCfg.Watch.Paths, clusterCfg.Watch.Debounce.Std(), func(changed []string) {
			logger.Info("watched files changed, rolling restart", "paths", changed)
			rollingRestart(ctx, sup, logger)
		}, logger)
		if err != nil {
			logger.Error("starting file watcher", "error", err)
		} else {
			go func() {
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("file watcher stopped", "error", err)
				}
			}()
		}
	}

	go func() {
		logger.Info("starting clustervisor API server",
			"address", cfg.Server.Address,
			"run_id", sup.RunID(),
			"workers", clusterCfg.Pool.Size,
			"listen", sup.Addr(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR2)

wait:
	for {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP || sig == syscall.SIGUSR2 {
				logger.Info("signal received, rolling restart", "signal", sig.String())
				go rollingRestart(ctx, sup, logger)
				continue
			}
			logger.Info("signal received, shutting down", "signal", sig.String())
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	stop()
	report := sup.GracefulShutdown(clusterCfg.Shutdown.Timeout.Std())
	if len(report.Forced) > 0 {
		logger.Warn("workers killed after shutdown timeout", "workers", report.Forced)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited gracefully")
}

func rollingRestart(ctx context.Context, sup *service.Supervisor, logger *slog.Logger) {
	report, err := sup.RollingRestart(ctx)
	if err != nil {
		logger.Error("rolling restart failed", "error", err)
		return
	}
	logger.Info("rolling restart finished", "replaced", len(report.Replaced), "elapsed", report.Elapsed)
}
