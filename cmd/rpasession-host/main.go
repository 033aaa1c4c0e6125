package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rpasession/pkg/config"
	"github.com/cuemby/rpasession/pkg/events"
	"github.com/cuemby/rpasession/pkg/executor"
	"github.com/cuemby/rpasession/pkg/gateway"
	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/metrics"
	"github.com/cuemby/rpasession/pkg/queue"
	"github.com/cuemby/rpasession/pkg/registry"
	"github.com/cuemby/rpasession/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath  string
	metricsAddr string
	jsonLogs    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rpasession-host",
	Short:   "rpasession host process: claims sessions and drives their worker queues",
	Version: Version,
	RunE:    runHost,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rpasession-host version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config overlay")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	rootCmd.Flags().BoolVar(&jsonLogs, "json-logs", true, "emit structured JSON logs (console otherwise)")
}

func runHost(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: jsonLogs})
	logger := log.WithManagerID(cfg.ManagerID)
	logger.Info().Int("max_workers", cfg.MaxWorkersPerContainer).Str("redis_addr", cfg.RedisAddr).Msg("starting rpasession host")

	store := kv.NewClient(kv.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	events.LogObserver(ctx, broker)

	reg := registry.New(store, cfg.SessionTTL)
	q := queue.New(store, broker, reg, cfg.SessionTTL)
	exec := executor.NewFake()
	notifier := gateway.NewLoggingNotifier()

	mgr := worker.New(worker.Config{
		ManagerID:  cfg.ManagerID,
		MaxWorkers: cfg.MaxWorkersPerContainer,
		LeaseTTL:   cfg.LeaseTTL,
	}, store, reg, q, exec, notifier, broker)

	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("start worker manager: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info().Str("metrics_addr", metricsAddr).Msg("host running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal error, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("worker manager shutdown did not complete cleanly")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
