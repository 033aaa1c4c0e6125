package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/rpasession/pkg/config"
	"github.com/cuemby/rpasession/pkg/kv"
	"github.com/cuemby/rpasession/pkg/log"
	"github.com/cuemby/rpasession/pkg/reaper"
	"github.com/cuemby/rpasession/pkg/registry"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	once       bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "rpasession-reaper",
	Short:   "Idle session reaper: terminates sessions with no activity past the idle timeout",
	Version: Version,
	RunE:    runReaper,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rpasession-reaper version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config overlay")
	rootCmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit, instead of ticking on the configured reap interval")
}

func runReaper(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("reaper")
	logger.Info().Dur("idle_timeout", cfg.IdleTimeout).Dur("interval", cfg.ReapInterval).Msg("starting rpasession reaper")

	store := kv.NewClient(kv.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer store.Close()

	reg := registry.New(store, cfg.SessionTTL)
	r := reaper.New(store, reg, cfg.ReapInterval, cfg.IdleTimeout)

	if once {
		return r.Sweep(cmd.Context())
	}

	r.Start()
	logger.Info().Msg("reaper running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutdown signal received")
	r.Stop()
	logger.Info().Msg("shutdown complete")
	return nil
}
