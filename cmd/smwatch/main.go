package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/team-btg/server-metrics/internal/config"
	"github.com/team-btg/server-metrics/internal/engine"
	"github.com/team-btg/server-metrics/internal/logging"
	"github.com/team-btg/server-metrics/internal/models"
	"github.com/team-btg/server-metrics/internal/status"
	"github.com/team-btg/server-metrics/internal/stream"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "smwatch",
	Short:   "smwatch - live server metrics watcher",
	Long:    `smwatch consumes a server-metrics backend (history + live stream) and maintains one reconciled, bounded time series per monitored host`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runWatcher()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("smwatch %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runWatcher() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "smwatch",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "smwatch",
	})

	log.Info().
		Str("api", cfg.APIURL).
		Str("serverID", cfg.ServerID).
		Str("period", cfg.Period).
		Msg("Starting metrics watcher")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	eng := engine.New(engine.Config{
		APIURL:         cfg.APIURL,
		BufferCapacity: cfg.BufferCapacity,
		StaleAfter:     cfg.StaleAfter,
		Reconnect: stream.SupervisorConfig{
			Reconnect:      cfg.Reconnect,
			InitialBackoff: cfg.ReconnectInitialDelay,
			MaxBackoff:     cfg.ReconnectMaxDelay,
			MaxAttempts:    cfg.ReconnectMaxAttempts,
		},
	}, log.Logger)

	// Log snapshot growth and status transitions as they happen.
	var lastStatus status.Status
	eng.Subscribe(func(points []models.MetricPoint) {
		current := eng.Health(time.Now())
		if current != lastStatus {
			log.Info().
				Str("status", string(current)).
				Str("label", current.Label()).
				Int("points", len(points)).
				Msg("Host status changed")
			lastStatus = current
		} else {
			log.Debug().Int("points", len(points)).Msg("Snapshot updated")
		}
	})

	scope := engine.Scope{ServerID: cfg.ServerID, Token: cfg.APIToken, Period: cfg.Period}
	if err := eng.SetScope(ctx, scope); err != nil {
		log.Fatal().Err(err).Msg("Failed to activate scope")
	}

	// Watch the .env file so a changed server/token/period remounts the scope.
	watcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, scope changes require restart")
	} else {
		watcher.SetScopeChangeCallback(func(updated *config.Config) {
			newScope := engine.Scope{
				ServerID: updated.ServerID,
				Token:    updated.APIToken,
				Period:   updated.Period,
			}
			if err := eng.SetScope(ctx, newScope); err != nil {
				log.Error().Err(err).Msg("Failed to remount scope after config change")
			}
		})
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	signal.Notify(reloadChan, syscall.SIGHUP)

	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration...")
			if watcher != nil {
				watcher.Reload()
			}

		case <-sigChan:
			log.Info().Msg("Shutting down...")
			cancel()
			eng.Stop()
			log.Info().Msg("Watcher stopped")
			return
		}
	}
}

// startMetricsServer starts the Prometheus metrics endpoint.
func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
