package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fossable/fossdb/internal/api"
	"github.com/fossable/fossdb/internal/auth"
	"github.com/fossable/fossdb/internal/config"
	"github.com/fossable/fossdb/internal/ingest"
	"github.com/fossable/fossdb/internal/notify"
	"github.com/fossable/fossdb/internal/scheduler"
	"github.com/fossable/fossdb/internal/sources"
	"github.com/fossable/fossdb/internal/store"
	"github.com/fossable/fossdb/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fossdb server",
	Long: `Start the registry poller and notification server.

The server requires a configuration file (--config) that specifies:
- The registries to poll, their intervals and rate limits
- The store location
- The HTTP listen address and optional token authentication

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	storeOpenMaxElapsed    = 30 * time.Second
	lastUpdatedCacheTTL    = 5 * time.Minute
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().String("address", "", "Listen address, overriding the configuration file")

	err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config"))
	if err != nil {
		slog.Error("Failed to bind config flag", "error", err)
	}
	err = viper.BindPFlag("address", serveCmd.Flags().Lookup("address"))
	if err != nil {
		slog.Error("Failed to bind address flag", "error", err)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
	}
}

// openStore opens the store, retrying with exponential backoff. A previous
// instance holds the badger directory lock for a short window after shutdown,
// so a fresh start may need a few attempts.
func openStore(ctx context.Context, cfg store.Config, logger *slog.Logger) (store.Store, error) {
	open := func() (store.Store, error) {
		st, err := store.Open(cfg, logger)
		if err != nil {
			logger.Warn("Failed to open store, retrying", "error", err)
			return nil, err
		}
		return st, nil
	}
	return backoff.Retry(ctx, open,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(storeOpenMaxElapsed),
	)
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.LoadConfig(config.WithConfigPath(viper.GetString("config")))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	address := cfg.Server.GetAddress()
	if flagAddr := viper.GetString("address"); flagAddr != "" {
		address = flagAddr
	}
	logger.Info("Loaded configuration",
		"registries", len(cfg.Registries),
		"address", address)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, store.Config{
		Directory: cfg.Store.Directory,
		InMemory:  cfg.Store.InMemory,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	ingestMetrics := telemetry.NewIngestMetrics(registry)
	notifyMetrics := telemetry.NewNotifyMetrics(registry)

	coordinator := ingest.New(st, logger, ingest.WithMetrics(ingestMetrics))

	// Listing endpoints carry a last-modified timestamp per package, so the
	// sources can skip the per-package detail fetch for anything already
	// recorded at the same timestamp. The cache keeps consecutive poll
	// cycles from hitting the store for every listed package; a stale
	// value only costs an extra detail fetch, never a wrong skip.
	lastSeen := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](lastUpdatedCacheTTL),
	)
	go lastSeen.Start()
	defer lastSeen.Stop()

	lastUpdated := func(ctx context.Context, name string) (time.Time, bool) {
		if item := lastSeen.Get(name); item != nil {
			return item.Value(), true
		}
		pkg, err := st.GetPackageByName(ctx, name)
		if err != nil {
			return time.Time{}, false
		}
		lastSeen.Set(name, pkg.UpdatedAt, ttlcache.DefaultTTL)
		return pkg.UpdatedAt, true
	}

	entries := make([]scheduler.Entry, 0, len(cfg.Registries))
	for _, rc := range cfg.Registries {
		src, err := sources.New(rc, lastUpdated, logger)
		if err != nil {
			return fmt.Errorf("failed to build source %q: %w", rc.Name, err)
		}
		entries = append(entries, scheduler.Entry{
			Source:   src,
			Interval: rc.GetInterval(),
		})
		logger.Info("Configured registry source",
			"registry", rc.Name,
			"type", rc.Type,
			"interval", rc.GetInterval())
	}

	sched := scheduler.New(entries, coordinator, logger,
		scheduler.WithSweepInterval(cfg.GetLockSweepInterval()),
		scheduler.WithMetrics(ingestMetrics),
	)

	broadcaster := notify.NewBroadcaster(logger, notify.WithBroadcasterMetrics(notifyMetrics))
	listener := notify.NewListener(st, broadcaster, logger)
	dispatcher := notify.NewDispatcher(st, &notify.LogSink{Logger: logger}, logger,
		notify.WithDispatchInterval(cfg.Notifications.GetDispatchInterval()),
		notify.WithDispatcherMetrics(notifyMetrics),
	)

	var verifier auth.Verifier
	if cfg.Auth != nil {
		secret, err := cfg.Auth.GetSecret()
		if err != nil {
			return fmt.Errorf("failed to load auth secret: %w", err)
		}
		verifier, err = auth.NewVerifier(secret, cfg.Auth.Issuer)
		if err != nil {
			return fmt.Errorf("failed to create token verifier: %w", err)
		}
	} else {
		logger.Warn("No auth configured, timeline connections are anonymous")
	}

	server := api.NewServer(address, broadcaster, verifier, registry, logger,
		api.WithServerMetrics(notifyMetrics))

	go func() {
		if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Change listener failed", "error", err)
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notification dispatcher failed", "error", err)
		}
	}()
	go func() {
		if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Scheduler failed", "error", err)
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	if err := sched.Stop(); err != nil {
		logger.Error("Failed to stop scheduler", "error", err)
	}
	cancel()
	broadcaster.Close()

	if err := st.Close(); err != nil {
		logger.Error("Failed to close store", "error", err)
		return err
	}

	logger.Info("Shutdown complete")
	return nil
}
