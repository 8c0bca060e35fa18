package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/api"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/auth"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/config"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/notify"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/relay"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/snapshot"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/store"
	"github.com/BetterbaseHQ/betterbase-dev-sub000/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "betterbase",
	Short: "Betterbase - encrypted sync relay and client",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(clientCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 && config.DevMode() {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
		slog.Warn("dev mode: using an ephemeral auth secret, sessions end at restart")
	}

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	reg := prometheus.NewRegistry()
	srv, svc := newServer(cfg, db, secret, reg, logger)

	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		db.Close()
		return err
	}

	var wg sync.WaitGroup
	snapshots := worker.NewSnapshotCoordinator(db, cfg.Worker.SnapshotDir,
		cfg.Worker.SnapshotInterval.Std(), uploader, logger)
	cleanup := worker.NewCleanupCoordinator(db, cfg.Auth.CapabilityTTL.Std(),
		cfg.Worker.CleanupInterval.Std(), logger)
	startWorker(ctx, &wg, "snapshot", snapshots.Run)
	startWorker(ctx, &wg, "cleanup", cleanup.Run)

	go func() {
		slog.Info("server starting", "address", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// Event streams hold requests open; Shutdown waits for them until the
	// timeout.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	wg.Wait()

	slog.Info("notification hub drained", "subscribers", svc.Hub().Subscribers(), "dropped", svc.Hub().Dropped())
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// newServer wires the relay service and its HTTP API over st.
func newServer(cfg *config.Config, st store.Store, secret []byte, reg *prometheus.Registry, logger *slog.Logger) (*http.Server, *relay.Service) {
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	issuer := auth.NewIssuer(secret, cfg.Auth.SessionTTL.Std(), cfg.Auth.CapabilityTTL.Std())
	svc := relay.New(st, issuer, notify.NewHub(cfg.Relay.EventQueueSize), relay.Config{
		IdempotencyTTL:   cfg.Relay.IdempotencyTTL.Std(),
		DefaultPullLimit: cfg.Relay.DefaultPullLimit,
		MaxPullLimit:     cfg.Relay.MaxPullLimit,
		MaxPushRecords:   cfg.Relay.MaxPushRecords,
	}, relay.WithLogger(logger), relay.WithMetrics(relay.NewMetrics(reg)))

	opts := []api.HandlerOption{
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)))
	}
	router := api.NewRouter(api.NewHandler(svc, Version, opts...))

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}, svc
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		fn(ctx)
		slog.Debug("worker exited", "worker", name, "uptime", time.Since(start).String())
	}()
}
