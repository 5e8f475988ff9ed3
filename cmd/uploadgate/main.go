package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/uploadgate/uploadgate/internal/api"
	"github.com/uploadgate/uploadgate/internal/config"
	"github.com/uploadgate/uploadgate/internal/events"
	"github.com/uploadgate/uploadgate/internal/job"
	"github.com/uploadgate/uploadgate/internal/storage"
	"github.com/uploadgate/uploadgate/internal/upload"
	"github.com/uploadgate/uploadgate/internal/webhook"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	store, err := newStore(cfg)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	objects, err := storage.New(ctx, &storage.Config{
		Endpoint:      cfg.StorageEndpoint,
		AccessKey:     cfg.StorageAccessKey,
		SecretKey:     cfg.StorageSecretKey,
		Bucket:        cfg.StorageBucket,
		UseSSL:        cfg.StorageUseSSL,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	if err != nil {
		slog.Error("object storage", "error", err)
		os.Exit(1)
	}

	job.StartSweeper(ctx, store, cfg.JobTTL, cfg.CleanupInterval)

	initiator := upload.NewInitiator(store, objects, cfg.WorkerURL, cfg.MaxFileSize, cfg.PresignTTL)
	receiver := webhook.NewReceiver(store, cfg.WebhookSecret, cfg.AllowedWebhookIPs, cfg.AllowUnsignedWebhooks)
	notifier := webhook.NewNotifier(cfg.WebhookSecret)
	hub := events.NewHub()

	mux := http.NewServeMux()
	h := api.NewHandler(store, initiator, receiver, notifier, hub, cfg)
	h.RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("uploadgate listening", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// newStore selects the job store backend: SQLite when a path is configured,
// otherwise the process-local in-memory store.
func newStore(cfg *config.Config) (job.Store, error) {
	if cfg.DBPath == "" {
		slog.Warn("using in-memory job store, jobs will not survive restarts")
		return job.NewMemoryStore(), nil
	}
	return job.NewSQLiteStore(cfg.DBPath)
}
