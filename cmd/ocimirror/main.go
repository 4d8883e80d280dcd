package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ocimirror/ocimirror/internal/cachemgr"
	"github.com/ocimirror/ocimirror/internal/config"
	"github.com/ocimirror/ocimirror/internal/httpapi"
	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/registry"
	"github.com/ocimirror/ocimirror/internal/storage"
	"github.com/ocimirror/ocimirror/internal/upstreammgr"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: ocimirror -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/v2/")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := metadata.Open(cfg.MetadataDBPath)
	if err != nil {
		slog.Error("failed to open metadata store", "path", cfg.MetadataDBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		slog.Error("failed to create storage backend", "backend", cfg.StorageBackend, "error", err)
		os.Exit(1)
	}

	cache := cachemgr.New(store, backend, cachemgr.Config{
		MaxSizeBytes:   cfg.MaxCacheSizeBytes,
		RetentionDays:  cfg.RetentionDays,
		EvictionPolicy: metadata.EvictionPolicy(cfg.EvictionPolicy),
	}, slog.Default())

	provider, err := config.NewFileProvider(cfg.UpstreamsConfigPath, store, slog.Default())
	if err != nil {
		slog.Error("failed to load upstream configuration", "path", cfg.UpstreamsConfigPath, "error", err)
		os.Exit(1)
	}

	upstreams, err := upstreammgr.New(ctx, provider, slog.Default())
	if err != nil {
		slog.Error("failed to initialise upstream manager", "error", err)
		os.Exit(1)
	}

	svc := registry.New(cache, upstreams, store, backend)
	handler := httpapi.New(svc, upstreams, slog.Default())

	go cache.RunCleanupLoop(ctx)
	go upstreams.RunHealthLoop(ctx, time.Minute)
	go func() {
		if err := config.WatchFile(ctx, cfg.UpstreamsConfigPath, upstreams, slog.Default()); err != nil {
			slog.Warn("upstream config watcher stopped", "error", err)
		}
	}()

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(handler, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "backend", cfg.StorageBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func newBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case "s3":
		return storage.NewS3Backend(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3ForcePathStyle)
	case "local":
		b := storage.NewLocalBackend(cfg.FSRoot)
		if err := b.Init(); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.StorageBackend)
	}
}
