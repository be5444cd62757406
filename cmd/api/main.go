package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Slade66/media-fetcher/internal/api"
	"github.com/Slade66/media-fetcher/internal/artifact"
	"github.com/Slade66/media-fetcher/internal/catalog"
	"github.com/Slade66/media-fetcher/internal/client"
	"github.com/Slade66/media-fetcher/internal/config"
	"github.com/Slade66/media-fetcher/internal/dispatch"
	"github.com/Slade66/media-fetcher/internal/download"
	"github.com/Slade66/media-fetcher/internal/metadata"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/store"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("c", "", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("⚠️ cannot load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	if cfg.LogLevel != config.LogLevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := client.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ API cannot connect to Redis: %v", err)
	}
	defer rdb.Close()
	fmt.Println("✅ API connected to Redis")

	clock := clockwork.NewRealClock()
	jobs := store.New(rdb, clock)
	tool := ytdlp.Options{
		Binary:              cfg.Tools.YtDlpPath,
		FFmpegPath:          cfg.Tools.FFmpegPath,
		NoCheckCertificates: cfg.Tools.NoCheckCertificates,
		MaxFileSize:         cfg.Download.MaxFileSize,
	}

	// The API only creates jobs; workers run them.
	downloads := download.New(download.Deps{
		Store:      jobs,
		Dispatcher: dispatch.New(rdb, clock),
		Clock:      clock,
		Log:        logger,
	}, download.Options{
		Tool:        tool,
		ArtifactDir: cfg.ArtifactDir,
		Allowed:     cfg.Formats(),
		Retention:   cfg.Retention(),
		Timeout:     cfg.DownloadTimeout(),
	})

	artifacts := afero.NewBasePathFs(afero.NewOsFs(), cfg.ArtifactDir)

	h := api.NewHandler(api.Deps{
		Videos:    metadata.New(client.GetClient(), logger),
		Formats:   catalog.New(tool, probe.YtDlp(cfg.Tools.YtDlpPath), cfg.Formats(), cfg.ListTimeout(), logger),
		Downloads: downloads,
		Jobs:      jobs,
		Artifacts: artifact.NewLocator(jobs, artifacts, clock, logger),
		Clock:     clock,
		BaseURL:   cfg.BaseURL,
		Version:   version,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewRouter(h, cfg.Origins()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		fmt.Printf("🚀 API listening on %s\n", cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ API server failed: %v", err)
		}
	}()

	<-ctx.Done()
	fmt.Println("🛑 shutting down API...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}
