package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Slade66/media-fetcher/internal/client"
	"github.com/Slade66/media-fetcher/internal/config"
	"github.com/Slade66/media-fetcher/internal/dispatch"
	"github.com/Slade66/media-fetcher/internal/download"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/reaper"
	"github.com/Slade66/media-fetcher/internal/store"
	"github.com/Slade66/media-fetcher/internal/supervisor"
	"github.com/Slade66/media-fetcher/internal/uploader"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const waitDelay = 5 * time.Second

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb, err := client.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Worker cannot connect to Redis: %v", err)
	}
	defer rdb.Close()
	fmt.Println("✅ Worker connected to Redis")

	if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
		log.Fatalf("❌ cannot create artifact directory %s: %v", cfg.ArtifactDir, err)
	}
	artifacts := afero.NewBasePathFs(afero.NewOsFs(), cfg.ArtifactDir)

	var (
		mirror       download.Mirror
		reaperMirror reaper.Mirror
	)
	if cfg.MirrorEnabled() {
		obsUploader, err := uploader.NewObsUploader(cfg.OBS.Endpoint, cfg.OBS.AK, cfg.OBS.SK, cfg.OBS.Bucket, logger)
		if err != nil {
			log.Fatalf("❌ cannot initialise OBS uploader: %v", err)
		}
		defer obsUploader.Close()
		mirror, reaperMirror = obsUploader, obsUploader
		fmt.Println("✅ OBS mirror enabled")
	} else {
		fmt.Println("ℹ️ OBS not configured, artifacts stay local")
	}

	clock := clockwork.NewRealClock()
	jobs := store.New(rdb, clock)
	dispatcher := dispatch.New(rdb, clock)

	extractor := probe.YtDlp(cfg.Tools.YtDlpPath)
	if !extractor.Available(ctx) {
		logger.Warn("yt-dlp is not available, downloads will fail until it is installed",
			slog.String("path", cfg.Tools.YtDlpPath))
	}

	service := download.New(download.Deps{
		Store:      jobs,
		Dispatcher: dispatcher,
		Runner:     supervisor.New(supervisor.ExecLauncher{WaitDelay: waitDelay}, artifacts, clock, cfg.PollInterval(), logger),
		Extractor:  extractor,
		Transcoder: probe.FFmpeg(cfg.Tools.FFmpegPath),
		Mirror:     mirror,
		Clock:      clock,
		Log:        logger,
	}, download.Options{
		Tool: ytdlp.Options{
			Binary:              cfg.Tools.YtDlpPath,
			FFmpegPath:          cfg.Tools.FFmpegPath,
			NoCheckCertificates: cfg.Tools.NoCheckCertificates,
			MaxFileSize:         cfg.Download.MaxFileSize,
		},
		ArtifactDir: cfg.ArtifactDir,
		Allowed:     cfg.Formats(),
		Retention:   cfg.Retention(),
		Timeout:     cfg.DownloadTimeout(),
	})

	if err := dispatcher.EnsureGroup(ctx); err != nil {
		log.Fatalf("❌ %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = fmt.Sprintf("worker-%d", clock.Now().Unix())
		log.Printf("⚠️ cannot read hostname, using consumer prefix '%s'", hostname)
	}

	var wg sync.WaitGroup
	for i := range cfg.Worker.Concurrency {
		consumer := dispatcher.NewConsumer(fmt.Sprintf("%s-%d", hostname, i), service.Process, dispatch.ConsumerOptions{
			MaxAttempts: cfg.Worker.MaxAttempts,
			TaskTimeout: cfg.TaskTimeout(),
			OnExhausted: service.Abandon,
			Log:         logger,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("consumer stopped", slog.String("err", err.Error()))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reaper.New(jobs, artifacts, reaperMirror, clock, logger).Run(ctx, cfg.CleanupInterval())
	}()

	fmt.Printf("▶️ Worker '%s' running %d consumers\n", hostname, cfg.Worker.Concurrency)

	<-ctx.Done()
	fmt.Println("🛑 shutting down worker...")
	wg.Wait()
}
