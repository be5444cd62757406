// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/Slade66/media-fetcher/internal/client"
	"github.com/Slade66/media-fetcher/internal/config"
	"github.com/Slade66/media-fetcher/internal/download"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/metadata"
	"github.com/Slade66/media-fetcher/internal/observer"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/supervisor"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const pollInterval = 500 * time.Millisecond

func main() {
	// 1. flags
	urlStr := flag.String("url", "", "video URL to download (required)")
	quality := flag.String("quality", "720p", "quality, e.g. 1080p, 720p or audio")
	format := flag.String("format", "mp4", "container format")
	dir := flag.String("dir", ".", "output directory")
	verbose := flag.Bool("v", false, "log at debug level")
	flag.Parse()

	if *urlStr == "" {
		fmt.Println("error: -url is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.MustLoad("")
	cfg.LogLevel = config.LogLevelWarn
	if *verbose {
		cfg.LogLevel = config.LogLevelDebug
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	if !cfg.Formats().Contains(*format) {
		log.Fatalf("❌ format %q is not allowed, use one of %v", *format, cfg.Formats())
	}
	if *quality == job.QualityAudio && !job.IsAudioFormat(*format) {
		log.Fatalf("❌ -quality audio needs an audio format (mp3 or m4a), got %q", *format)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if !probe.YtDlp(cfg.Tools.YtDlpPath).Available(ctx) {
		log.Fatalf("❌ yt-dlp not found at %q", cfg.Tools.YtDlpPath)
	}

	// 2. video info
	fmt.Println("🔎 fetching video info...")
	info, err := metadata.New(client.GetClient(), logger).Resolve(ctx, *urlStr)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	d := &job.Download{
		ID:      uuid.NewString(),
		Title:   info.Title,
		Quality: *quality,
		Format:  *format,
	}
	name := download.FileName(d)

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("❌ cannot create %s: %v", *dir, err)
	}

	tool := ytdlp.Options{
		Binary:              cfg.Tools.YtDlpPath,
		FFmpegPath:          cfg.Tools.FFmpegPath,
		NoCheckCertificates: cfg.Tools.NoCheckCertificates,
		MaxFileSize:         cfg.Download.MaxFileSize,
	}
	audio := d.IsAudio()
	args, note := tool.DownloadArgs(ytdlp.Request{
		URL:        *urlStr,
		Quality:    *quality,
		Format:     *format,
		Output:     filepath.Join(*dir, name),
		Audio:      audio,
		Transcoder: audio && probe.FFmpeg(cfg.Tools.FFmpegPath).Available(ctx),
	})
	if note != "" {
		fmt.Println("⚠️ " + note)
	}

	// 3. supervisor and progress bar
	sup := supervisor.New(supervisor.ExecLauncher{WaitDelay: 5 * time.Second},
		afero.NewBasePathFs(afero.NewOsFs(), *dir), clockwork.NewRealClock(), pollInterval, logger)
	progress := observer.NewSubject()
	bar := observer.NewProgressBar(os.Stdout, name)
	progress.AddObserver(bar)

	fmt.Printf("🚀 downloading %q (%s, %s)...\n", info.Title, *quality, *format)

	var outcome *supervisor.Outcome
	cmd := supervisor.Command{Path: tool.Binary, Args: args, Output: name, MaxSize: tool.MaxFileSize}
	for sample, o := range sup.Run(ctx, cmd, cfg.DownloadTimeout()) {
		if o != nil {
			outcome = o
			break
		}
		progress.Notify(sample.Percent)
	}

	if outcome == nil || outcome.Result != supervisor.Succeeded {
		bar.Finish()
		msg := "download ended unexpectedly"
		if outcome != nil {
			msg = outcome.Message
			logger.Debug("process diagnostic", "stderr", outcome.Diagnostic)
		}
		log.Fatalf("❌ %s", msg)
	}

	progress.Notify(100)
	fmt.Printf("✅ saved %s (%.2f MB)\n", filepath.Join(*dir, name), float64(outcome.Size)/1024/1024)
}
