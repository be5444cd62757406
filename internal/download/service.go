package download

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/supervisor"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/Slade66/media-fetcher/pkg/task"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
)

const (
	msgDispatchFailed = "Failed to start download process"
	msgInterrupted    = "Download was interrupted."
	msgToolMissing    = "yt-dlp is not installed or not available in PATH."
	msgUnexpected     = "An unexpected technical error occurred during processing."
	msgExhausted      = "Download failed after repeated attempts."
	msgNoOutcome      = "Download process ended unexpectedly."

	maxTitleLen = 50
)

// Store is the subset of the job store the service needs.
type Store interface {
	Create(ctx context.Context, d *job.Download) error
	Get(ctx context.Context, id string) (*job.Download, error)
	MarkDownloading(ctx context.Context, id string) error
	SetProgress(ctx context.Context, id string, pct int) (bool, error)
	MarkCompleted(ctx context.Context, id, filePath string, size int64) error
	MarkFailed(ctx context.Context, id, msg string) error
	IndexFingerprint(ctx context.Context, d *job.Download) error
	FindReusable(ctx context.Context, fp string, now time.Time) (*job.Download, error)
}

type Dispatcher interface {
	Enqueue(ctx context.Context, t *task.DownloadTask) error
}

// Runner is the process supervisor.
type Runner interface {
	Run(ctx context.Context, cmd supervisor.Command, timeout time.Duration) iter.Seq2[supervisor.Sample, *supervisor.Outcome]
}

// Mirror receives a copy of every completed artifact.
type Mirror interface {
	UploadFile(name, filePath string) error
}

// Options are the static settings of a Service.
type Options struct {
	Tool ytdlp.Options
	// ArtifactDir is the directory the tool writes into.
	ArtifactDir string
	Allowed     job.Formats
	Retention   time.Duration
	Timeout     time.Duration
}

// CreateRequest is what a client asks to download.
type CreateRequest struct {
	SourceID  string
	SourceURL string
	Title     string
	Thumbnail string
	Duration  string
	Quality   string
	Format    string
}

// Service owns the download lifecycle: it creates jobs and drives each one
// from Pending to Completed or Failed.
type Service struct {
	store      Store
	dispatcher Dispatcher
	runner     Runner
	extractor  probe.Capability
	transcoder probe.Capability
	mirror     Mirror
	clock      clockwork.Clock
	opts       Options
	log        *slog.Logger
}

type Deps struct {
	Store      Store
	Dispatcher Dispatcher
	Runner     Runner
	Extractor  probe.Capability
	Transcoder probe.Capability
	// Mirror is optional.
	Mirror Mirror
	Clock  clockwork.Clock
	Log    *slog.Logger
}

func New(deps Deps, opts Options) *Service {
	return &Service{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		runner:     deps.Runner,
		extractor:  deps.Extractor,
		transcoder: deps.Transcoder,
		mirror:     deps.Mirror,
		clock:      deps.Clock,
		opts:       opts,
		log:        deps.Log.With(slog.String("item", "DownloadService")),
	}
}

func (s *Service) validate(req *CreateRequest) error {
	const op = "download.Create"

	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	req.Quality = strings.TrimSpace(req.Quality)

	switch {
	case req.SourceID == "" || req.Title == "":
		return common.Validation(op, "Invalid video information provided")
	case req.SourceURL == "":
		return common.Validation(op, "Source URL is required")
	case req.Quality == "":
		return common.Validation(op, "Quality is required")
	case !s.opts.Allowed.Contains(req.Format):
		return common.Validation(op, "Invalid format specified")
	case req.Quality == job.QualityAudio && !job.IsAudioFormat(req.Format):
		return common.Validation(op, "Audio quality requires an audio format (mp3 or m4a)")
	}

	return nil
}

// Create persists a Pending job and enqueues its task. When the task cannot
// be enqueued the job is returned already Failed together with a dispatch
// error.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*job.Download, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	d := &job.Download{
		ID:        uuid.NewString(),
		SourceID:  req.SourceID,
		SourceURL: req.SourceURL,
		Title:     req.Title,
		Thumbnail: req.Thumbnail,
		Duration:  req.Duration,
		Quality:   req.Quality,
		Format:    req.Format,
		Status:    job.StatusPending,
		ExpiresAt: now.Add(s.opts.Retention),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		return nil, err
	}

	log := s.log.With(slog.String("download_id", d.ID))

	if err := s.dispatcher.Enqueue(ctx, task.New(d.ID, now)); err != nil {
		log.Error("failed to dispatch download job", slog.String("err", err.Error()))

		if ferr := s.store.MarkFailed(context.WithoutCancel(ctx), d.ID, msgDispatchFailed); ferr != nil {
			log.Error("cannot mark job failed", slog.String("err", ferr.Error()))
		}
		d.Status = job.StatusFailed
		d.ErrorMessage = msgDispatchFailed

		return d, common.E(common.KindDispatch, "download.Create", msgDispatchFailed, err)
	}

	log.Info("download created", slog.String("source_id", d.SourceID),
		slog.String("quality", d.Quality), slog.String("format", d.Format))

	return d, nil
}

// Reusable returns a Completed, unexpired job for the same request, if any.
func (s *Service) Reusable(ctx context.Context, sourceID, quality, format string) (*job.Download, error) {
	return s.store.FindReusable(ctx, job.Fingerprint(sourceID, quality, strings.ToLower(format)), s.clock.Now())
}

// Process is the task handler. It returns an error only when the job could
// not be moved to a terminal state and another attempt may help.
func (s *Service) Process(ctx context.Context, t *task.DownloadTask) (err error) {
	log := s.log.With(slog.String("download_id", t.ID), slog.Int("attempt", t.Attempt))

	d, err := s.store.Get(ctx, t.ID)
	if errors.Is(err, common.ErrJobNotFound) {
		log.Warn("task for unknown download, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	switch d.Status {
	case job.StatusPending:
	case job.StatusDownloading:
		// A previous worker died mid-run; its output is gone.
		log.Warn("download was left downloading, marking failed")
		return s.fail(ctx, d.ID, msgInterrupted)
	default:
		log.Info("download already finished, skipping", slog.String("status", d.Status.String()))
		return nil
	}

	if err := s.store.MarkDownloading(ctx, d.ID); err != nil {
		if errors.Is(err, common.ErrInvalidTransition) {
			log.Info("download was taken by another worker")
			return nil
		}
		return err
	}
	d.Status = job.StatusDownloading

	defer func() {
		if r := recover(); r != nil {
			log.Error("download panicked", slog.Any("panic", r))
			err = s.fail(ctx, d.ID, msgUnexpected)
		}
	}()

	return s.execute(ctx, d, log)
}

func (s *Service) execute(ctx context.Context, d *job.Download, log *slog.Logger) error {
	if !s.extractor.Available(ctx) {
		log.Error("yt-dlp is not available")
		return s.fail(ctx, d.ID, msgToolMissing)
	}

	name := FileName(d)
	audio := d.IsAudio()
	args, note := s.opts.Tool.DownloadArgs(ytdlp.Request{
		URL:        d.SourceURL,
		Quality:    d.Quality,
		Format:     d.Format,
		Output:     filepath.Join(s.opts.ArtifactDir, name),
		Audio:      audio,
		Transcoder: audio && s.transcoder.Available(ctx),
	})
	if note != "" {
		log.Warn(note)
	}

	cmd := supervisor.Command{
		Path:    s.opts.Tool.Binary,
		Args:    args,
		Output:  name,
		MaxSize: s.opts.Tool.MaxFileSize,
	}
	log.Info("starting download", slog.String("command", ytdlp.CommandLine(cmd.Path, cmd.Args)))

	var outcome *supervisor.Outcome
	for sample, o := range s.runner.Run(ctx, cmd, s.opts.Timeout) {
		if o != nil {
			outcome = o
			break
		}
		if _, err := s.store.SetProgress(ctx, d.ID, sample.Percent); err != nil {
			log.Warn("cannot persist progress", slog.Int("progress", sample.Percent), slog.String("err", err.Error()))
		}
	}

	switch {
	case outcome == nil:
		log.Error("process ended without an outcome")
		return s.fail(ctx, d.ID, msgNoOutcome)

	case outcome.Result == supervisor.Succeeded && outcome.Size > 0:
		if err := s.store.MarkCompleted(context.WithoutCancel(ctx), d.ID, name, outcome.Size); err != nil {
			return fmt.Errorf("cannot mark download completed: %w", err)
		}
		log.Info("download completed", slog.String("file_path", name), slog.Int64("file_size", outcome.Size))
		s.afterCompletion(ctx, d, name, log)
		return nil

	case outcome.Result == supervisor.Succeeded:
		log.Error("process succeeded with an empty artifact")
		return s.fail(ctx, d.ID, "Downloaded file is empty.")
	}

	log.Error("download process failed",
		slog.String("result", outcome.Result.String()),
		slog.Int("exit_code", outcome.ExitCode),
		slog.String("error", outcome.Diagnostic))

	msg := outcome.Message
	if msg == "" {
		msg = msgUnexpected
	}
	return s.fail(ctx, d.ID, msg)
}

// afterCompletion does the optional work after a job completed. Failures are
// logged only.
func (s *Service) afterCompletion(ctx context.Context, d *job.Download, name string, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if err := s.store.IndexFingerprint(ctx, d); err != nil {
		log.Warn("cannot index download for reuse", slog.String("err", err.Error()))
	}

	if s.mirror != nil {
		if err := s.mirror.UploadFile(name, filepath.Join(s.opts.ArtifactDir, name)); err != nil {
			log.Warn("cannot mirror artifact", slog.String("err", err.Error()))
		}
	}
}

// Abandon marks the job of a task that ran out of attempts.
func (s *Service) Abandon(ctx context.Context, t *task.DownloadTask, cause error) {
	log := s.log.With(slog.String("download_id", t.ID))

	err := s.store.MarkFailed(context.WithoutCancel(ctx), t.ID, msgExhausted)
	switch {
	case err == nil:
		log.Error("download abandoned", slog.String("cause", cause.Error()))
	case errors.Is(err, common.ErrInvalidTransition), errors.Is(err, common.ErrJobNotFound):
	default:
		log.Error("cannot mark abandoned download failed", slog.String("err", err.Error()))
	}
}

func (s *Service) fail(ctx context.Context, id, msg string) error {
	err := s.store.MarkFailed(context.WithoutCancel(ctx), id, msg)
	if err == nil || errors.Is(err, common.ErrInvalidTransition) {
		return nil
	}

	return fmt.Errorf("cannot mark download failed: %w", err)
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

// FileName is the artifact name for d: a title slug, the quality, a prefix of
// the id and the format extension. It never contains a path separator.
func FileName(d *job.Download) string {
	title := unsafeChars.ReplaceAllString(slug.Make(d.Title), "")
	if len(title) > maxTitleLen {
		title = strings.TrimRight(title[:maxTitleLen], "-_")
	}
	if title == "" {
		title = "download"
	}

	quality := unsafeChars.ReplaceAllString(d.Quality, "")
	if quality == "" {
		quality = "best"
	}

	id := unsafeChars.ReplaceAllString(d.ID, "")
	if len(id) > 8 {
		id = id[:8]
	}

	return fmt.Sprintf("%s_%s_%s.%s", title, quality, id, unsafeChars.ReplaceAllString(d.Format, ""))
}
