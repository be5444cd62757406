package reaper

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const DefaultInterval = time.Hour

// Store is the part of the job store the reaper drives.
type Store interface {
	ExpiredCompleted(ctx context.Context, now time.Time) ([]*job.Download, error)
	MarkExpired(ctx context.Context, id string) error
}

// Mirror is the remote copy of artifacts, if any.
type Mirror interface {
	DeleteObject(name string) error
}

// Reaper expires completed downloads past their retention and frees their
// files.
type Reaper struct {
	store  Store
	fs     afero.Fs
	mirror Mirror
	clock  clockwork.Clock
	log    *slog.Logger
}

// New builds a Reaper. mirror may be nil.
func New(store Store, fsys afero.Fs, mirror Mirror, clock clockwork.Clock, log *slog.Logger) *Reaper {
	return &Reaper{
		store:  store,
		fs:     fsys,
		mirror: mirror,
		clock:  clock,
		log:    log.With(slog.String("item", "Reaper")),
	}
}

// Sweep expires every due job and returns how many were expired. Per-job
// failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) int {
	expired, err := r.store.ExpiredCompleted(ctx, r.clock.Now())
	if err != nil {
		r.log.Error("cannot list expired downloads", slog.String("err", err.Error()))
		if len(expired) == 0 {
			return 0
		}
	}

	count := 0
	for _, d := range expired {
		if ctx.Err() != nil {
			break
		}
		if r.expire(ctx, d) {
			count++
		}
	}

	if count > 0 {
		r.log.Info("cleaned up expired downloads", slog.Int("count", count))
	}

	return count
}

func (r *Reaper) expire(ctx context.Context, d *job.Download) bool {
	log := r.log.With(slog.String("download_id", d.ID), slog.String("file_path", d.FilePath))

	r.removeFile(d.FilePath, log)

	if r.mirror != nil && d.FilePath != "" {
		if err := r.mirror.DeleteObject(d.FilePath); err != nil {
			log.Warn("cannot delete mirrored artifact", slog.String("err", err.Error()))
		}
	}

	if err := r.store.MarkExpired(ctx, d.ID); err != nil {
		log.Error("cannot mark download expired", slog.String("err", err.Error()))
		return false
	}

	return true
}

func (r *Reaper) removeFile(name string, log *slog.Logger) {
	if name == "" || filepath.Base(name) != name {
		log.Warn("skipping invalid file path")
		return
	}

	err := r.fs.Remove(name)
	switch {
	case err == nil:
		log.Debug("deleted expired file")
	case errors.Is(err, fs.ErrNotExist):
		log.Info("expired file already gone")
	default:
		log.Error("cannot delete expired file", slog.String("err", err.Error()))
	}
}

// Run sweeps every interval until ctx is done, starting with one immediate
// sweep.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}

	r.Sweep(ctx)

	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}
