package artifact

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const defaultMIME = "application/octet-stream"

var mimeTypes = map[string]string{
	"mp4":  "video/mp4",
	"mp3":  "audio/mpeg",
	"webm": "video/webm",
	"m4a":  "audio/mp4",
}

// MIMEType maps a container format to its media type.
func MIMEType(format string) string {
	if m, ok := mimeTypes[format]; ok {
		return m
	}
	return defaultMIME
}

// Artifact describes a servable file. Path is relative to the artifact
// filesystem.
type Artifact struct {
	Path        string
	DisplayName string
	Size        int64
	MIMEType    string
	ModTime     time.Time
}

type Getter interface {
	Get(ctx context.Context, id string) (*job.Download, error)
}

// Locator resolves a job id to its artifact through the same guard chain for
// every caller.
type Locator struct {
	jobs  Getter
	fs    afero.Fs
	clock clockwork.Clock
	log   *slog.Logger
}

// NewLocator returns a Locator that reads jobs from jobs and files from fsys.
func NewLocator(jobs Getter, fsys afero.Fs, clock clockwork.Clock, log *slog.Logger) *Locator {
	return &Locator{jobs: jobs, fs: fsys, clock: clock, log: log.With(slog.String("item", "Locator"))}
}

// Locate returns common.ErrArtifactUnavailable unless the job exists, is
// Completed, has not expired and its file is still on disk.
func (l *Locator) Locate(ctx context.Context, id string) (*Artifact, error) {
	log := l.log.With(slog.String("download_id", id))

	d, err := l.jobs.Get(ctx, id)
	if errors.Is(err, common.ErrJobNotFound) {
		log.Warn("download not found")
		return nil, common.ErrArtifactUnavailable
	}
	if err != nil {
		return nil, err
	}

	if d.Status != job.StatusCompleted {
		log.Warn("download not completed", slog.String("status", d.Status.String()))
		return nil, common.ErrArtifactUnavailable
	}
	if d.IsExpired(l.clock.Now()) {
		log.Info("download expired")
		return nil, common.ErrArtifactUnavailable
	}

	name := d.FilePath
	if name == "" || filepath.Base(name) != name {
		log.Error("download has an invalid file path", slog.String("file_path", name))
		return nil, common.ErrArtifactUnavailable
	}

	info, err := l.fs.Stat(name)
	if err != nil || info.IsDir() {
		log.Error("download file not found", slog.String("file_path", name))
		return nil, common.ErrArtifactUnavailable
	}

	return &Artifact{
		Path:        name,
		DisplayName: name,
		Size:        d.FileSize,
		MIMEType:    MIMEType(d.Format),
		ModTime:     info.ModTime(),
	}, nil
}

// Open opens a located artifact for reading.
func (l *Locator) Open(a *Artifact) (afero.File, error) {
	f, err := l.fs.Open(a.Path)
	if err != nil {
		return nil, common.Storage("artifact.Open", err)
	}

	return f, nil
}
