package api

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/Slade66/media-fetcher/internal/artifact"
	"github.com/Slade66/media-fetcher/internal/catalog"
	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/download"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/metadata"
	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	historyLimit = 10
	platform     = "youtube"
)

type VideoResolver interface {
	Resolve(ctx context.Context, url string) (*metadata.Info, error)
}

type FormatResolver interface {
	Resolve(ctx context.Context, sourceID, url string) []catalog.Format
}

type Downloads interface {
	Create(ctx context.Context, req download.CreateRequest) (*job.Download, error)
	Reusable(ctx context.Context, sourceID, quality, format string) (*job.Download, error)
}

type Jobs interface {
	Get(ctx context.Context, id string) (*job.Download, error)
	Recent(ctx context.Context, limit int) ([]*job.Download, error)
}

type Artifacts interface {
	Locate(ctx context.Context, id string) (*artifact.Artifact, error)
	Open(a *artifact.Artifact) (afero.File, error)
}

// Deps are the collaborators of Handler.
type Deps struct {
	Videos    VideoResolver
	Formats   FormatResolver
	Downloads Downloads
	Jobs      Jobs
	Artifacts Artifacts
	Clock     clockwork.Clock
	// BaseURL prefixes download links; empty yields relative links.
	BaseURL string
	Version string
	Log     *slog.Logger
}

// Handler serves the /api routes.
type Handler struct {
	videos    VideoResolver
	formats   FormatResolver
	downloads Downloads
	jobs      Jobs
	artifacts Artifacts
	clock     clockwork.Clock
	baseURL   string
	version   string
	log       *slog.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		videos:    d.Videos,
		formats:   d.Formats,
		downloads: d.Downloads,
		jobs:      d.Jobs,
		artifacts: d.Artifacts,
		clock:     d.Clock,
		baseURL:   d.BaseURL,
		version:   d.Version,
		log:       d.Log.With(slog.String("item", "API")),
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func ok(c *gin.Context, code int, msg string, data any) {
	c.JSON(code, envelope{Success: true, Message: msg, Data: data})
}

func fail(c *gin.Context, code int, msg string) {
	c.JSON(code, envelope{Message: msg})
}

// respond maps an error kind to its status code.
func (h *Handler) respond(c *gin.Context, err error, fallback string) {
	code := http.StatusInternalServerError
	switch common.KindOf(err) {
	case common.KindValidation:
		code = http.StatusBadRequest
	case common.KindNotFound:
		code = http.StatusNotFound
	}

	if code == http.StatusInternalServerError {
		h.log.Error(fallback, slog.String("path", c.FullPath()), slog.String("err", err.Error()))
	}

	fail(c, code, common.Message(err, fallback))
}

type statusView struct {
	ID           string     `json:"id"`
	Status       job.Status `json:"status"`
	Progress     int        `json:"progress"`
	Title        string     `json:"title"`
	Quality      string     `json:"quality"`
	Format       string     `json:"format"`
	FileSize     int64      `json:"file_size,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type historyView struct {
	statusView
	Platform  string    `json:"platform"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) downloadURL(d *job.Download, now time.Time) string {
	if !d.Available(now) {
		return ""
	}
	return h.baseURL + "/api/video/download/file/" + d.ID
}

// present renders d as clients see it at now. A Completed job past its
// expiry reads as expired before the reaper gets to it.
func (h *Handler) present(d *job.Download, now time.Time) statusView {
	v := statusView{
		ID:           d.ID,
		Status:       d.Status,
		Progress:     d.Progress,
		Title:        d.Title,
		Quality:      d.Quality,
		Format:       d.Format,
		FileSize:     d.FileSize,
		DownloadURL:  h.downloadURL(d, now),
		ErrorMessage: d.ErrorMessage,
	}
	if d.Status == job.StatusCompleted && d.IsExpired(now) {
		v.Status = job.StatusExpired
	}
	if !d.ExpiresAt.IsZero() {
		expiresAt := d.ExpiresAt
		v.ExpiresAt = &expiresAt
	}

	return v
}

// Health handles GET /api/health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": h.clock.Now(),
		"version":   h.version,
	})
}

// Analyze handles POST /api/video/analyze.
func (h *Handler) Analyze(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid URL provided")
		return
	}

	info, err := h.videos.Resolve(c.Request.Context(), req.URL)
	if err != nil {
		h.respond(c, err, "Failed to analyze video. Please try again later.")
		return
	}

	ok(c, http.StatusOK, "", gin.H{
		"video_info": info,
		"qualities":  h.formats.Resolve(c.Request.Context(), info.ID, req.URL),
	})
}

type downloadRequest struct {
	URL       string `json:"url" binding:"required"`
	VideoID   string `json:"video_id" binding:"required"`
	Title     string `json:"title" binding:"required"`
	Quality   string `json:"quality" binding:"required"`
	Format    string `json:"format" binding:"required"`
	Thumbnail string `json:"thumbnail"`
	Duration  string `json:"duration"`
}

// Download handles POST /api/video/download. An identical request with a
// still available artifact gets the existing job back.
func (h *Handler) Download(c *gin.Context) {
	var req downloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request data")
		return
	}

	ctx := c.Request.Context()
	now := h.clock.Now()

	existing, err := h.downloads.Reusable(ctx, req.VideoID, req.Quality, req.Format)
	if err != nil {
		h.log.Warn("dedup lookup failed", slog.String("video_id", req.VideoID), slog.String("err", err.Error()))
	}
	if existing != nil {
		ok(c, http.StatusOK, "Download already available", gin.H{
			"download_id":  existing.ID,
			"status":       existing.Status,
			"progress":     existing.Progress,
			"download_url": h.downloadURL(existing, now),
		})
		return
	}

	d, err := h.downloads.Create(ctx, download.CreateRequest{
		SourceID:  req.VideoID,
		SourceURL: req.URL,
		Title:     req.Title,
		Thumbnail: req.Thumbnail,
		Duration:  req.Duration,
		Quality:   req.Quality,
		Format:    req.Format,
	})
	if err != nil {
		h.respond(c, err, "Failed to initiate download. Please try again later.")
		return
	}

	ok(c, http.StatusAccepted, "Download initiated successfully", gin.H{
		"download_id": d.ID,
		"status":      d.Status,
		"progress":    d.Progress,
	})
}

// Status handles GET /api/video/status/:id.
func (h *Handler) Status(c *gin.Context) {
	d, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, common.ErrJobNotFound) {
		fail(c, http.StatusNotFound, "Download not found")
		return
	}
	if err != nil {
		h.respond(c, err, "Failed to get download status")
		return
	}

	ok(c, http.StatusOK, "", h.present(d, h.clock.Now()))
}

// History handles GET /api/video/history.
func (h *Handler) History(c *gin.Context) {
	downloads, err := h.jobs.Recent(c.Request.Context(), historyLimit)
	if err != nil {
		h.respond(c, err, "Failed to fetch download history")
		return
	}

	now := h.clock.Now()
	views := make([]historyView, 0, len(downloads))
	for _, d := range downloads {
		views = append(views, historyView{
			statusView: h.present(d, now),
			Platform:   platform,
			Thumbnail:  d.Thumbnail,
			CreatedAt:  d.CreatedAt,
		})
	}

	ok(c, http.StatusOK, "", views)
}

// DownloadFile sends the artifact as an attachment.
func (h *Handler) DownloadFile(c *gin.Context) {
	a, f, found := h.open(c)
	if !found {
		return
	}
	defer f.Close()

	c.DataFromReader(http.StatusOK, a.Size, a.MIMEType, f, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": a.DisplayName}),
	})
}

// StreamFile serves the artifact inline with range support.
func (h *Handler) StreamFile(c *gin.Context) {
	a, f, found := h.open(c)
	if !found {
		return
	}
	defer f.Close()

	c.Header("Content-Type", a.MIMEType)
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": a.DisplayName}))
	c.Header("Accept-Ranges", "bytes")
	http.ServeContent(c.Writer, c.Request, a.DisplayName, a.ModTime, f)
}

func (h *Handler) open(c *gin.Context) (*artifact.Artifact, afero.File, bool) {
	a, err := h.artifacts.Locate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, common.ErrArtifactUnavailable) {
		fail(c, http.StatusNotFound, common.ErrArtifactUnavailable.Error())
		return nil, nil, false
	}
	if err != nil {
		h.respond(c, err, "Failed to read file")
		return nil, nil, false
	}

	f, err := h.artifacts.Open(a)
	if err != nil {
		h.respond(c, err, "Failed to read file")
		return nil, nil, false
	}

	h.log.Debug("serving artifact", slog.String("download_id", c.Param("id")),
		slog.String("file_path", a.Path), slog.Int64("size", a.Size))

	return a, f, true
}
