package metadata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/kkdai/youtube/v2"
)

// Info is what the rest of the system needs to know about a video.
type Info struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Channel   string `json:"channel_title,omitempty"`
}

// VideoGetter is satisfied by *youtube.Client.
type VideoGetter interface {
	GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
}

// Resolver looks up video metadata on YouTube.
type Resolver struct {
	videos VideoGetter
	log    *slog.Logger
}

func New(httpClient *http.Client, log *slog.Logger) *Resolver {
	return NewWithGetter(&youtube.Client{HTTPClient: httpClient}, log)
}

func NewWithGetter(videos VideoGetter, log *slog.Logger) *Resolver {
	return &Resolver{videos: videos, log: log.With(slog.String("item", "Metadata"))}
}

var (
	idRe  = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
	hosts = map[string]bool{"youtube.com": true, "youtu.be": true}
)

// ExtractID returns the provider's video id for a watch, short or embed URL.
func ExtractID(rawURL string) (string, error) {
	invalid := func(err error) (string, error) {
		return "", common.E(common.KindValidation, "metadata.ExtractID", "Invalid YouTube URL", err)
	}

	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return invalid(err)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(u.Hostname()), "www."), "m.")
	if !hosts[host] {
		return invalid(nil)
	}

	id, err := youtube.ExtractVideoID(rawURL)
	if err != nil || !idRe.MatchString(id) {
		return invalid(err)
	}

	return id, nil
}

// Resolve looks the video up. Lookup failures degrade to basic info; only a
// URL without a video id is an error.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*Info, error) {
	id, err := ExtractID(rawURL)
	if err != nil {
		return nil, err
	}

	v, err := r.videos.GetVideoContext(ctx, id)
	if err != nil {
		r.log.Warn("video lookup failed, falling back to basic info",
			slog.String("video_id", id), slog.String("err", err.Error()))
		return basicInfo(id), nil
	}

	info := &Info{
		ID:        id,
		Title:     v.Title,
		Thumbnail: bestThumbnail(v.Thumbnails),
		Duration:  FormatDuration(v.Duration),
		Channel:   v.Author,
	}
	if info.Title == "" {
		info.Title = "Unknown Title"
	}
	if info.Thumbnail == "" {
		info.Thumbnail = basicInfo(id).Thumbnail
	}

	return info, nil
}

func basicInfo(id string) *Info {
	return &Info{
		ID:        id,
		Title:     "YouTube Video",
		Thumbnail: fmt.Sprintf("https://img.youtube.com/vi/%s/maxresdefault.jpg", id),
		Duration:  "0:00",
	}
}

func bestThumbnail(thumbs youtube.Thumbnails) string {
	var (
		best  string
		width uint
	)
	for _, t := range thumbs {
		if t.Width >= width {
			best, width = t.URL, t.Width
		}
	}

	return best
}

// FormatDuration renders H:MM:SS, or M:SS under an hour.
func FormatDuration(d time.Duration) string {
	total := int(d.Round(time.Second) / time.Second)
	h, m, s := total/3600, (total%3600)/60, total%60

	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
