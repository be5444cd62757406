package catalog

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
)

const DefaultListTimeout = 30 * time.Second

// Format is one downloadable encoding.
type Format struct {
	FormatID   string `json:"format_id"`
	Quality    string `json:"quality"`
	Format     string `json:"format"`
	Resolution string `json:"resolution"`
	ApproxSize string `json:"filesize,omitempty"`
}

var bestAudio = Format{
	FormatID:   "bestaudio",
	Quality:    job.QualityAudio,
	Format:     job.FormatMP3,
	Resolution: "audio",
}

// Fallback is returned whenever the tool cannot list formats.
func Fallback() []Format {
	audio := bestAudio
	audio.ApproxSize = "~5MB"

	return []Format{
		{FormatID: "best[height<=2160]", Quality: "2160p", Format: "mp4", Resolution: "3840x2160", ApproxSize: "~500MB"},
		{FormatID: "best[height<=1080]", Quality: "1080p", Format: "mp4", Resolution: "1920x1080", ApproxSize: "~200MB"},
		{FormatID: "best[height<=720]", Quality: "720p", Format: "mp4", Resolution: "1280x720", ApproxSize: "~100MB"},
		{FormatID: "best[height<=480]", Quality: "480p", Format: "mp4", Resolution: "854x480", ApproxSize: "~50MB"},
		{FormatID: "best[height<=360]", Quality: "360p", Format: "mp4", Resolution: "640x360", ApproxSize: "~25MB"},
		audio,
	}
}

// Runner runs a command and returns its stdout.
type Runner func(ctx context.Context, bin string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, bin string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, &runError{err: err, stderr: stderr.String()}
	}

	return out, err
}

type runError struct {
	err    error
	stderr string
}

func (e *runError) Error() string { return e.err.Error() + ": " + strings.TrimSpace(e.stderr) }
func (e *runError) Unwrap() error { return e.err }

// Resolver lists the encodings available for a source.
type Resolver struct {
	opts    ytdlp.Options
	tool    probe.Capability
	allowed job.Formats
	timeout time.Duration
	run     Runner
	log     *slog.Logger
}

func New(opts ytdlp.Options, tool probe.Capability, allowed job.Formats, timeout time.Duration, log *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultListTimeout
	}

	return &Resolver{
		opts:    opts,
		tool:    tool,
		allowed: allowed,
		timeout: timeout,
		run:     execRunner,
		log:     log.With(slog.String("item", "Catalog")),
	}
}

// WithRunner replaces the command runner.
func (r *Resolver) WithRunner(run Runner) *Resolver {
	r.run = run
	return r
}

// Resolve never fails: any problem with the tool yields Fallback.
func (r *Resolver) Resolve(ctx context.Context, sourceID, url string) []Format {
	log := r.log.With(slog.String("source_id", sourceID))

	if !r.tool.Available(ctx) {
		log.Warn("yt-dlp not available, using default qualities")
		return Fallback()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, r.opts.Binary, r.opts.ListFormatsArgs(url)...)
	if err != nil {
		log.Error("yt-dlp list formats failed", slog.String("url", url), slog.String("err", err.Error()))
		return Fallback()
	}

	formats := Parse(string(out), r.allowed)
	if len(formats) <= 1 {
		log.Warn("no usable formats listed, using default qualities", slog.String("url", url))
		return Fallback()
	}

	return formats
}

var (
	lineRe       = regexp.MustCompile(`^(\S+)\s+(\w+)\s+.*?(\d+)p`)
	resolutionRe = regexp.MustCompile(`\b(\d+x\d+)\b`)
	sizeRe       = regexp.MustCompile(`(\d+(?:\.\d+)?[KMG]iB)`)
)

// Parse reads "--list-formats" output. Unmatched lines are skipped, formats
// outside allowed are dropped, the first entry per (quality, format) wins and
// a best-audio mp3 entry always closes the list.
func Parse(output string, allowed job.Formats) []Format {
	type row struct {
		Format
		height int
	}

	var rows []row
	seen := make(map[string]bool)

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "format code") {
			continue
		}

		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		ext := strings.ToLower(m[2])
		if !allowed.Contains(ext) {
			continue
		}

		quality := m[3] + "p"
		key := quality + "_" + ext
		if seen[key] {
			continue
		}
		seen[key] = true

		height, _ := strconv.Atoi(m[3])
		f := Format{FormatID: m[1], Quality: quality, Format: ext, Resolution: quality}
		if res := resolutionRe.FindStringSubmatch(line); res != nil {
			f.Resolution = res[1]
		}
		if size := sizeRe.FindStringSubmatch(line); size != nil {
			f.ApproxSize = "~" + size[1]
		}

		rows = append(rows, row{Format: f, height: height})
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].height > rows[j].height })

	formats := make([]Format, 0, len(rows)+1)
	for _, r := range rows {
		formats = append(formats, r.Format)
	}

	return append(formats, bestAudio)
}
