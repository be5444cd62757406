// Package ytdlp builds yt-dlp command lines and reads its text output.
package ytdlp

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
)

const (
	defaultFFmpeg = "ffmpeg"
	audioBitrate  = "192K"
	maxMessageLen = 255
)

// Options are the tool settings shared by every command.
type Options struct {
	Binary              string
	FFmpegPath          string
	NoCheckCertificates bool
	MaxFileSize         int64
}

// Request describes one extraction.
type Request struct {
	URL     string
	Quality string
	Format  string
	Output  string
	Audio   bool
	// Transcoder reports whether ffmpeg can convert audio to Format.
	Transcoder bool
}

// audioFormats are --audio-format values that are also file extensions.
var audioFormats = map[string]bool{
	"mp3":  true,
	"m4a":  true,
	"aac":  true,
	"opus": true,
	"flac": true,
	"wav":  true,
}

// AudioFormat is the --audio-format used for a requested container. The
// converted file must carry the extension the caller will look for.
func AudioFormat(format string) string {
	if audioFormats[format] {
		return format
	}

	return "mp3"
}

var heights = map[string]string{
	"2160p": "2160",
	"1080p": "1080",
	"720p":  "720",
	"480p":  "480",
	"360p":  "360",
}

// FormatSelector maps a quality label to a yt-dlp -f expression.
func FormatSelector(quality string) string {
	h, ok := heights[quality]
	if !ok {
		return "best"
	}

	return "best[height<=" + h + "]/best"
}

// DownloadArgs returns the argv (without the binary) for req. Note is non-empty
// when the request was degraded, e.g. audio kept in its source codec.
func (o Options) DownloadArgs(req Request) (args []string, note string) {
	args = []string{"--no-warnings", "--newline", "--prefer-free-formats", "--no-playlist"}

	if o.NoCheckCertificates {
		args = append(args, "--no-check-certificates")
	}
	if o.FFmpegPath != "" && o.FFmpegPath != defaultFFmpeg {
		args = append(args, "--ffmpeg-location", o.FFmpegPath)
	}
	if o.MaxFileSize > 0 {
		args = append(args, "--max-filesize", strconv.FormatInt(o.MaxFileSize, 10))
	}

	switch {
	case req.Audio && req.Transcoder:
		args = append(args, "--extract-audio", "--audio-format", AudioFormat(req.Format), "--audio-quality", audioBitrate)
	case req.Audio:
		args = append(args, "-f", "bestaudio[ext="+AudioFormat(req.Format)+"]/bestaudio")
		note = "ffmpeg missing: downloading audio in original format"
	default:
		args = append(args, "-f", FormatSelector(req.Quality))
	}

	args = append(args, "-o", OutputTemplate(req), req.URL)

	return args, note
}

// OutputTemplate is the -o value for req. Audio extraction lets yt-dlp pick
// the intermediate extension so the converted file lands on req.Output.
func OutputTemplate(req Request) string {
	if req.Audio && req.Transcoder {
		return strings.TrimSuffix(req.Output, path.Ext(req.Output)) + ".%(ext)s"
	}

	return req.Output
}

// ListFormatsArgs returns the argv for format-listing mode.
func (o Options) ListFormatsArgs(url string) []string {
	args := []string{"--list-formats", "--no-warnings", "--quiet"}
	if o.NoCheckCertificates {
		args = append(args, "--no-check-certificates")
	}

	return append(args, url)
}

// CommandLine renders argv the way a shell would need it, for logs.
func CommandLine(bin string, args []string) string {
	return shellquote.Join(append([]string{bin}, args...)...)
}

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// ParseProgress returns the highest "[download] N%" value in chunk, truncated
// to an integer, or -1 when chunk has none.
func ParseProgress(chunk string) int {
	best := -1
	for _, m := range progressRe.FindAllStringSubmatch(chunk, -1) {
		f, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if p := int(f); p > best {
			best = p
		}
	}

	return best
}

var knownFailures = []struct {
	needles []string
	msg     string
}{
	{[]string{"Video unavailable", "Private video", "This video is not available"}, "Video is unavailable or private."},
	{[]string{"Sign in to confirm your age", "age-restricted"}, "Video is age restricted and cannot be downloaded."},
	{[]string{"File is larger than max-filesize", "larger than max-filesize"}, "File exceeds the maximum allowed size."},
	{[]string{"permission denied", "Permission denied"}, "Storage permission denied. Please contact system administrator."},
	{[]string{"No space left", "no space left"}, "Disk space exhausted. Cannot complete download."},
	{[]string{"ffmpeg", "ffprobe", "Postprocessing"}, "Media processing error (FFmpeg failed). Please try again."},
	{[]string{"HTTP Error 403", "403: Forbidden"}, "Access forbidden. The provider might be throttling the server."},
	{[]string{"Requested format is not available"}, "Requested quality is not available for this video."},
}

// Describe turns captured stderr into a message safe to store and show.
// Raw stderr belongs in server logs only.
func Describe(stderr string) string {
	for _, f := range knownFailures {
		for _, n := range f.needles {
			if strings.Contains(stderr, n) {
				return f.msg
			}
		}
	}

	var last string
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ERROR:") {
			last = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if last == "" {
		return "Download process failed."
	}

	return "Download process failed: " + truncate(last, maxMessageLen)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
