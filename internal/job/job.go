package job

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a download job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
)

const (
	QualityAudio = "audio"
	FormatMP3    = "mp3"
	FormatM4A    = "m4a"
)

var transitions = map[Status][]Status{
	StatusPending:     {StatusDownloading, StatusFailed},
	StatusDownloading: {StatusCompleted, StatusFailed},
	StatusCompleted:   {StatusExpired},
}

func (s Status) String() string {
	return string(s)
}

// IsActive reports whether a worker may still change the job's outcome.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

// IsTerminal reports whether the job has left {Pending, Downloading}.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// Sources returns every status that may move into to.
func Sources(to Status) []Status {
	var from []Status
	for _, s := range []Status{StatusPending, StatusDownloading, StatusCompleted, StatusFailed, StatusExpired} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}

	return from
}

// Download is the persistent record of one extraction request.
type Download struct {
	ID           string
	SourceID     string
	SourceURL    string
	Title        string
	Thumbnail    string
	Duration     string
	Quality      string
	Format       string
	Status       Status
	Progress     int
	FilePath     string // relative to the artifact directory
	FileSize     int64
	ErrorMessage string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsExpired is the lazy expiry check used on every read path.
func (d *Download) IsExpired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && now.After(d.ExpiresAt)
}

// Available reports whether the artifact may be served at now.
func (d *Download) Available(now time.Time) bool {
	return d.Status == StatusCompleted && d.FilePath != "" && !d.IsExpired(now)
}

// IsAudio reports whether the request asks for audio only.
func (d *Download) IsAudio() bool {
	return IsAudio(d.Quality, d.Format)
}

// Fingerprint is the dedup key of d, see Fingerprint.
func (d *Download) Fingerprint() string {
	return Fingerprint(d.SourceID, d.Quality, d.Format)
}

// IsAudio reports whether quality and format together ask for an audio-only
// artifact.
func IsAudio(quality, format string) bool {
	return quality == QualityAudio || IsAudioFormat(format)
}

// IsAudioFormat reports whether format is an audio-only container.
func IsAudioFormat(format string) bool {
	return format == FormatMP3 || format == FormatM4A
}

// Fingerprint identifies requests that would produce the same artifact.
func Fingerprint(sourceID, quality, format string) string {
	return strings.Join([]string{sourceID, quality, format}, ":")
}

// Formats is the allow-list of container formats.
type Formats []string

// ParseFormats reads a comma separated list, ignoring blanks and case.
func ParseFormats(list string) Formats {
	var formats Formats
	for _, f := range strings.Split(list, ",") {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" {
			formats = append(formats, f)
		}
	}

	return formats
}

// Contains reports whether format is allowed.
func (f Formats) Contains(format string) bool {
	for _, allowed := range f {
		if allowed == format {
			return true
		}
	}

	return false
}
