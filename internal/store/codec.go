package store

import (
	"strconv"
	"time"

	"github.com/Slade66/media-fetcher/internal/job"
)

// toHash flattens d into hash fields. Empty strings are dropped so optional
// fields stay absent in Redis.
func toHash(d *job.Download) map[string]interface{} {
	m := map[string]interface{}{
		"id":            d.ID,
		"source_id":     d.SourceID,
		"source_url":    d.SourceURL,
		"title":         d.Title,
		"thumbnail":     d.Thumbnail,
		"duration":      d.Duration,
		"quality":       d.Quality,
		"format":        d.Format,
		"status":        string(d.Status),
		"progress":      strconv.Itoa(d.Progress),
		"file_path":     d.FilePath,
		"error_message": d.ErrorMessage,
		"expires_at":    formatTime(d.ExpiresAt),
		"created_at":    formatTime(d.CreatedAt),
		"updated_at":    formatTime(d.UpdatedAt),
	}
	if d.FileSize > 0 {
		m["file_size"] = strconv.FormatInt(d.FileSize, 10)
	}

	for k, v := range m {
		if vs, ok := v.(string); ok && vs == "" {
			delete(m, k)
		}
	}

	return m
}

func fromHash(data map[string]string) (*job.Download, error) {
	d := &job.Download{
		ID:           data["id"],
		SourceID:     data["source_id"],
		SourceURL:    data["source_url"],
		Title:        data["title"],
		Thumbnail:    data["thumbnail"],
		Duration:     data["duration"],
		Quality:      data["quality"],
		Format:       data["format"],
		Status:       job.Status(data["status"]),
		FilePath:     data["file_path"],
		ErrorMessage: data["error_message"],
	}

	var err error
	if d.Progress, err = atoi(data["progress"]); err != nil {
		return nil, err
	}
	if v := data["file_size"]; v != "" {
		if d.FileSize, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, err
		}
	}
	if d.ExpiresAt, err = parseTime(data["expires_at"]); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime(data["created_at"]); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(data["updated_at"]); err != nil {
		return nil, err
	}

	return d, nil
}

func atoi(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// Times are stored as Unix milliseconds so the expiry index can score by them.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
