package task

import "time"

// DownloadTask is the message carried on the Redis Stream. It only names the
// job; the job record itself lives in the store.
type DownloadTask struct {
	// ID of the download job to drive.
	ID string `json:"id"`

	// Attempt counts deliveries of this task, starting at 1.
	Attempt int `json:"attempt"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// New returns the first attempt for job id.
func New(id string, now time.Time) *DownloadTask {
	return &DownloadTask{ID: id, Attempt: 1, EnqueuedAt: now}
}

// Retry returns the next delivery of t.
func (t *DownloadTask) Retry(now time.Time) *DownloadTask {
	return &DownloadTask{ID: t.ID, Attempt: t.Attempt + 1, EnqueuedAt: now}
}
