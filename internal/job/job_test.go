package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusPending, StatusDownloading, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusDownloading, StatusCompleted, true},
		{StatusDownloading, StatusFailed, true},
		{StatusDownloading, StatusPending, false},
		{StatusCompleted, StatusExpired, true},
		{StatusCompleted, StatusFailed, false},
		{StatusExpired, StatusCompleted, false},
		{StatusFailed, StatusDownloading, false},
		{StatusFailed, StatusPending, false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransition(tc.from, tc.to))
		})
	}
}

func TestSources(t *testing.T) {
	assert.ElementsMatch(t, []Status{StatusPending, StatusDownloading}, Sources(StatusFailed))
	assert.ElementsMatch(t, []Status{StatusCompleted}, Sources(StatusExpired))
	assert.Empty(t, Sources(StatusPending))
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusPending.IsActive())
	assert.True(t, StatusDownloading.IsActive())
	assert.False(t, StatusCompleted.IsActive())

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusExpired} {
		assert.True(t, s.IsTerminal(), s)
	}
	assert.False(t, StatusDownloading.IsTerminal())
}

func TestAvailable(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := &Download{
		Status:    StatusCompleted,
		FilePath:  "clip_720p_abcd1234.mp4",
		ExpiresAt: now.Add(time.Hour),
	}

	require.True(t, d.Available(now))
	require.False(t, d.Available(now.Add(2*time.Hour)), "expired by time alone")

	d.Progress = 100
	d.Status = StatusDownloading
	require.False(t, d.Available(now), "progress 100 is not completion")
}

func TestFormats(t *testing.T) {
	formats := ParseFormats(" MP4, mp3,,webm ,m4a")

	assert.Equal(t, Formats{"mp4", "mp3", "webm", "m4a"}, formats)
	assert.True(t, formats.Contains("webm"))
	assert.False(t, formats.Contains("avi"))
}

func TestIsAudio(t *testing.T) {
	assert.True(t, IsAudio("720p", "mp3"))
	assert.True(t, IsAudio("audio", "m4a"))
	assert.True(t, IsAudio("720p", "m4a"), "m4a is an audio container")
	assert.True(t, IsAudio("audio", "mp4"))
	assert.False(t, IsAudio("720p", "mp4"))
	assert.False(t, IsAudio("1080p", "webm"))

	assert.True(t, IsAudioFormat("m4a"))
	assert.False(t, IsAudioFormat("mp4"))
	assert.Equal(t, "abc:720p:mp4", Fingerprint("abc", "720p", "mp4"))
}
