package metadata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/kkdai/youtube/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGetter struct {
	video *youtube.Video
	err   error
	gotID string
}

func (f *fakeGetter) GetVideoContext(_ context.Context, id string) (*youtube.Video, error) {
	f.gotID = id
	return f.video, f.err
}

func TestExtractID(t *testing.T) {
	testCases := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://m.youtube.com/watch?v=dQw4w9WgXcQ&t=42", "dQw4w9WgXcQ"},
	}

	for _, tc := range testCases {
		t.Run(tc.url, func(t *testing.T) {
			id, err := ExtractID(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}

	_, err := ExtractID("https://example.com/x")
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestResolve(t *testing.T) {
	g := &fakeGetter{video: &youtube.Video{
		Title:    "Never Gonna Give You Up",
		Author:   "Rick Astley",
		Duration: 3*time.Minute + 33*time.Second,
		Thumbnails: youtube.Thumbnails{
			{URL: "small.jpg", Width: 120},
			{URL: "large.jpg", Width: 1280},
			{URL: "medium.jpg", Width: 480},
		},
	}}

	info, err := NewWithGetter(g, discard).Resolve(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)

	assert.Equal(t, "dQw4w9WgXcQ", g.gotID)
	assert.Equal(t, &Info{
		ID:        "dQw4w9WgXcQ",
		Title:     "Never Gonna Give You Up",
		Thumbnail: "large.jpg",
		Duration:  "3:33",
		Channel:   "Rick Astley",
	}, info)
}

func TestResolveFallsBack(t *testing.T) {
	g := &fakeGetter{err: errors.New("cipher not found")}

	info, err := NewWithGetter(g, discard).Resolve(context.Background(), "https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)

	assert.Equal(t, "YouTube Video", info.Title)
	assert.Equal(t, "https://img.youtube.com/vi/dQw4w9WgXcQ/maxresdefault.jpg", info.Thumbnail)
	assert.Equal(t, "0:00", info.Duration)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00", FormatDuration(0))
	assert.Equal(t, "0:59", FormatDuration(59*time.Second))
	assert.Equal(t, "12:05", FormatDuration(12*time.Minute+5*time.Second))
	assert.Equal(t, "1:02:03", FormatDuration(time.Hour+2*time.Minute+3*time.Second))
}
