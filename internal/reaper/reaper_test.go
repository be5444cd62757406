package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Slade66/media-fetcher/internal/artifact"
	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type recordingMirror struct {
	deleted []string
	err     error
}

func (m *recordingMirror) DeleteObject(name string) error {
	m.deleted = append(m.deleted, name)
	return m.err
}

func newStore(t *testing.T, clock clockwork.Clock) *store.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return store.New(rdb, clock)
}

func completeJob(t *testing.T, s *store.Store, id, name string, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &job.Download{
		ID:        id,
		SourceID:  "dQw4w9WgXcQ",
		Quality:   "720p",
		Format:    "mp4",
		Status:    job.StatusPending,
		ExpiresAt: expiresAt,
	}))
	require.NoError(t, s.MarkDownloading(ctx, id))
	require.NoError(t, s.MarkCompleted(ctx, id, name, 5))
}

func TestSweepAfterRetention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := newStore(t, clock)
	fsys := afero.NewMemMapFs()
	mirror := &recordingMirror{}

	completeJob(t, s, "a", "clip_720p_a.mp4", epoch.Add(24*time.Hour))
	require.NoError(t, afero.WriteFile(fsys, "clip_720p_a.mp4", []byte("media"), 0o644))

	r := New(s, fsys, mirror, clock, discard)
	locator := artifact.NewLocator(s, fsys, clock, discard)

	require.Equal(t, 0, r.Sweep(context.Background()), "nothing due yet")
	_, err := locator.Locate(context.Background(), "a")
	require.NoError(t, err)

	clock.Advance(25 * time.Hour)

	require.Equal(t, 1, r.Sweep(context.Background()))

	exists, err := afero.Exists(fsys, "clip_720p_a.mp4")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, []string{"clip_720p_a.mp4"}, mirror.deleted)

	d, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, job.StatusExpired, d.Status)

	_, err = locator.Locate(context.Background(), "a")
	assert.ErrorIs(t, err, common.ErrArtifactUnavailable)

	require.Equal(t, 0, r.Sweep(context.Background()), "expired jobs are not swept twice")
	require.ErrorIs(t, s.MarkCompleted(context.Background(), "a", "clip_720p_a.mp4", 5), common.ErrInvalidTransition)
}

func TestSweepSkipsUnreadableRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := store.New(rdb, clock)
	fsys := afero.NewMemMapFs()

	completeJob(t, s, "broken", "broken.mp4", epoch.Add(time.Hour))
	completeJob(t, s, "intact", "intact.mp4", epoch.Add(time.Hour))
	require.NoError(t, rdb.HSet(context.Background(), "download:broken", "progress", "garbage").Err())
	require.NoError(t, afero.WriteFile(fsys, "intact.mp4", []byte("x"), 0o644))

	clock.Advance(2 * time.Hour)
	r := New(s, fsys, nil, clock, discard)

	require.Equal(t, 1, r.Sweep(context.Background()))
	d, err := s.Get(context.Background(), "intact")
	require.NoError(t, err)
	assert.Equal(t, job.StatusExpired, d.Status)
}

func TestSweepToleratesMissingFiles(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := newStore(t, clock)
	fsys := afero.NewMemMapFs()

	completeJob(t, s, "gone", "gone.mp4", epoch.Add(time.Hour))
	completeJob(t, s, "here", "here.mp4", epoch.Add(time.Hour))
	require.NoError(t, afero.WriteFile(fsys, "here.mp4", []byte("x"), 0o644))

	clock.Advance(2 * time.Hour)
	r := New(s, fsys, &recordingMirror{err: errors.New("bucket offline")}, clock, discard)

	require.Equal(t, 2, r.Sweep(context.Background()))

	for _, id := range []string{"gone", "here"} {
		d, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusExpired, d.Status, id)
	}
}

type flakyStore struct {
	due    []*job.Download
	failOn string
	marked []string
}

func (f *flakyStore) ExpiredCompleted(context.Context, time.Time) ([]*job.Download, error) {
	return f.due, nil
}

func (f *flakyStore) MarkExpired(_ context.Context, id string) error {
	if id == f.failOn {
		return errors.New("write failed")
	}
	f.marked = append(f.marked, id)
	return nil
}

func TestSweepIsolatesFailures(t *testing.T) {
	fs := &flakyStore{
		due: []*job.Download{
			{ID: "a", FilePath: "a.mp4", Status: job.StatusCompleted},
			{ID: "b", FilePath: "b.mp4", Status: job.StatusCompleted},
			{ID: "c", FilePath: "c.mp4", Status: job.StatusCompleted},
		},
		failOn: "b",
	}

	r := New(fs, afero.NewMemMapFs(), nil, clockwork.NewFakeClockAt(epoch), discard)

	assert.Equal(t, 2, r.Sweep(context.Background()))
	assert.Equal(t, []string{"a", "c"}, fs.marked)
}

func TestRunStopsOnCancel(t *testing.T) {
	fs := &flakyStore{}
	r := New(fs, afero.NewMemMapFs(), nil, clockwork.NewRealClock(), discard)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx, time.Millisecond)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
