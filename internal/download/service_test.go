package download

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/Slade66/media-fetcher/internal/probe"
	"github.com/Slade66/media-fetcher/internal/store"
	"github.com/Slade66/media-fetcher/internal/supervisor"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/Slade66/media-fetcher/pkg/task"
	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
	epoch   = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

type fakeDispatcher struct {
	tasks []*task.DownloadTask
	err   error
}

func (f *fakeDispatcher) Enqueue(_ context.Context, t *task.DownloadTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, t)
	return nil
}

// fakeRunner yields samples as given, then outcome. after runs once each
// yield returns.
type fakeRunner struct {
	samples []int
	outcome *supervisor.Outcome
	panics  bool
	after   func()
	got     supervisor.Command
}

func (f *fakeRunner) Run(_ context.Context, cmd supervisor.Command, _ time.Duration) iter.Seq2[supervisor.Sample, *supervisor.Outcome] {
	f.got = cmd
	return func(yield func(supervisor.Sample, *supervisor.Outcome) bool) {
		for _, p := range f.samples {
			if !yield(supervisor.Sample{Percent: p}, nil) {
				return
			}
			if f.after != nil {
				f.after()
			}
		}
		if f.panics {
			panic("boom")
		}
		if f.outcome != nil {
			yield(supervisor.Sample{}, f.outcome)
		}
	}
}

type fakeMirror struct{ names []string }

func (m *fakeMirror) UploadFile(name, _ string) error {
	m.names = append(m.names, name)
	return nil
}

type fixture struct {
	svc        *Service
	store      *store.Store
	dispatcher *fakeDispatcher
	runner     *fakeRunner
	mirror     *fakeMirror
	clock      clockwork.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := clockwork.NewFakeClockAt(epoch)
	f := &fixture{
		store:      store.New(rdb, clock),
		dispatcher: &fakeDispatcher{},
		runner:     &fakeRunner{},
		mirror:     &fakeMirror{},
		clock:      clock,
	}
	f.svc = New(Deps{
		Store:      f.store,
		Dispatcher: f.dispatcher,
		Runner:     f.runner,
		Extractor:  probe.Static(true),
		Transcoder: probe.Static(true),
		Mirror:     f.mirror,
		Clock:      clock,
		Log:        discard,
	}, Options{
		Tool:        ytdlp.Options{Binary: "yt-dlp", FFmpegPath: "ffmpeg", MaxFileSize: 500000000},
		ArtifactDir: "/data/downloads",
		Allowed:     job.ParseFormats("mp4,mp3,webm,m4a"),
		Retention:   24 * time.Hour,
		Timeout:     time.Hour,
	})

	return f
}

func validRequest() CreateRequest {
	return CreateRequest{
		SourceID:  "dQw4w9WgXcQ",
		SourceURL: "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Title:     "Never Gonna Give You Up",
		Quality:   "720p",
		Format:    "mp4",
	}
}

func (f *fixture) created(t *testing.T) *job.Download {
	t.Helper()

	d, err := f.svc.Create(context.Background(), validRequest())
	require.NoError(t, err)
	return d
}

func (f *fixture) get(t *testing.T, id string) *job.Download {
	t.Helper()

	d, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	d := f.created(t)

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusPending, stored.Status)
	assert.Equal(t, 0, stored.Progress)
	assert.Equal(t, epoch.Add(24*time.Hour), stored.ExpiresAt)
	require.Len(t, f.dispatcher.tasks, 1)
	assert.Equal(t, d.ID, f.dispatcher.tasks[0].ID)
	assert.Equal(t, 1, f.dispatcher.tasks[0].Attempt)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"format not allowed", func(r *CreateRequest) { r.Format = "avi" }},
		{"missing source id", func(r *CreateRequest) { r.SourceID = "" }},
		{"missing title", func(r *CreateRequest) { r.Title = "" }},
		{"missing url", func(r *CreateRequest) { r.SourceURL = "" }},
		{"missing quality", func(r *CreateRequest) { r.Quality = "" }},
		{"audio into a video container", func(r *CreateRequest) { r.Quality, r.Format = "audio", "mp4" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			tc.mutate(&req)

			d, err := f.svc.Create(context.Background(), req)

			require.Nil(t, d)
			assert.Equal(t, common.KindValidation, common.KindOf(err))
			recent, rerr := f.store.Recent(context.Background(), 10)
			require.NoError(t, rerr)
			assert.Empty(t, recent, "nothing persisted")
			assert.Empty(t, f.dispatcher.tasks)
		})
	}
}

func TestCreateEnqueueFailure(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = errors.New("stream unavailable")

	d, err := f.svc.Create(context.Background(), validRequest())

	require.Error(t, err)
	assert.Equal(t, common.KindDispatch, common.KindOf(err))
	require.NotNil(t, d)

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, "Failed to start download process", stored.ErrorMessage)
}

func TestProcessSuccess(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	f.runner.samples = []int{5, 40, 80}
	f.runner.outcome = &supervisor.Outcome{Result: supervisor.Succeeded, Size: 4096}

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.Equal(t, int64(4096), stored.FileSize)
	assert.Equal(t, FileName(stored), stored.FilePath)
	assert.Empty(t, stored.ErrorMessage)

	assert.Equal(t, "yt-dlp", f.runner.got.Path)
	assert.Equal(t, stored.FilePath, f.runner.got.Output)
	assert.Contains(t, f.runner.got.Args, "best[height<=720]/best")
	assert.Contains(t, f.runner.got.Args, "/data/downloads/"+stored.FilePath)
	assert.Equal(t, []string{stored.FilePath}, f.mirror.names)

	reused, err := f.svc.Reusable(context.Background(), "dQw4w9WgXcQ", "720p", "MP4")
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.Equal(t, d.ID, reused.ID)
}

func TestProcessEmptyOutput(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	f.runner.samples = []int{60}
	f.runner.outcome = &supervisor.Outcome{Result: supervisor.Failed, Message: "Downloaded file is empty."}

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, strings.ToLower(stored.ErrorMessage), "empty")
	assert.Equal(t, 60, stored.Progress, "progress frozen at last value")
	assert.Empty(t, stored.FilePath)
}

func TestProcessZeroSizeSuccessIsFailure(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	f.runner.outcome = &supervisor.Outcome{Result: supervisor.Succeeded, Size: 0}

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "empty")
}

func TestProcessTimeout(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	f.runner.samples = []int{12}
	f.runner.outcome = &supervisor.Outcome{Result: supervisor.TimedOut, Message: "Download timed out."}

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, "Download timed out.", stored.ErrorMessage)
	assert.Equal(t, 12, stored.Progress)
}

func TestProcessToolMissing(t *testing.T) {
	f := newFixture(t)
	f.svc.extractor = probe.Static(false)
	d := f.created(t)

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "yt-dlp")
}

func TestProcessAudioWithoutTranscoder(t *testing.T) {
	f := newFixture(t)
	f.svc.transcoder = probe.Static(false)
	req := validRequest()
	req.Quality, req.Format = "audio", "mp3"
	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	f.runner.outcome = &supervisor.Outcome{Result: supervisor.Succeeded, Size: 10}

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	assert.Contains(t, strings.Join(f.runner.got.Args, " "), "-f bestaudio")
	assert.NotContains(t, f.runner.got.Args, "--extract-audio")
}

func TestProcessAudioContainer(t *testing.T) {
	testCases := []struct {
		quality, format string
	}{
		{"720p", "m4a"},
		{"audio", "m4a"},
		{"audio", "mp3"},
	}

	for _, tc := range testCases {
		t.Run(tc.quality+"_"+tc.format, func(t *testing.T) {
			f := newFixture(t)
			req := validRequest()
			req.Quality, req.Format = tc.quality, tc.format
			d, err := f.svc.Create(context.Background(), req)
			require.NoError(t, err)
			f.runner.outcome = &supervisor.Outcome{Result: supervisor.Succeeded, Size: 10}

			require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

			line := strings.Join(f.runner.got.Args, " ")
			assert.Contains(t, line, "--extract-audio --audio-format "+tc.format)
			assert.NotContains(t, line, "best[height<=")

			// The converted file is the one the runner checks.
			name := f.runner.got.Output
			assert.True(t, strings.HasSuffix(name, "."+tc.format), name)
			stem := strings.TrimSuffix(filepath.Join("/data/downloads", name), "."+tc.format)
			assert.Contains(t, f.runner.got.Args, stem+".%(ext)s")
			assert.Equal(t, job.StatusCompleted, f.get(t, d.ID).Status)
		})
	}
}

func TestProcessPanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	f.runner.samples = []int{30}
	f.runner.panics = true

	require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, msgUnexpected, stored.ErrorMessage)
}

func TestProcessRedelivery(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	tk := f.dispatcher.tasks[0]

	require.NoError(t, f.store.MarkDownloading(context.Background(), d.ID))
	require.NoError(t, f.svc.Process(context.Background(), tk.Retry(epoch)))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, msgInterrupted, stored.ErrorMessage)

	f.runner.outcome = &supervisor.Outcome{Result: supervisor.Succeeded, Size: 1}
	require.NoError(t, f.svc.Process(context.Background(), tk))
	assert.Equal(t, job.StatusFailed, f.get(t, d.ID).Status, "terminal jobs are left alone")
}

func TestProcessUnknownJob(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Process(context.Background(), task.New("missing", epoch)))
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	d := f.created(t)
	require.NoError(t, f.store.MarkDownloading(context.Background(), d.ID))

	f.svc.Abandon(context.Background(), f.dispatcher.tasks[0], errors.New("redis timeout"))

	stored := f.get(t, d.ID)
	assert.Equal(t, job.StatusFailed, stored.Status)
	assert.Equal(t, msgExhausted, stored.ErrorMessage)
}

// Progress never decreases while downloading, whatever order samples arrive in.
func TestProgressMonotonicProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 25; i++ {
		f := newFixture(t)
		d := f.created(t)

		samples := make([]int, rng.IntN(30))
		for j := range samples {
			samples[j] = rng.IntN(100)
			if j > 0 && rng.IntN(4) == 0 {
				samples[j] = samples[j-1]
			}
		}

		last := 0
		f.runner.samples = samples
		f.runner.after = func() {
			got := f.get(t, d.ID)
			require.Equal(t, job.StatusDownloading, got.Status)
			require.GreaterOrEqual(t, got.Progress, last, "samples %v", samples)
			last = got.Progress
		}
		f.runner.outcome = &supervisor.Outcome{Result: supervisor.Failed, Message: "x"}

		require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]))

		maxSample := 0
		for _, p := range samples {
			maxSample = max(maxSample, p)
		}
		assert.Equal(t, maxSample, f.get(t, d.ID).Progress)
	}
}

// Exactly one of artifact or error message is set on every terminal job.
func TestTerminalExclusivityProperty(t *testing.T) {
	outcomes := []*supervisor.Outcome{
		{Result: supervisor.Succeeded, Size: 2048},
		{Result: supervisor.Succeeded, Size: 0},
		{Result: supervisor.Failed, ExitCode: 1, Message: "Video is unavailable or private."},
		{Result: supervisor.Failed},
		{Result: supervisor.TimedOut, Message: "Download timed out."},
		nil,
	}

	for i, o := range outcomes {
		f := newFixture(t)
		d := f.created(t)
		f.runner.samples = []int{10, 20}
		f.runner.outcome = o

		require.NoError(t, f.svc.Process(context.Background(), f.dispatcher.tasks[0]), "case %d", i)

		got := f.get(t, d.ID)
		require.True(t, got.Status.IsTerminal(), "case %d", i)
		hasArtifact := got.FilePath != "" && got.FileSize > 0
		hasError := got.ErrorMessage != ""
		assert.True(t, hasArtifact != hasError, "case %d: %+v", i, got)
		assert.Equal(t, got.Status == job.StatusCompleted, hasArtifact, "case %d", i)
	}
}

func TestFileName(t *testing.T) {
	d := &job.Download{
		ID:      "3f2a9c1e-8b7d-4c6a-9e5f-0a1b2c3d4e5f",
		Title:   "Never Gonna Give You Up (Official Music Video) ../../etc",
		Quality: "720p",
		Format:  "mp4",
	}
	assert.Equal(t, "never-gonna-give-you-up-official-music-video-etc_720p_3f2a9c1e.mp4", FileName(d))

	d.Title = strings.Repeat("long title ", 20)
	name := FileName(d)
	assert.LessOrEqual(t, len(strings.Split(name, "_")[0]), 50)
	assert.NotContains(t, name, "/")

	d.Title = "日本語"
	d.Quality = "../x"
	assert.NotContains(t, FileName(d), "/")
}
