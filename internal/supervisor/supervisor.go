package supervisor

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/ytdlp"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	// maxRunningPercent is the highest progress reported before the output
	// has been checked.
	maxRunningPercent = 99

	DefaultInterval = 2 * time.Second
)

// Command is one extraction run.
type Command struct {
	Path string
	Args []string
	// Output is the artifact name relative to the supervisor's filesystem.
	Output string
	// MaxSize rejects larger artifacts when positive.
	MaxSize int64
}

// Sample is one progress reading taken while the process runs.
type Sample struct {
	Percent int
}

// Result classifies how a run ended.
type Result int

const (
	Succeeded Result = iota
	Failed
	TimedOut
)

func (r Result) String() string {
	switch r {
	case Succeeded:
		return "succeeded"
	case TimedOut:
		return "timed_out"
	}
	return "failed"
}

// Outcome ends every run. Message is safe to persist; Diagnostic holds raw
// process output and is meant for logs.
type Outcome struct {
	Result     Result
	ExitCode   int
	Size       int64
	Message    string
	Diagnostic string
	Err        error
}

// Supervisor runs one external download at a time per call to Run, polling
// its output and enforcing the deadline.
type Supervisor struct {
	launcher Launcher
	fs       afero.Fs
	clock    clockwork.Clock
	interval time.Duration
	log      *slog.Logger
}

// New returns a Supervisor that polls every interval, or DefaultInterval
// when interval is not positive. Artifacts are checked on fsys.
func New(launcher Launcher, fsys afero.Fs, clock clockwork.Clock, interval time.Duration, log *slog.Logger) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Supervisor{
		launcher: launcher,
		fs:       fsys,
		clock:    clock,
		interval: interval,
		log:      log.With(slog.String("item", "Supervisor")),
	}
}

// Run starts cmd and yields progress samples with a nil outcome while the
// process lives, then exactly one non-nil outcome. Samples only ever
// increase and stay below 100. Stopping the iteration early kills the
// process.
func (s *Supervisor) Run(ctx context.Context, cmd Command, timeout time.Duration) iter.Seq2[Sample, *Outcome] {
	return func(yield func(Sample, *Outcome) bool) {
		var stdout, stderr outputBuffer

		s.log.Debug("starting process", slog.String("cmd", ytdlp.CommandLine(cmd.Path, cmd.Args)))

		proc, err := s.launcher.Start(ctx, cmd.Path, cmd.Args, &stdout, &stderr)
		if err != nil {
			yield(Sample{}, &Outcome{
				Result:     Failed,
				ExitCode:   -1,
				Message:    "Download tool is not available.",
				Diagnostic: err.Error(),
				Err:        common.E(common.KindToolUnavailable, "supervisor.Run", "download tool is not available", err),
			})
			return
		}

		ticker := s.clock.NewTicker(s.interval)
		defer ticker.Stop()
		deadline := s.clock.NewTimer(timeout)
		defer deadline.Stop()

		last := 0
		for {
			select {
			case <-proc.Done():
				yield(Sample{}, s.finish(cmd, proc, &stderr))
				return

			case <-deadline.Chan():
				s.stop(cmd, proc)
				yield(Sample{}, timedOut(stderr.String(), context.DeadlineExceeded))
				return

			case <-ctx.Done():
				s.stop(cmd, proc)
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					yield(Sample{}, timedOut(stderr.String(), ctx.Err()))
					return
				}
				yield(Sample{}, &Outcome{
					Result:     Failed,
					ExitCode:   -1,
					Message:    "Download was cancelled.",
					Diagnostic: stderr.String(),
					Err:        common.E(common.KindProcess, "supervisor.Run", "download was cancelled", ctx.Err()),
				})
				return

			case <-ticker.Chan():
				pct := min(ytdlp.ParseProgress(stdout.Next()), maxRunningPercent)
				if pct <= last {
					continue
				}
				last = pct
				if !yield(Sample{Percent: pct}, nil) {
					s.stop(cmd, proc)
					return
				}
			}
		}
	}
}

func timedOut(diag string, err error) *Outcome {
	return &Outcome{
		Result:     TimedOut,
		ExitCode:   -1,
		Message:    "Download timed out.",
		Diagnostic: diag,
		Err:        common.E(common.KindProcess, "supervisor.Run", "download timed out", err),
	}
}

func (s *Supervisor) finish(cmd Command, proc Process, stderr *outputBuffer) *Outcome {
	if code := proc.ExitCode(); code != 0 {
		s.cleanup(cmd.Output)
		diag := stderr.String()
		return &Outcome{
			Result:     Failed,
			ExitCode:   code,
			Message:    ytdlp.Describe(diag),
			Diagnostic: diag,
			Err:        common.E(common.KindProcess, "supervisor.finish", "process exited with an error", nil),
		}
	}

	fail := func(msg string, err error) *Outcome {
		s.cleanup(cmd.Output)
		return &Outcome{
			Result:     Failed,
			Message:    msg,
			Diagnostic: stderr.String(),
			Err:        common.E(common.KindProcess, "supervisor.finish", msg, err),
		}
	}

	info, err := s.fs.Stat(cmd.Output)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fail("Downloaded file is missing.", err)
		}
		return &Outcome{
			Result:  Failed,
			Message: "Cannot read downloaded file.",
			Err:     common.E(common.KindStorage, "supervisor.finish", "cannot stat output", err),
		}
	}
	if info.Size() == 0 {
		return fail("Downloaded file is empty.", nil)
	}
	if cmd.MaxSize > 0 && info.Size() > cmd.MaxSize {
		return fail("File exceeds the maximum allowed size.", nil)
	}

	return &Outcome{Result: Succeeded, Size: info.Size()}
}

// stop kills the process, waits for it and removes partial output.
func (s *Supervisor) stop(cmd Command, proc Process) {
	if err := proc.Kill(); err != nil {
		s.log.Warn("cannot kill process", slog.String("err", err.Error()))
	}
	<-proc.Done()
	s.cleanup(cmd.Output)
}

// cleanup removes name with its .part and .ytdl companions, and every
// stem.* intermediate left by audio extraction or format merging, such as
// stem.webm.part or stem.f251.webm.
func (s *Supervisor) cleanup(name string) {
	leftovers := []string{name, name + ".part", name + ".ytdl"}
	if stem := strings.TrimSuffix(name, filepath.Ext(name)); stem != "" {
		matches, err := afero.Glob(s.fs, stem+".*")
		if err != nil {
			s.log.Warn("cannot list intermediates", slog.String("stem", stem), slog.String("err", err.Error()))
		}
		leftovers = append(leftovers, matches...)
	}

	for _, p := range leftovers {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cannot remove partial output", slog.String("file", p), slog.String("err", err.Error()))
		}
	}
}
