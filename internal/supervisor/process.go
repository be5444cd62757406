package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Process is a started child process.
type Process interface {
	// Done is closed once the process has exited and its output is flushed.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 when unknown.
	ExitCode() int
	Kill() error
}

// Launcher starts processes whose output goes to the given writers.
type Launcher interface {
	Start(ctx context.Context, path string, args []string, stdout, stderr io.Writer) (Process, error)
}

// ExecLauncher runs real binaries. The command is exec'd directly, without
// a shell.
type ExecLauncher struct {
	// WaitDelay bounds how long output copying may outlive a killed process.
	WaitDelay time.Duration
}

// Start runs path with args in its own process. Killing the process also
// releases the output pipes after WaitDelay.
func (l ExecLauncher) Start(_ context.Context, path string, args []string, stdout, stderr io.Writer) (Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{}), code: -1}
	go p.wait()

	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.code = 0
	case errors.As(err, &exitErr):
		p.code = exitErr.ExitCode()
	case p.cmd.ProcessState != nil:
		p.code = p.cmd.ProcessState.ExitCode()
	}

	close(p.done)
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitCode() int { return p.code }

func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

// outputBuffer collects process output and hands out complete lines that
// were not read yet.
type outputBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	read int
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// Next returns the unread output up to its last newline.
func (b *outputBuffer) Next() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	unread := b.buf.Bytes()[b.read:]
	i := bytes.LastIndexByte(unread, '\n')
	if i < 0 {
		return ""
	}
	b.read += i + 1

	return string(unread[:i+1])
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
