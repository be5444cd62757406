package probe

import (
	"context"
	"os/exec"
	"sync"
	"time"
)

const probeTimeout = 10 * time.Second

// Capability answers whether an external tool can be used.
type Capability interface {
	Available(ctx context.Context) bool
}

// Probe runs "<bin> <args...>" once and caches the answer for the life of
// the process.
type Probe struct {
	bin  string
	args []string

	once      sync.Once
	available bool
}

// New returns a Probe for bin. Nothing runs until the first Available call.
func New(bin string, args ...string) *Probe {
	return &Probe{bin: bin, args: args}
}

// YtDlp probes the extraction tool.
func YtDlp(bin string) *Probe {
	return New(bin, "--version")
}

// FFmpeg probes the transcoder.
func FFmpeg(bin string) *Probe {
	return New(bin, "-version")
}

// Available runs the probe on first use. The answer outlives the caller,
// so the run is detached from ctx cancellation and bounded by its own
// timeout only.
func (p *Probe) Available(ctx context.Context) bool {
	p.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		defer cancel()

		p.available = exec.CommandContext(ctx, p.bin, p.args...).Run() == nil
	})

	return p.available
}

// Static is a Capability with a fixed answer.
type Static bool

func (s Static) Available(context.Context) bool {
	return bool(s)
}
