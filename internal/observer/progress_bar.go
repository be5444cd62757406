package observer

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

const barWidth = 50

// ProgressBar draws a single-line terminal progress bar.
type ProgressBar struct {
	w     io.Writer
	label string
	mu    sync.Mutex
	done  bool
}

func NewProgressBar(w io.Writer, label string) *ProgressBar {
	return &ProgressBar{w: w, label: label}
}

func (p *ProgressBar) Update(percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done {
		return
	}
	percent = min(max(percent, 0), 100)

	filled := percent * barWidth / 100
	bar := strings.Repeat("=", filled) + strings.Repeat(" ", barWidth-filled)

	// \r redraws in place
	fmt.Fprintf(p.w, "\r%s [%s] %3d%%", p.label, bar, percent)

	if percent == 100 {
		fmt.Fprintln(p.w)
		p.done = true
	}
}

// Finish completes the line if the bar never reached 100.
func (p *ProgressBar) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.done {
		fmt.Fprintln(p.w)
		p.done = true
	}
}
