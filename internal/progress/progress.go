// Package progress draws a one-line progress bar for batch scans.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-isatty"
)

// Display tracks a batch of files and redraws a status line as they finish.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	started bool
	stopped bool

	total      atomic.Int64
	done       atomic.Int64
	skipped    atomic.Int64
	failed     atomic.Int64
	endpoints  atomic.Int64
	parameters atomic.Int64

	startTime time.Time
	lastDraw  time.Time
	lastLine  string
}

// New creates a display writing to out. Drawing is enabled only when out is
// a terminal.
func New(out io.Writer) *Display {
	enabled := false
	if f, ok := out.(*os.File); ok {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Display{out: out, enabled: enabled}
}

// SetEnabled forces drawing on or off.
func (d *Display) SetEnabled(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = enabled
}

// Start begins a batch of total files.
func (d *Display) Start(total int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}
	d.started = true
	d.startTime = time.Now()
	d.total.Store(int64(total))
}

// FileDone records one finished file. skipped marks files the pipeline
// rejected, such as duplicates or ignored libraries.
func (d *Display) FileDone(endpoints, parameters int, skipped bool) {
	d.done.Add(1)
	d.endpoints.Add(int64(endpoints))
	d.parameters.Add(int64(parameters))
	if skipped {
		d.skipped.Add(1)
	}
	d.redraw(false)
}

// FileFailed records a file that could not be read.
func (d *Display) FileFailed() {
	d.done.Add(1)
	d.failed.Add(1)
	d.redraw(false)
}

func (d *Display) redraw(force bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled || !d.started || d.stopped {
		return
	}
	if !force && time.Since(d.lastDraw) < 100*time.Millisecond {
		return
	}

	done, total := d.done.Load(), d.total.Load()
	percent := 100
	if total > 0 {
		percent = int(done * 100 / total)
	}
	if percent > 100 {
		percent = 100
	}

	elapsed := time.Since(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(done) / elapsed.Seconds()
	}

	barWidth := 30
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | Files: %d/%d | Endpoints: %d | Params: %d | Skipped: %d | %.1f f/s | %s",
		bar, percent, done, total, d.endpoints.Load(), d.parameters.Load(), d.skipped.Load(), speed, formatDuration(elapsed))

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
	d.lastDraw = time.Now()
}

// Stop draws the final state and moves past the bar.
func (d *Display) Stop() {
	d.redraw(true)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}
	d.stopped = true
	if d.enabled {
		fmt.Fprintln(d.out)
	}
}

// Counters is a point-in-time copy of the display counters.
type Counters struct {
	Total      int64
	Done       int64
	Skipped    int64
	Failed     int64
	Endpoints  int64
	Parameters int64
	Elapsed    time.Duration
}

// Counters returns the current counters.
func (d *Display) Counters() Counters {
	d.mu.Lock()
	start := d.startTime
	d.mu.Unlock()

	c := Counters{
		Total:      d.total.Load(),
		Done:       d.done.Load(),
		Skipped:    d.skipped.Load(),
		Failed:     d.failed.Load(),
		Endpoints:  d.endpoints.Load(),
		Parameters: d.parameters.Load(),
	}
	if !start.IsZero() {
		c.Elapsed = time.Since(start)
	}
	return c
}

// PrintSummary writes a final summary to w.
func (d *Display) PrintSummary(w io.Writer) {
	c := d.Counters()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Scan complete")
	fmt.Fprintf(w, "  Duration:    %s\n", formatDuration(c.Elapsed))
	fmt.Fprintf(w, "  Files:       %d (skipped %d, failed %d)\n", c.Done, c.Skipped, c.Failed)
	fmt.Fprintf(w, "  Endpoints:   %d new\n", c.Endpoints)
	fmt.Fprintf(w, "  Parameters:  %d new\n", c.Parameters)
	if c.Elapsed.Seconds() > 0 {
		fmt.Fprintf(w, "  Speed:       %.1f files/sec\n", float64(c.Done)/c.Elapsed.Seconds())
	}
	fmt.Fprintln(w)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
