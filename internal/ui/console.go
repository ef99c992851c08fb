package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/example/cgmerge/internal/merge"
	"github.com/example/cgmerge/internal/progress"
	"github.com/example/cgmerge/internal/telemetry"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

// ConsoleOptions tune the human-readable run output.
type ConsoleOptions struct {
	// Width clamps failure lines; zero disables trimming.
	Width int
	// Spinner animates Step messages. Only enable it on a terminal.
	Spinner bool
	// Telemetry adds the phase and cache line to the final report.
	Telemetry bool
}

// Console prints run events as plain lines. It implements merge.Reporter and
// is safe for concurrent use by workers.
type Console struct {
	out  io.Writer
	opts ConsoleOptions

	mu sync.Mutex
}

var _ merge.Reporter = (*Console)(nil)

// NewConsole returns a Console writing to out.
func NewConsole(out io.Writer, opts ConsoleOptions) *Console {
	return &Console{out: out, opts: opts}
}

// SetColorMode applies --color. "auto" leaves fatih/color's terminal detection alone.
func SetColorMode(mode string) error {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "auto":
	case "always":
		color.NoColor = false
	case "never":
		color.NoColor = true
	default:
		return fmt.Errorf("invalid color mode %q (want auto, always or never)", mode)
	}
	return nil
}

// Start prints the number of manifest lines.
func (c *Console) Start(total int) {
	c.println(fmt.Sprintf("Total images: %d", total))
}

// Step announces a setup phase; the returned func marks it done or failed.
func (c *Console) Step(message string) func(success bool) {
	if c.opts.Spinner {
		return StartSpinner(c.out, message)
	}
	return func(success bool) {
		status := color.New(color.FgGreen).Sprint("[done]")
		if !success {
			status = color.New(color.FgRed).Sprint("[fail]")
		}
		c.println(fmt.Sprintf("%s %s", message, status))
	}
}

// Progress prints one progress line.
func (c *Console) Progress(s progress.Snapshot) {
	c.println(FormatProgress(s))
}

// LineFailed prints the failure of a single manifest line.
func (c *Console) LineFailed(r merge.Result) {
	name := r.Output
	if name == "" {
		name = strings.TrimSpace(r.Line)
	}
	msg := fmt.Sprintf("Failed to combine images for %s: %v", name, r.Err)
	if c.opts.Width > 0 {
		msg = trimToWidth(msg, c.opts.Width)
	}
	c.println(color.New(color.FgRed).Sprint(msg))
}

// Finish prints the run summary and the closing banner.
func (c *Console) Finish(s merge.Summary) {
	lines := []string{fmt.Sprintf("Processed %d images, total images: %d", s.Processed, s.Total)}
	if s.Succeeded > 0 {
		lines = append(lines, fmt.Sprintf("Wrote %d composites (%s) to %s", s.Succeeded, humanize.Bytes(uint64(s.BytesWritten)), s.OutputDir))
	}
	if s.Failed > 0 {
		lines = append(lines, color.New(color.FgYellow).Sprintf("%d lines failed", s.Failed))
	}
	if c.opts.Telemetry {
		line := telemetry.Summary{
			Total:       s.Elapsed,
			Phases:      s.Phases,
			CacheHits:   s.Cache.Hits,
			CacheMisses: s.Cache.Misses,
			Decodes:     s.Cache.Decodes,
		}.Line()
		if line != "" {
			lines = append(lines, color.New(color.FgHiBlack).Sprint(line))
		}
	}
	lines = append(lines, "")
	if s.Interrupted {
		lines = append(lines, color.New(color.FgYellow, color.Bold).Sprintf("Interrupted after %d of %d images.", s.Processed, s.Total))
	} else {
		lines = append(lines, color.New(color.FgGreen, color.Bold).Sprint("All done."))
	}
	c.println(strings.Join(lines, "\n"))
}

func (c *Console) println(line string) {
	if c == nil || c.out == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

// FormatProgress renders a snapshot as
// "Processed: 10/40 (25.00%), Time: 2.00s, Rate: 5.00 images/s, Remaining: 0m:6s".
func FormatProgress(s progress.Snapshot) string {
	remaining := s.Remaining.Round(time.Second)
	minutes := int64(remaining / time.Minute)
	seconds := int64((remaining % time.Minute) / time.Second)
	return fmt.Sprintf("Processed: %d/%d (%.2f%%), Time: %.2fs, Rate: %.2f images/s, Remaining: %dm:%ds",
		s.Completed, s.Total, s.Percent, s.Elapsed.Seconds(), s.Rate, minutes, seconds)
}

func trimToWidth(s string, width int) string {
	s = strings.TrimSpace(s)
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	if width == 1 {
		return "…"
	}
	limit := width - 1
	var b strings.Builder
	w := 0
	for _, r := range s {
		rw := runewidth.RuneWidth(r)
		if rw == 0 {
			rw = 1
		}
		if w+rw > limit {
			break
		}
		b.WriteRune(r)
		w += rw
	}
	b.WriteString("…")
	return b.String()
}
