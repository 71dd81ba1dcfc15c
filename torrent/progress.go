package torrent

import (
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// progressReporter drives the piece store's progress display: a
// human-readable percent line redrawn on a fixed commit cadence.
// Width is taken from the controlling terminal when stdout is one;
// otherwise a fixed fallback is used so output redirected to a file
// or CI log stays sane.
type progressReporter struct {
	bar *progressbar.ProgressBar
}

func newProgressReporter(name string, numPieces int) *progressReporter {
	width := 40
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 20
	}

	bar := progressbar.NewOptions(numPieces,
		progressbar.OptionSetDescription(name),
		progressbar.OptionSetWidth(width),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	return &progressReporter{bar: bar}
}

// set redraws the bar at an absolute completed-piece count.
func (p *progressReporter) set(n int) {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Set(n)
}

// finish marks the bar as complete.
func (p *progressReporter) finish() {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Finish()
}
