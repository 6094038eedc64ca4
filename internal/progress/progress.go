// Package progress renders run progress on a terminal.
package progress

import (
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/entanglehq/entangle/pkg/models"
)

// Tracker wraps a progress bar fed from run progress events.
type Tracker struct {
	bar *progressbar.ProgressBar
}

// NewTracker creates a bar with an unknown total; the total is adopted
// from the first event that carries one.
func NewTracker(label string) *Tracker {
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetDescription(label),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return &Tracker{bar: bar}
}

// Observe advances the bar from one progress event. The description
// follows the pipeline stage.
func (t *Tracker) Observe(ev models.ProgressEvent) {
	if ev.Total > 0 && t.bar.GetMax() != int(ev.Total) {
		t.bar.ChangeMax(int(ev.Total))
	}
	t.bar.Describe(string(ev.Stage))
	t.bar.Set(int(ev.Processed))
}

// Finish clears the bar completely (no output).
func (t *Tracker) Finish() {
	t.bar.Finish()
	t.bar.Clear()
}
