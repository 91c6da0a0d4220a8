package scheduler

import (
	"time"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/checkpoint"
)

// Window is a half-open reporting interval [Start, End) in canonical
// timestamp form. Because the form is fixed-width UTC, lexical comparison
// of the bounds matches chronological order.
type Window struct {
	Start string
	End   string
}

// NextWindow computes the next closed window for a dataset.
//
// With no checkpoint the first window is the most recent fully elapsed
// interval aligned to the window length. With a checkpoint the window
// starts where the last one ended, so no interval is skipped or reported
// twice. ready is false when the candidate window has not closed yet.
func NextWindow(cp *checkpoint.Checkpoint, now time.Time, length time.Duration) (w Window, ready bool) {
	if length <= 0 {
		length = 24 * time.Hour
	}
	now = now.UTC()

	var start time.Time
	if cp == nil || cp.LastWindowEnd == "" {
		end := now.Truncate(length)
		start = end.Add(-length)
	} else {
		var err error
		start, err = time.Parse(model.TimestampLayout, cp.LastWindowEnd)
		if err != nil {
			// Corrupt checkpoint: realign rather than stall forever.
			end := now.Truncate(length)
			start = end.Add(-length)
		}
	}

	end := start.Add(length)
	if end.After(now) {
		return Window{}, false
	}
	return Window{
		Start: start.Format(model.TimestampLayout),
		End:   end.Format(model.TimestampLayout),
	}, true
}
