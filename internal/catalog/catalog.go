// Package catalog defines the fixed set of selectable recency windows.
package catalog

import (
	"math"
	"time"
)

// AnyTime marks a window with no lower time bound.
const AnyTime = int64(math.MaxInt64)

// Window is one selectable recency window.
type Window struct {
	// DurationMillis is the window length in milliseconds.
	// AnyTime means unbounded.
	DurationMillis int64
	// Label names the window in filter dialogs ("Last 7 days").
	Label string
	// ListTitle heads the usage list when the window is active.
	ListTitle string
}

// Unbounded reports whether the window has no lower time bound.
func (w Window) Unbounded() bool {
	return w.DurationMillis == AnyTime
}

// Windows returns the catalog in its fixed order, widest first.
func Windows() []Window {
	return []Window{
		{AnyTime, "Any time", "Most recent accesses"},
		{millis(7 * 24 * time.Hour), "Last 7 days", "Accesses in the last 7 days"},
		{millis(24 * time.Hour), "Last day", "Accesses in the last day"},
		{millis(time.Hour), "Last hour", "Accesses in the last hour"},
		{millis(15 * time.Minute), "Last 15 minutes", "Accesses in the last 15 minutes"},
		{millis(time.Minute), "Last minute", "Accesses in the last minute"},
	}
}

// Init returns the catalog and the index of the smallest window whose
// duration is at least minDurationMillis. When no finite window
// qualifies the default is index 0 ("any time").
func Init(minDurationMillis int64) ([]Window, int) {
	windows := Windows()

	defaultIndex := 0
	supremum := int64(math.MaxInt64)
	found := false
	for i, w := range windows {
		if w.DurationMillis >= minDurationMillis && w.DurationMillis <= supremum {
			supremum = w.DurationMillis
			defaultIndex = i
			found = true
		}
	}
	if !found {
		return windows, 0
	}
	return windows, defaultIndex
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}
