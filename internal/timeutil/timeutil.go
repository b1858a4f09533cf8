// Package timeutil formats access timestamps for display.
package timeutil

import "time"

// LastAccessLabel formats an access timestamp relative to now.
// Same-day accesses get a minute-resolution clock label, same-year
// accesses a short date with time, older accesses a full date. The
// labels also act as the bucket key when the recency sort regroups
// entries by access time.
func LastAccessLabel(nowMillis, tsMillis int64) string {
	now := time.UnixMilli(nowMillis).UTC()
	ts := time.UnixMilli(tsMillis).UTC()

	ny, nm, nd := now.Date()
	ty, tm, td := ts.Date()
	if ny == ty && nm == tm && nd == td {
		return ts.Format("15:04")
	}
	if ny == ty {
		return ts.Format("Jan 2, 15:04")
	}
	return ts.Format("Jan 2, 2006")
}
