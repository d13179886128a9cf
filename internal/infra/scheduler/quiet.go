package scheduler

import "time"

// QuietHours is a wall-clock [Start, End) hour window during which nothing is
// admitted. Start > End wraps midnight (22 to 7). Start == End disables it.
type QuietHours struct {
	Start int
	End   int
}

// Enabled reports whether the window suppresses any hour at all.
func (q QuietHours) Enabled() bool {
	return q.Start != q.End
}

// Contains reports whether t falls inside the window, in t's location.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled() {
		return false
	}
	hour := t.Hour()
	if q.Start > q.End {
		// Wraps midnight, e.g. 22:00 to 07:00
		return hour >= q.Start || hour < q.End
	}
	return hour >= q.Start && hour < q.End
}
