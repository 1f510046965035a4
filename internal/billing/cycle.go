package billing

import "time"

// CycleStart returns the start of the billing cycle containing now. Cycles
// begin on the anchor's day of month, clamped to the month's last day. A
// zero anchor means cycles start on the first of the month.
func CycleStart(anchor, now time.Time) time.Time {
	now = now.UTC()
	day := 1
	if !anchor.IsZero() {
		day = anchor.UTC().Day()
	}

	start := monthDay(now.Year(), now.Month(), day)
	if start.After(now) {
		start = monthDay(now.Year(), now.Month()-1, day)
	}
	return start
}

func monthDay(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return first.AddDate(0, 0, day-1)
}
