// internal/circulation/temporal.go
package circulation

import "time"

const day = 24 * time.Hour

// DaysLate returns how many days now is past dueDate. Any positive partial day
// counts as a full day; it is zero when now is not after dueDate.
func DaysLate(dueDate, now time.Time) int {
	late := now.Sub(dueDate)
	if late <= 0 {
		return 0
	}
	days := late / day
	if late%day != 0 {
		days++
	}
	return int(days)
}

// civilDay returns midnight UTC of the calendar date t carries in its own zone.
func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// pastDay reports whether now, read on the calendar of loc, falls on a later day than
// target. The target is a date as written by the borrower, so its own zone is kept:
// 2024-03-01T00:00:00Z means March 1st wherever the library is.
func pastDay(now, target time.Time, loc *time.Location) bool {
	return civilDay(now.In(loc)).After(civilDay(target))
}
