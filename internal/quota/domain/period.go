package domain

import "time"

const (
	calendarPeriodLayout = "2006-01"
	cyclePeriodLayout    = "2006-01-02"
)

// PeriodKey names the billing period containing now. Without an anchor the
// calendar month is used; otherwise monthly cycles start on the anchor's
// day of month, clamped to the last day of shorter months.
func PeriodKey(now time.Time, anchor *time.Time) string {
	now = now.UTC()
	if anchor == nil || anchor.IsZero() {
		return now.Format(calendarPeriodLayout)
	}
	return CycleStart(now, anchor.UTC()).Format(cyclePeriodLayout)
}

// CycleStart returns the start of the monthly cycle anchored at anchor that
// contains now.
func CycleStart(now, anchor time.Time) time.Time {
	if now.Before(anchor) {
		return anchor
	}
	months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
	start := addMonthsClamped(anchor, months)
	if start.After(now) {
		start = addMonthsClamped(anchor, months-1)
	}
	return start
}

func addMonthsClamped(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
	first = first.AddDate(0, months, 0)
	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
