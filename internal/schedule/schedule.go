// Package schedule computes the daily backup time in the ledger zone.
package schedule

import "time"

// DateLayout is the calendar-date format used in archive names and reports.
const DateLayout = "2006-01-02"

// Daily fires once a day at Hour:Minute wall-clock time in Loc.
type Daily struct {
	Hour   int
	Minute int
	Loc    *time.Location
}

func (d Daily) location() *time.Location {
	if d.Loc == nil {
		return time.UTC
	}
	return d.Loc
}

// Next returns the first firing strictly after after. On a DST transition
// day a wall-clock time that does not exist is normalized forward by
// [time.Date].
func (d Daily) Next(after time.Time) time.Time {
	local := after.In(d.location())
	y, m, day := local.Date()
	next := time.Date(y, m, day, d.Hour, d.Minute, 0, 0, d.location())
	for !next.After(after) {
		day++
		next = time.Date(y, m, day, d.Hour, d.Minute, 0, 0, d.location())
	}
	return next
}

// Until returns how long to wait from now until the next firing.
func (d Daily) Until(now time.Time) time.Duration {
	return d.Next(now).Sub(now)
}

// Date returns the calendar date of t in the schedule's zone.
func (d Daily) Date(t time.Time) string {
	return t.In(d.location()).Format(DateLayout)
}

// ArchiveDate names the archive written by a backup firing at fire: the
// calendar date of the instant just before it. A midnight backup is filed
// under the day that just ended.
func (d Daily) ArchiveDate(fire time.Time) string {
	return d.Date(fire.Add(-time.Nanosecond))
}
