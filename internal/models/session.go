package models

import "time"

// DateLayout is the wire and storage format of a processing day.
const DateLayout = "2006-01-02"

// DateRange is the inclusive span of processing days a session covers. In
// practice both ends are the same day.
type DateRange struct {
	Start string `json:"startDate" firestore:"startDate" yaml:"startDate"`
	End   string `json:"endDate" firestore:"endDate" yaml:"endDate"`
}

// SingleDay returns the range [day, day].
func SingleDay(day string) DateRange {
	return DateRange{Start: day, End: day}
}

// IsZero reports whether the range is unset.
func (r DateRange) IsZero() bool {
	return r.Start == "" && r.End == ""
}

// Day formats t as a processing day in loc.
func Day(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// Session is the persisted processing session. It survives a process restart
// so that an interrupted cycle can be resumed.
type Session struct {
	Active bool      `json:"isProcessing" firestore:"isProcessing"`
	Range  DateRange `json:"dateRange" firestore:"dateRange"`
}
