package dexcom

import "time"

const dateLayout = "2006-01-02"

// Window is the half-open one-day query range [Start, Start+24h). The vendor
// takes startDate/endDate query parameters with an exclusive end, so an
// explicit historical start never widens into a multi-day pull.
type Window struct {
	Start time.Time
}

// NewWindow truncates start to midnight UTC.
func NewWindow(start time.Time) Window {
	y, m, d := start.UTC().Date()
	return Window{Start: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// DefaultWindow covers yesterday, the usual nightly-run target.
func DefaultWindow(now time.Time) Window {
	return NewWindow(now.UTC().AddDate(0, 0, -1))
}

func (w Window) End() time.Time {
	return w.Start.AddDate(0, 0, 1)
}

// StartDate is the partition date stamped on every row of the run.
func (w Window) StartDate() string {
	return w.Start.Format(dateLayout)
}

func (w Window) EndDate() string {
	return w.End().Format(dateLayout)
}
