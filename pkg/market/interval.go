package market

import (
	"fmt"
	"time"
)

// Interval identifies a bar duration on the UTC grid.
type Interval string

// Supported bar intervals. The weekly grid is Monday-aligned; the monthly
// grid rolls at the first of the month, 00:00 UTC.
const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

// ErrUnsupportedInterval reports an interval outside the supported grid.
type ErrUnsupportedInterval struct {
	Interval string
}

func (e *ErrUnsupportedInterval) Error() string {
	return fmt.Sprintf("unsupported interval %q", e.Interval)
}

var subDay = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
}

// ParseInterval validates s against the supported set.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", &ErrUnsupportedInterval{Interval: s}
	}
	return iv, nil
}

// Valid reports whether the interval is on the supported grid.
func (iv Interval) Valid() bool {
	if _, ok := subDay[iv]; ok {
		return true
	}
	switch iv {
	case Interval1d, Interval1w, Interval1M:
		return true
	}
	return false
}

func (iv Interval) String() string { return string(iv) }

// Duration returns the nominal bar length. Calendar intervals use fixed
// approximations (1d=24h, 1w=168h, 1M=30d); callers needing exact grid
// instants must use NextBoundary instead.
func (iv Interval) Duration() (time.Duration, error) {
	if d, ok := subDay[iv]; ok {
		return d, nil
	}
	switch iv {
	case Interval1d:
		return 24 * time.Hour, nil
	case Interval1w:
		return 7 * 24 * time.Hour, nil
	case Interval1M:
		return 30 * 24 * time.Hour, nil
	}
	return 0, &ErrUnsupportedInterval{Interval: string(iv)}
}

// NextBoundary returns the first instant on the interval's UTC grid strictly
// after now. For a live job woken shortly before a bar closes, this is the
// close instant of the bar currently forming.
func NextBoundary(iv Interval, now time.Time) (time.Time, error) {
	now = now.UTC()
	if d, ok := subDay[iv]; ok {
		// Sub-day grids divide 24h evenly, so truncation against the
		// epoch-aligned clock lands on UTC grid instants.
		b := now.Truncate(d)
		if !b.After(now) {
			b = b.Add(d)
		}
		return b, nil
	}

	switch iv {
	case Interval1d:
		b := DateUTC(now)
		if !b.After(now) {
			b = b.AddDate(0, 0, 1)
		}
		return b, nil
	case Interval1w:
		b := DateUTC(now)
		// Roll forward to Monday 00:00 UTC.
		for b.Weekday() != time.Monday || !b.After(now) {
			b = b.AddDate(0, 0, 1)
		}
		return b, nil
	case Interval1M:
		y, m, _ := now.Date()
		b := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		if !b.After(now) {
			b = b.AddDate(0, 1, 0)
		}
		return b, nil
	}
	return time.Time{}, &ErrUnsupportedInterval{Interval: string(iv)}
}
