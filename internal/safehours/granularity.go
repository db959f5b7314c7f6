package safehours

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is the calendar unit buckets are grouped by.
type Granularity int

const (
	Day Granularity = iota + 1
	Month
)

// ParseGranularity accepts "day"/"daily" and "month"/"monthly".
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	default:
		return 0, fmt.Errorf("unsupported granularity %q", s)
	}
}

func (g Granularity) String() string {
	switch g {
	case Day:
		return "day"
	case Month:
		return "month"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

func (g Granularity) valid() bool {
	return g == Day || g == Month
}

// Bucket caps for one call: two years of days, a century of months.
const (
	maxDayBuckets   = 732
	maxMonthBuckets = 1200
)

func (g Granularity) maxBuckets() int {
	if g == Month {
		return maxMonthBuckets
	}
	return maxDayBuckets
}

// Key returns the bucket key for t in loc: "2006-01-02" for days, "2006-01" for months.
func (g Granularity) Key(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	if g == Month {
		return t.Format("2006-01")
	}
	return t.Format(time.DateOnly)
}

// Floor returns the start of the calendar unit containing t.
func (g Granularity) Floor(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	if g == Month {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// Next returns the start of the unit following the one starting at start.
// Calendar arithmetic, so days can be 23 or 25 hours long across DST changes.
func (g Granularity) Next(start time.Time, loc *time.Location) time.Time {
	start = start.In(loc)
	if g == Month {
		return time.Date(start.Year(), start.Month()+1, 1, 0, 0, 0, 0, loc)
	}
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, loc)
}
