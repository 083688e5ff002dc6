package types

import "time"

// TimeLayout is the canonical storage format. All stored instants are UTC with
// millisecond precision so lexical order matches temporal order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in the canonical storage format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. It also accepts plain RFC3339.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
