package parser

import (
	"time"
)

// Export timestamps come in two literal shapes, with and without fractional
// seconds, and usually carry a UTC offset. When the offset is absent the
// run's configured fixed timezone applies.
var (
	offsetLayouts = []string{
		"2006-01-02 15:04:05 -0700",
		"2006-01-02 15:04:05.999999999 -0700",
	}
	localLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}
)

// parseTime resolves a source timestamp string to an absolute instant.
// Returns a zero time and false when no layout matches.
func parseTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range offsetLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
