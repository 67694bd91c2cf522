package timeparser

import (
	"fmt"
	"strings"
	"time"
)

const (
	// ReadingLayout is the wire and storage format of reading timestamps.
	ReadingLayout = "2006-01-02 15:04:05"
	// DateLayout is the format of history query dates.
	DateLayout = "2006-01-02"
)

// ParseReadingTime parses a YYYY-MM-DD HH:MM:SS timestamp in local time
func ParseReadingTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(ReadingLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': expected YYYY-MM-DD HH:MM:SS", s)
	}
	return t, nil
}

// ParseDate parses a YYYY-MM-DD date in local time
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date '%s': expected YYYY-MM-DD", s)
	}
	return t, nil
}

// FormatReadingTime renders t in the storage layout
func FormatReadingTime(t time.Time) string {
	return t.Format(ReadingLayout)
}

// IsWithinTolerance checks if two timestamps are at most tolerance apart
func IsWithinTolerance(a, b time.Time, tolerance time.Duration) bool {
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

// InHourWindow reports whether t's hour falls in [startHour, endHour).
// A window with startHour > endHour wraps past midnight.
func InHourWindow(t time.Time, startHour, endHour int) bool {
	h := t.Hour()
	if startHour == endHour {
		return false
	}
	if startHour < endHour {
		return h >= startHour && h < endHour
	}
	return h >= startHour || h < endHour
}
