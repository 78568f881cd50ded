package timeparser

import (
	"fmt"
	"time"
)

// ParseReadingTimestamp parses a meter reading timestamp. Telematics
// feeds send RFC3339; work-order and fuel-card exports use the US
// date formats below.
func ParseReadingTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339,          // Telematics / API submissions
		"2006-01-02 15:04:05", // Fuel-card exports
		"2006-01-02",          // Service record imports, date only
		"01/02/2006 15:04:05", // MM/DD/YYYY HH:mm:ss manual forms
		"01/02/2006",          // MM/DD/YYYY date-only manual forms
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// IsFutureDated reports whether a reading claims a timestamp more than
// slack ahead of the wall clock, which no meter can legitimately do.
func IsFutureDated(readingTime, now time.Time, slack time.Duration) bool {
	return readingTime.Sub(now) > slack
}
