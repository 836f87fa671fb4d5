package shared

import (
	"fmt"
	"net/http"
	"time"
)

// ParseDate accepts RFC3339 or YYYY-MM-DD.
func ParseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, nil
	}
	return time.Parse("2006-01-02", value)
}

// ParsePeriod reads the required periodStart and periodEnd query parameters.
func ParsePeriod(r *http.Request) (time.Time, time.Time, error) {
	start, err := ParseDate(r.URL.Query().Get("periodStart"))
	if err != nil || start.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("periodStart must be a valid date")
	}
	end, err := ParseDate(r.URL.Query().Get("periodEnd"))
	if err != nil || end.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("periodEnd must be a valid date")
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("periodEnd must be on or after periodStart")
	}
	return start, end, nil
}
