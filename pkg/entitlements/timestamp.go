package entitlements

import (
	"fmt"
	"time"
)

// TimestampLayout is the ISO-8601 form written by this package: UTC with
// millisecond precision and a Z suffix.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// timestampLayouts are tried in order. Zone-less forms are read as UTC.
// Fractional seconds are optional wherever seconds appear.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102T150405.999999999Z0700",
	"20060102T150405.999999999",
	"20060102",
}

// ParseTimestamp parses an ISO-8601 timestamp in extended or basic format.
// Accepted: date, date with minutes, and date with seconds, each optionally
// followed by Z or a +hh:mm / +hhmm offset (offsets require seconds).
func ParseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", value)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
