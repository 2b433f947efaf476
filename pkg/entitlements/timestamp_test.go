package entitlements

import (
	"testing"
	"time"
)

func TestParseTimestampForms(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []string{
		"2026-03-01T10:00:00.000Z",
		"2026-03-01T10:00:00Z",
		"2026-03-01T11:30:00+01:30",
		"2026-03-01T11:30:00+0130",
		"2026-03-01T08:00:00.000-0200",
		"2026-03-01T10:00:00",
		"2026-03-01T10:00",
		"20260301T100000Z",
		"20260301T113000+0130",
		"20260301T100000.000Z",
		"20260301T100000",
	}
	for _, value := range tests {
		got, err := ParseTimestamp(value)
		if err != nil {
			t.Errorf("ParseTimestamp(%q): %v", value, err)
			continue
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %s, want %s", value, got, want)
		}
	}
}

func TestParseTimestampDateOnly(t *testing.T) {
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, value := range []string{"2026-03-01", "20260301"} {
		got, err := ParseTimestamp(value)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", value, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %s, want %s", value, got, want)
		}
	}
}

func TestParseTimestampRejects(t *testing.T) {
	for _, value := range []string{"", "yesterday", "2026-13-01", "2026-03-01T10:00:00+5", "2026/03/01"} {
		if _, err := ParseTimestamp(value); err == nil {
			t.Errorf("ParseTimestamp(%q) succeeded, want error", value)
		}
	}
}

func TestFormatTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 11, 30, 0, 123456789, time.FixedZone("", 90*60))
	if got := FormatTimestamp(at); got != "2026-03-01T10:00:00.123Z" {
		t.Fatalf("FormatTimestamp = %q", got)
	}
}
