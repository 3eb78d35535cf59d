package model

import (
	"fmt"
	"time"
)

// maxTicks is the largest representable timestamp in 100-nanosecond ticks
// (year 9999). Row keys are built as maxTicks minus the record's tick count
// so that lexicographic ascending order equals chronological descending
// order. Existing table data depends on this exact constant — do not change.
const maxTicks int64 = 3155378975999999999

// maxMicros is the audit-log equivalent of maxTicks, in microseconds,
// sized to 16 decimal digits.
const maxMicros int64 = 9999999999999999

// EnsureNaiveUTC normalizes a timestamp to UTC and strips the monotonic
// clock reading. All entity timestamps pass through this at the storage
// boundary so that comparisons between stored and freshly-taken times are
// always naive-UTC against naive-UTC.
func EnsureNaiveUTC(t time.Time) time.Time {
	return t.UTC().Round(0)
}

// Ticks returns the timestamp as 100-nanosecond intervals since the Unix
// epoch, matching the resolution used by the history row keys.
func Ticks(t time.Time) int64 {
	return t.UTC().UnixNano() / 100
}

// InvertedTickKey builds the 19-digit zero-padded inverted tick prefix used
// by history row keys. Newer timestamps produce smaller values.
func InvertedTickKey(t time.Time) string {
	return fmt.Sprintf("%019d", maxTicks-Ticks(t))
}

// InvertedMicroKey builds the 16-digit zero-padded inverted microsecond
// prefix used by audit row keys.
func InvertedMicroKey(t time.Time) string {
	return fmt.Sprintf("%016d", maxMicros-t.UTC().UnixMicro())
}

// DatePartition formats a timestamp as the YYYY-MM-DD partition key used by
// the backup history table.
func DatePartition(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// MonthPartition formats a timestamp as the YYYYMM partition key used by the
// audit log table.
func MonthPartition(t time.Time) string {
	return t.UTC().Format("200601")
}

// BlobTimestamp formats a timestamp for use in blob names
// (YYYYMMDD_HHMMSS).
func BlobTimestamp(t time.Time) string {
	return t.UTC().Format("20060102_150405")
}

// ParseClock parses an "HH:MM" schedule time into its hour and minute
// components. Returns an error for anything that does not parse as a valid
// 24-hour clock value.
func ParseClock(s string) (hour, minute int, err error) {
	if _, err := time.Parse("15:04", s); err != nil {
		return 0, 0, fmt.Errorf("model: invalid clock time %q: %w", s, err)
	}
	fmt.Sscanf(s, "%d:%d", &hour, &minute)
	return hour, minute, nil
}
