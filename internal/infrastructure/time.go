package infrastructure

import "time"

// TimeLayout is how timestamps are stored in the backing tables: RFC 3339 in
// UTC with a fixed six-digit fraction. The fixed width matters: RFC3339Nano
// trims trailing fraction zeros, and variable-width fractions break the
// lexical-order-equals-chronological-order property the query layer relies
// on when comparing timestamp columns as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// FormatTime renders a timestamp for storage. Sub-microsecond precision is
// dropped by the layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp. Accepts any RFC 3339 form, not just
// the canonical storage layout, so rows written before a layout change still
// scan.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// CanonicalTimestamp rewrites an RFC 3339 timestamp string into the storage
// layout: the same instant rendered in UTC at microsecond precision. Inputs
// carrying a zone offset collapse to their UTC equivalent.
func CanonicalTimestamp(s string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}

// Now returns the current time truncated to microseconds. Full nanosecond
// precision does not survive every JSON consumer, and the truncation keeps
// stored and transported timestamps identical.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
