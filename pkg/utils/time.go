package utils

import "time"

// JSTimeLayout matches the millisecond ISO-8601 form the backend emits.
const JSTimeLayout = "2006-01-02T15:04:05.000Z"

func NowUTC() time.Time {
	return time.Now().UTC()
}

// FormatUTC renders t the way sentAt is sent on the wire.
func FormatUTC(t time.Time) string {
	if t.IsZero() {
		t = NowUTC()
	}
	return t.UTC().Format(JSTimeLayout)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts ISO-8601 with or without a zone; zone-less values
// are taken as UTC. An empty string yields the zero time.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	var firstErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}
