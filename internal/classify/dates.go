package classify

import (
	"net/mail"
	"time"
)

// fallbackLayout is tried when the Date header is not RFC 5322.
const fallbackLayout = "2006-01-02T15:04:05"

// parseDate parses a Date header. ok is false when neither format matches.
func parseDate(s string) (t time.Time, ok bool) {
	if t, err := mail.ParseDate(s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation(fallbackLayout, s, time.UTC); err == nil {
		return t, true
	}
	return time.Time{}, false
}
