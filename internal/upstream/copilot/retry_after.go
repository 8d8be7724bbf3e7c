package copilot

import (
	"strconv"
	"strings"
	"time"
)

var retryAfterLayouts = []string{time.RFC1123, time.RFC1123Z, time.RFC850, time.ANSIC}

// ParseRetryAfter reads a Retry-After value: integer seconds first, then an
// HTTP date relative to now. ok is false when the value is absent or unparsable.
func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	for _, layout := range retryAfterLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			d := t.Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}

var resetLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// ParseResetDate reads a quota reset timestamp as returned by the
// introspection endpoint (RFC 3339 or a bare date, taken as UTC midnight).
func ParseResetDate(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range resetLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
