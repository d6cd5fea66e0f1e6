package registry

import (
	"strings"
	"time"
)

// Entry describes one held lock. Values handed to callers are copies; the
// registry never exposes the entries it stores.
type Entry struct {
	// Key is the normalized lock key.
	Key string
	// ID is the token issued for the current holding span. It changes every
	// time the key is granted again.
	ID string
	// CreateTime is when the current holding span started.
	CreateTime time.Time
	// ExpireTime is CreateTime plus the registry TTL.
	ExpireTime time.Time
}

// Expired reports whether now lies strictly after ExpireTime.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpireTime)
}

// Remaining returns the time left before expiry, or zero once expired.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.ExpireTime.Sub(now)
}

// SameSlot reports whether e and other occupy the same registry slot. Two
// entries are the same slot when their keys match, whatever their tokens.
func (e Entry) SameSlot(other Entry) bool {
	return e.Key == other.Key
}

// Normalize canonicalizes a caller supplied key: surrounding whitespace is
// trimmed and the result lower-cased.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
