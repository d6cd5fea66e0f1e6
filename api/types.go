// Package api defines the JSON wire types exchanged with distlockd.
package api

import "time"

// AcquireRequest models the JSON payload for POST /v1/acquire.
type AcquireRequest struct {
	// Key names the lock. It is trimmed and lower-cased by the server.
	Key string `json:"key"`
}

// AcquireResponse reports the outcome of an acquire call. A lock held by
// someone else is a normal response with Acquired set to false.
type AcquireResponse struct {
	// Acquired is true when the caller now holds the lock.
	Acquired bool `json:"acquired"`
	// Lock describes the granted lock. It is absent when Acquired is false
	// and when an empty key was let through.
	Lock *LockEntry `json:"lock,omitempty"`
}

// ReleaseRequest models the JSON payload for POST /v1/release.
type ReleaseRequest struct {
	// Key names the lock to drop.
	Key string `json:"key"`
}

// ReleaseResponse reports the outcome of a release call.
type ReleaseResponse struct {
	// Released is true when an entry was removed. Releasing an absent key
	// succeeds with Released set to false.
	Released bool `json:"released"`
}

// ListResponse is returned by GET /v1/locks.
type ListResponse struct {
	// Locks holds every tracked entry, expired ones included, ordered by key.
	Locks []LockEntry `json:"locks"`
}

// LockEntry describes one held lock.
type LockEntry struct {
	// Key is the normalized lock key.
	Key string `json:"key"`
	// ID is the token issued for the current holding span.
	ID string `json:"id"`
	// CreateTime is when the current holding span started.
	CreateTime time.Time `json:"create_time"`
	// ExpireTime is when the lock becomes free again.
	ExpireTime time.Time `json:"expire_time"`
	// ExpiresAtUnix mirrors ExpireTime as a Unix timestamp in seconds.
	ExpiresAtUnix int64 `json:"expires_at_unix"`
}

// HealthResponse is returned by /healthz and /readyz.
type HealthResponse struct {
	// Status is "ok" when healthy or ready.
	Status string `json:"status"`
}

// ErrorResponse is the envelope written for every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is the stable error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
