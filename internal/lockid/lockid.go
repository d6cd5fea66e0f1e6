// Package lockid generates the opaque tokens handed out with each lock
// acquisition and the identifiers used to tag requests.
package lockid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

const (
	// FormatUUID issues random (version 4) UUIDs.
	FormatUUID = "uuid"
	// FormatUUIDv7 issues time-ordered (version 7) UUIDs.
	FormatUUIDv7 = "uuidv7"
	// FormatXID issues 20 character, sortable xids.
	FormatXID = "xid"
)

// Generator returns a new lock token on every call.
type Generator func() string

// Formats lists the accepted token formats.
func Formats() []string {
	return []string{FormatUUID, FormatUUIDv7, FormatXID}
}

// New returns the generator for format. An empty format selects FormatUUID.
func New(format string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatUUID:
		return NewUUID, nil
	case FormatUUIDv7:
		return NewUUIDv7, nil
	case FormatXID:
		return NewXID, nil
	default:
		return nil, fmt.Errorf("lockid: unknown format %q (valid: %s)", format, strings.Join(Formats(), ", "))
	}
}

// NewUUID returns a random UUID string.
func NewUUID() string {
	return uuid.NewString()
}

// NewUUIDv7 returns a time-ordered UUID string or panics if generation fails.
func NewUUIDv7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewXID returns a globally unique xid string.
func NewXID() string {
	return xid.New().String()
}

// NewRequestID returns an identifier for tagging a single request.
func NewRequestID() string {
	return NewUUIDv7()
}
