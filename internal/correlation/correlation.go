package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/distlock/internal/lockid"
)

// Header carries correlation identifiers between clients and the service.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns a context carrying id. Invalid identifiers leave ctx untouched.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation identifier carried by ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// FromRequest returns the context of r annotated with the inbound correlation
// identifier, or a freshly generated one when the header is absent or invalid.
func FromRequest(r *http.Request) context.Context {
	ctx := r.Context()
	if id, ok := Normalize(r.Header.Get(Header)); ok {
		return context.WithValue(ctx, contextKey{}, id)
	}
	return context.WithValue(ctx, contextKey{}, Generate())
}

// Apply copies the correlation identifier in ctx onto h.
func Apply(ctx context.Context, h http.Header) {
	if id := ID(ctx); id != "" {
		h.Set(Header, id)
	}
}

// Normalize validates and canonicalizes an external correlation identifier.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered correlation identifier.
func Generate() string {
	return lockid.NewRequestID()
}
