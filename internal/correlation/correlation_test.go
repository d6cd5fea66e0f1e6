package correlation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	valid := "abc-123"
	if got, ok := Normalize(valid); !ok || got != valid {
		t.Fatalf("expected %q to normalize, got %q ok=%v", valid, got, ok)
	}
	if got, ok := Normalize("  xyz  "); !ok || got != "xyz" {
		t.Fatalf("expected trimmed normalize to xyz, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\x01suffix"); ok {
		t.Fatal("non-printable should be invalid")
	}
}

func TestWithAndID(t *testing.T) {
	ctx := context.Background()
	if ID(ctx) != "" {
		t.Fatal("expected empty context to have no correlation id")
	}
	if ID(With(ctx, "\x00")) != "" {
		t.Fatal("expected invalid id to be ignored")
	}
	if got := ID(With(ctx, "foo")); got != "foo" {
		t.Fatalf("expected foo, got %q", got)
	}
}

func TestFromRequestKeepsInboundHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/acquire", nil)
	req.Header.Set(Header, "  trace-42 ")
	if got := ID(FromRequest(req)); got != "trace-42" {
		t.Fatalf("expected inbound correlation id, got %q", got)
	}
}

func TestFromRequestGeneratesWhenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/locks", nil)
	id := ID(FromRequest(req))
	if id == "" {
		t.Fatal("expected generated correlation id")
	}
	if _, ok := Normalize(id); !ok {
		t.Fatalf("generated id should be valid, got %q", id)
	}
}

func TestApplySetsHeader(t *testing.T) {
	h := http.Header{}
	Apply(context.Background(), h)
	if h.Get(Header) != "" {
		t.Fatal("expected no header without correlation id")
	}
	Apply(With(context.Background(), "cid-1"), h)
	if got := h.Get(Header); got != "cid-1" {
		t.Fatalf("expected header cid-1, got %q", got)
	}
}
