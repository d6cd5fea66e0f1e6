package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/distlock/api"
	"pkt.systems/distlock/internal/clock"
	"pkt.systems/distlock/internal/correlation"
	"pkt.systems/distlock/internal/registry"
	"pkt.systems/pslog"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock   *clock.Manual
	reg     *registry.Registry
	handler *Handler
	mux     *http.ServeMux
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	clk := clock.NewManual(testStart)
	reg := registry.New(registry.Config{TTL: 10 * time.Second, Clock: clk})
	cfg.Registry = reg
	h := New(cfg)
	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{clock: clk, reg: reg, handler: h, mux: mux}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestAcquireGrantAndContention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/v1/acquire", `{"key":" Orders "}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[api.AcquireResponse](t, rec)
	if !first.Acquired || first.Lock == nil {
		t.Fatalf("expected grant, got %+v", first)
	}
	if first.Lock.Key != "orders" {
		t.Fatalf("expected normalized key, got %q", first.Lock.Key)
	}
	if first.Lock.ID == "" {
		t.Fatal("expected lock id")
	}
	if !first.Lock.ExpireTime.Equal(testStart.Add(10 * time.Second)) {
		t.Fatalf("unexpected expire time %v", first.Lock.ExpireTime)
	}
	if first.Lock.ExpiresAtUnix != first.Lock.ExpireTime.Unix() {
		t.Fatalf("expires_at_unix mismatch: %d", first.Lock.ExpiresAtUnix)
	}

	rec = f.do(t, http.MethodPost, "/v1/acquire", `{"key":"ORDERS"}`)
	second := decode[api.AcquireResponse](t, rec)
	if rec.Code != http.StatusOK || second.Acquired || second.Lock != nil {
		t.Fatalf("expected contention, got %d %+v", rec.Code, second)
	}

	f.clock.Advance(11 * time.Second)
	rec = f.do(t, http.MethodPost, "/v1/acquire", `{"key":"orders"}`)
	third := decode[api.AcquireResponse](t, rec)
	if !third.Acquired || third.Lock == nil || third.Lock.ID == first.Lock.ID {
		t.Fatalf("expected reclaim with fresh id, got %+v", third)
	}
}

func TestAcquireEmptyKeyPassesThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	rec := f.do(t, http.MethodPost, "/v1/acquire", `{"key":"  "}`)
	resp := decode[api.AcquireResponse](t, rec)
	if !resp.Acquired || resp.Lock != nil {
		t.Fatalf("expected passthrough, got %+v", resp)
	}
	if f.reg.Len() != 0 {
		t.Fatalf("passthrough must not create entries, have %d", f.reg.Len())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.do(t, http.MethodPost, "/v1/acquire", `{"key":"job"}`)

	rec := f.do(t, http.MethodPost, "/v1/release", `{"key":"JOB"}`)
	if got := decode[api.ReleaseResponse](t, rec); !got.Released {
		t.Fatalf("expected release, got %+v", got)
	}
	rec = f.do(t, http.MethodPost, "/v1/release", `{"key":"job"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat release, got %d", rec.Code)
	}
	if got := decode[api.ReleaseResponse](t, rec); got.Released {
		t.Fatalf("expected no-op release, got %+v", got)
	}
}

func TestReleaseAcceptsQueryKey(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	f.do(t, http.MethodPost, "/v1/acquire?key=batch", "")
	if f.reg.Len() != 1 {
		t.Fatalf("expected query acquire to create an entry, have %d", f.reg.Len())
	}
	rec := f.do(t, http.MethodPost, "/v1/release?key=batch", "")
	if got := decode[api.ReleaseResponse](t, rec); !got.Released {
		t.Fatalf("expected release via query, got %+v", got)
	}
}

func TestListReturnsSortedEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	for _, key := range []string{"b", "a", "c"} {
		f.do(t, http.MethodPost, "/v1/acquire", `{"key":"`+key+`"}`)
	}
	rec := f.do(t, http.MethodGet, "/v1/locks", "")
	resp := decode[api.ListResponse](t, rec)
	if len(resp.Locks) != 3 {
		t.Fatalf("expected 3 locks, got %+v", resp.Locks)
	}
	for i, want := range []string{"a", "b", "c"} {
		if resp.Locks[i].Key != want {
			t.Fatalf("entry %d: expected %q, got %q", i, want, resp.Locks[i].Key)
		}
	}

	empty := newFixture(t, Config{})
	rec = empty.do(t, http.MethodGet, "/v1/locks", "")
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"locks":[]`)) {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestRequestErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"acquire wrong method", http.MethodGet, "/v1/acquire", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"list wrong method", http.MethodPost, "/v1/locks", "", http.StatusMethodNotAllowed, "method_not_allowed"},
		{"malformed body", http.MethodPost, "/v1/acquire", `{"key":`, http.StatusBadRequest, "invalid_body"},
		{"unknown field", http.MethodPost, "/v1/acquire", `{"name":"x"}`, http.StatusBadRequest, "invalid_body"},
		{"trailing value", http.MethodPost, "/v1/release", `{"key":"x"}{"key":"y"}`, http.StatusBadRequest, "invalid_body"},
		{"too large", http.MethodPost, "/v1/acquire", `{"key":"` + strings.Repeat("k", 200) + `"}`, http.StatusRequestEntityTooLarge, "body_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, Config{JSONMaxBytes: 64})
			rec := f.do(t, tc.method, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			resp := decode[api.ErrorResponse](t, rec)
			if resp.ErrorCode != tc.code {
				t.Fatalf("expected code %q, got %+v", tc.code, resp)
			}
			if tc.status == http.StatusMethodNotAllowed && rec.Header().Get("Allow") == "" {
				t.Fatal("expected Allow header")
			}
		})
	}
}

func TestRateLimitSkipsHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{RateLimit: 0.001, RateBurst: 1})
	if rec := f.do(t, http.MethodPost, "/v1/acquire", `{"key":"a"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected first call to pass, got %d", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/v1/acquire", `{"key":"b"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
	if resp := decode[api.ErrorResponse](t, rec); resp.ErrorCode != "rate_limited" || resp.RetryAfterSeconds != 1 {
		t.Fatalf("unexpected error body %+v", resp)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must not be limited, got %d", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/readyz", ""); rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rec.Code)
	}
	f.handler.SetReady(false)
	rec := f.do(t, http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when not ready, got %d", rec.Code)
	}
	if resp := decode[api.ErrorResponse](t, rec); resp.ErrorCode != "not_ready" {
		t.Fatalf("unexpected error body %+v", resp)
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/v1/locks", nil)
	req.Header.Set(correlation.Header, "trace-me")
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	if got := rec.Header().Get(correlation.Header); got != "trace-me" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}

	rec = f.do(t, http.MethodGet, "/v1/locks", "")
	if rec.Header().Get(correlation.Header) == "" {
		t.Fatal("expected generated correlation id")
	}
}

type panicRegistry struct{}

func (panicRegistry) Acquire(context.Context, string) (bool, *registry.Entry) { panic("boom") }
func (panicRegistry) Release(context.Context, string) bool                   { panic("boom") }
func (panicRegistry) List(context.Context) []registry.Entry                  { panic("boom") }

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	t.Parallel()
	var logs bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &logs, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
	})
	h := New(Config{Registry: panicRegistry{}, Logger: logger})
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodGet, "/v1/locks", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if resp := decode[api.ErrorResponse](t, rec); resp.ErrorCode != "internal_error" {
		t.Fatalf("unexpected error body %+v", resp)
	}
	if !strings.Contains(logs.String(), "http.request.panic") {
		t.Fatalf("expected panic log, got %q", logs.String())
	}
}

func TestRouterSys(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"acquire":  "api.http.router.acquire",
		"v1/locks": "api.http.router.v1.locks",
		"":         "api.http.router.unknown",
	}
	for in, want := range cases {
		if got := routerSys(in); got != want {
			t.Fatalf("routerSys(%q) = %q, want %q", in, got, want)
		}
	}
}
