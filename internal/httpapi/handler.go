// Package httpapi exposes the lock registry over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"pkt.systems/distlock/api"
	"pkt.systems/distlock/internal/correlation"
	"pkt.systems/distlock/internal/lockid"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/distlock/internal/registry"
	"pkt.systems/pslog"
)

// DefaultJSONMaxBytes bounds request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes int64 = 64 << 10

// Registry is the lock table served by the handler.
type Registry interface {
	Acquire(ctx context.Context, key string) (bool, *registry.Entry)
	Release(ctx context.Context, key string) bool
	List(ctx context.Context) []registry.Entry
}

// Config groups the dependencies required by the HTTP handler.
type Config struct {
	Registry Registry
	Logger   pslog.Logger
	// JSONMaxBytes caps the size of request bodies.
	JSONMaxBytes int64
	// TracingEnabled wraps every route with OpenTelemetry spans.
	TracingEnabled bool
	// RateLimit caps lock operations per second across all callers. Zero
	// disables limiting.
	RateLimit float64
	// RateBurst is the number of operations allowed above RateLimit in a burst.
	RateBurst int
}

// Handler serves the lock API.
type Handler struct {
	registry     Registry
	logger       pslog.Logger
	jsonMaxBytes int64
	tracing      bool
	tracer       trace.Tracer
	limiter      *rate.Limiter
	ready        atomic.Bool
}

// New constructs a Handler. The handler reports ready until SetReady(false).
func New(cfg Config) *Handler {
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	h := &Handler{
		registry:     cfg.Registry,
		logger:       loggingutil.EnsureLogger(cfg.Logger),
		jsonMaxBytes: maxBytes,
		tracing:      cfg.TracingEnabled,
		tracer:       otel.Tracer("pkt.systems/distlock/httpapi"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	h.ready.Store(true)
	return h
}

// SetReady toggles the /readyz answer.
func (h *Handler) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Register wires the routes under /v1 and the health endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/acquire", h.wrap("acquire", h.handleAcquire))
	mux.Handle("/v1/release", h.wrap("release", h.handleRelease))
	mux.Handle("/v1/locks", h.wrap("list", h.handleList))
	mux.Handle("/healthz", h.wrap("healthz", h.handleHealth))
	mux.Handle("/readyz", h.wrap("readyz", h.handleReady))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func limited(operation string) bool {
	switch operation {
	case "healthz", "readyz":
		return false
	}
	return true
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "distlock.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromRequest(r)
		cid := correlation.ID(ctx)
		logger := loggingutil.WithSubsystem(h.logger, sys).With(
			"req_id", lockid.NewRequestID(),
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		correlation.Apply(ctx, w.Header())

		span := trace.SpanFromContext(ctx)
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "distlock.op."+operation,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("distlock.operation", operation),
					attribute.String("distlock.correlation_id", cid),
				),
			)
			defer span.End()
		}
		r = r.WithContext(ctx)

		defer func() {
			if rec := recover(); rec != nil {
				loggingutil.LogRecovered(logger, "http.request.panic", rec)
				span.SetStatus(codes.Error, "panic")
				h.handleError(ctx, w, fmt.Errorf("panic: %v", rec))
			}
		}()

		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if h.limiter != nil && limited(operation) && !h.limiter.Allow() {
			span.SetStatus(codes.Error, "rate_limited")
			h.handleError(ctx, w, httpError{
				Status:     http.StatusTooManyRequests,
				Code:       "rate_limited",
				Detail:     "request rate exceeded",
				RetryAfter: 1,
			})
			return
		}

		if err := fn(w, r); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler_error")
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		var headers map[string]string
		if httpErr.RetryAfter > 0 {
			headers = map[string]string{"Retry-After": strconv.FormatInt(httpErr.RetryAfter, 10)}
		}
		writeJSON(w, httpErr.Status, api.ErrorResponse{
			ErrorCode:         httpErr.Code,
			Detail:            httpErr.Detail,
			RetryAfterSeconds: httpErr.RetryAfter,
		}, headers)
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func (h *Handler) handleAcquire(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.AcquireRequest
	if err := h.decodeKeyRequest(w, r, &req, &req.Key); err != nil {
		return err
	}
	acquired, entry := h.registry.Acquire(r.Context(), req.Key)
	resp := api.AcquireResponse{Acquired: acquired}
	if entry != nil {
		lock := toAPIEntry(*entry)
		resp.Lock = &lock
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodPost); err != nil {
		return err
	}
	var req api.ReleaseRequest
	if err := h.decodeKeyRequest(w, r, &req, &req.Key); err != nil {
		return err
	}
	released := h.registry.Release(r.Context(), req.Key)
	writeJSON(w, http.StatusOK, api.ReleaseResponse{Released: released}, nil)
	return nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) error {
	if err := requireMethod(w, r, http.MethodGet); err != nil {
		return err
	}
	entries := h.registry.List(r.Context())
	resp := api.ListResponse{Locks: make([]api.LockEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Locks = append(resp.Locks, toAPIEntry(e))
	}
	writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) error {
	if !h.ready.Load() {
		return httpError{Status: http.StatusServiceUnavailable, Code: "not_ready", Detail: "server is shutting down"}
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"}, nil)
	return nil
}

func toAPIEntry(e registry.Entry) api.LockEntry {
	return api.LockEntry{
		Key:           e.Key,
		ID:            e.ID,
		CreateTime:    e.CreateTime.UTC(),
		ExpireTime:    e.ExpireTime.UTC(),
		ExpiresAtUnix: e.ExpireTime.Unix(),
	}
}
