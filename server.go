package distlock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/distlock/internal/clock"
	"pkt.systems/distlock/internal/httpapi"
	"pkt.systems/distlock/internal/lockid"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/distlock/internal/registry"
	"pkt.systems/distlock/internal/sweeper"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the lock registry and its sweeper.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	registry     *registry.Registry
	sweeper      *sweeper.Sweeper
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	telemetry    *telemetryBundle
	lastServeErr error

	mu        sync.Mutex
	shutdown  bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger        pslog.Logger
	Clock         clock.Clock
	Registry      *registry.Registry
	MeterProvider metric.MeterProvider
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithRegistry serves a pre-built registry instead of creating one from cfg.
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) {
		o.Registry = r
	}
}

// WithMeterProvider routes registry and sweeper metrics to provider instead of
// the global one.
func WithMeterProvider(p metric.MeterProvider) Option {
	return func(o *options) {
		o.MeterProvider = p
	}
}

// NewServer constructs a distlock server according to cfg.
// Example:
//
//	cfg := distlock.Config{Listen: ":9342", LockTTL: 30 * time.Second}
//	srv, err := distlock.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	serverClock := clock.Or(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), telemetryOptions{
		otlpEndpoint:   cfg.OTLPEndpoint,
		metricsListen:  cfg.MetricsListen,
		pprofListen:    cfg.PprofListen,
		runtimeMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	meterProvider := o.MeterProvider
	if meterProvider == nil && telemetry != nil && telemetry.meterProvider != nil {
		meterProvider = telemetry.meterProvider
	}

	reg := o.Registry
	if reg == nil {
		ids, err := lockid.New(cfg.IDFormat)
		if err != nil {
			shutdownTelemetry(telemetry)
			return nil, fmt.Errorf("config: %w", err)
		}
		reg = registry.New(registry.Config{
			TTL:           cfg.LockTTL,
			Clock:         serverClock,
			IDs:           ids,
			Logger:        logger,
			MeterProvider: meterProvider,
		})
	}
	sw, err := sweeper.New(sweeper.Config{
		Target:        reg,
		Interval:      cfg.SweepInterval,
		Clock:         serverClock,
		Logger:        logger,
		MeterProvider: meterProvider,
	})
	if err != nil {
		shutdownTelemetry(telemetry)
		return nil, err
	}

	handler := httpapi.New(httpapi.Config{
		Registry:       reg,
		Logger:         logger,
		JSONMaxBytes:   cfg.JSONMaxBytes,
		TracingEnabled: telemetry != nil && telemetry.tracerProvider != nil,
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	})
	handler.SetReady(false)
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
	}

	serverLogger := loggingutil.WithSubsystem(logger, "server")
	serverLogger.Info("server.configured",
		"lock_ttl", reg.TTL(),
		"sweep_interval", sw.Interval(),
		"id_format", cfg.IDFormat,
		"json_max_bytes", cfg.JSONMaxBytes,
		"rate_limit", cfg.RateLimit,
	)

	return &Server{
		cfg:       cfg,
		logger:    serverLogger,
		registry:  reg,
		sweeper:   sw,
		handler:   handler,
		httpSrv:   httpSrv,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
	}, nil
}

func shutdownTelemetry(t *telemetryBundle) {
	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler so distlock can be mounted
// inside an existing mux when embedding the server into another program.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Registry returns the lock table served by s.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.sweeper.Start()
	defer s.sweeper.Stop()
	s.handler.SetReady(true)
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())

	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns. A failed HTTP
// drain forces the remaining connections closed and teardown continues, so
// telemetry and the unix socket are always released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	s.handler.SetReady(false)
	s.logger.Info("server.shutdown.begin", "tracked_locks", s.registry.Len())
	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("server.shutdown.drain_failed", "error", err)
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = s.httpSrv.Close()
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	telemetry := s.telemetry
	s.telemetry = nil
	s.mu.Unlock()
	s.sweeper.Stop()
	if telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.logger.Error("server.shutdown.incomplete", "error", err)
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener address, or nil when
// metrics are disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.metricsAddr
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports any fatal serve/shutdown errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a distlock server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := distlock.Config{ListenProto: "unix", Listen: "/tmp/distlock.sock"}
//	srv, stop, err := distlock.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	case <-waitCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
