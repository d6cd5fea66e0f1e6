// Package sweeper periodically evicts expired locks from the registry.
//
// Eviction is housekeeping only: an expired entry is already free for
// Acquire, so a slow or failed sweep never changes lock outcomes.
package sweeper

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/distlock/internal/clock"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/distlock/internal/registry"
	"pkt.systems/pslog"
)

// DefaultInterval is the pause between sweeps.
const DefaultInterval = 2 * time.Second

// Target is the table being swept.
type Target interface {
	Sweep(ctx context.Context) []registry.Entry
}

// Config controls sweeper construction.
type Config struct {
	Target        Target
	Interval      time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
	MeterProvider metric.MeterProvider
}

// Sweeper runs Target.Sweep on a fixed period in its own goroutine.
type Sweeper struct {
	target   Target
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *sweepMetrics

	mu     sync.Mutex
	stopCh chan struct{}
	done   sync.WaitGroup
}

// New validates cfg and returns an idle sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Target == nil {
		return nil, errors.New("sweeper: target required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "sweeper")
	return &Sweeper{
		target:   cfg.Target,
		interval: interval,
		clock:    clock.Or(cfg.Clock),
		logger:   logger,
		metrics:  newSweepMetrics(cfg.MeterProvider, logger),
	}, nil
}

// Interval returns the configured sweep period.
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Start launches the sweep loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.done.Add(1)
	s.logger.Info("sweep.loop.start", "interval", s.interval)
	go s.loop(stopCh)
}

// Stop signals the loop to exit and waits for it. A sweep in progress is
// allowed to finish. Calling Stop on an idle sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	s.done.Wait()
	s.logger.Info("sweep.loop.stop")
}

func (s *Sweeper) loop(stopCh <-chan struct{}) {
	defer s.done.Done()
	ctx := context.Background()
	for {
		select {
		case <-stopCh:
			return
		case <-s.clock.After(s.interval):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the evicted entries. A panic
// raised by the target is logged and reported as an empty result.
func (s *Sweeper) RunOnce(ctx context.Context) (evicted []registry.Entry) {
	start := s.clock.Now()
	result := "ok"
	s.logger.Debug("sweep.begin")
	defer func() {
		if rec := recover(); rec != nil {
			loggingutil.LogRecovered(s.logger, "sweep.panic", rec)
			evicted = nil
			result = "fault"
		}
		elapsed := s.clock.Now().Sub(start)
		s.metrics.recordRun(ctx, result, len(evicted), elapsed)
		s.logger.Debug("sweep.end", "result", result, "evicted", len(evicted), "elapsed", elapsed)
	}()

	evicted = s.target.Sweep(ctx)
	if len(evicted) == 0 {
		return evicted
	}
	keys := make([]string, len(evicted))
	ids := make([]string, len(evicted))
	for i, e := range evicted {
		keys[i] = e.Key
		ids[i] = e.ID
		s.logger.Debug("sweep.evicted.entry",
			"key", e.Key,
			"id", e.ID,
			"expire_time", e.ExpireTime.UTC().Format(time.RFC3339Nano),
		)
	}
	s.logger.Info("sweep.evicted",
		"count", len(evicted),
		"keys", strings.Join(keys, ","),
		"ids", strings.Join(ids, ","),
	)
	return evicted
}
