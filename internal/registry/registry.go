// Package registry implements the in-memory lock table: expiring, keyed
// mutual exclusion guarded by a single mutex.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"pkt.systems/distlock/internal/clock"
	"pkt.systems/distlock/internal/correlation"
	"pkt.systems/distlock/internal/lockid"
	"pkt.systems/distlock/internal/loggingutil"
	"pkt.systems/pslog"
)

// DefaultTTL is the lifetime of a freshly granted lock.
const DefaultTTL = 30 * time.Second

// Config controls registry construction.
type Config struct {
	// TTL is the lifetime of each granted lock. Defaults to DefaultTTL.
	TTL time.Duration
	// Clock supplies the time used for creation and expiry checks.
	Clock clock.Clock
	// IDs generates lock tokens. Defaults to random UUIDs.
	IDs lockid.Generator
	// Logger receives structured registry events.
	Logger pslog.Logger
	// MeterProvider receives registry metrics. Defaults to the global provider.
	MeterProvider metric.MeterProvider
}

// Registry is the authoritative table of held locks. Every operation,
// including the sweep, runs its whole check-then-act sequence under one
// mutex, and no operation lets a panic escape to the caller. Nothing logs,
// records metrics or performs other I/O while the mutex is held.
type Registry struct {
	ttl    time.Duration
	clock  clock.Clock
	ids    lockid.Generator
	logger pslog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	tracked atomic.Int64

	metrics *registryMetrics
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ids := cfg.IDs
	if ids == nil {
		ids = lockid.NewUUID
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "registry")
	r := &Registry{
		ttl:     ttl,
		clock:   clock.Or(cfg.Clock),
		ids:     ids,
		logger:  logger,
		entries: make(map[string]*Entry),
	}
	r.metrics = newRegistryMetrics(cfg.MeterProvider, logger, r.tracked.Load)
	return r
}

// TTL returns the lifetime applied to granted locks.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Acquire tries to take the lock named by key.
//
// A key that is empty after normalization is let through as (true, nil)
// without creating anything. A key held by an unexpired entry yields
// (false, nil). Otherwise the key is granted, either as a new entry or by
// refreshing an expired one in place with a new token, and a copy of the
// entry is returned. Internal faults are logged and reported as (false, nil).
func (r *Registry) Acquire(ctx context.Context, key string) (acquired bool, entry *Entry) {
	normalized := Normalize(key)
	logger := r.requestLogger(ctx).With("key", normalized)
	result := resultFault
	defer func() {
		if rec := recover(); rec != nil {
			loggingutil.LogRecovered(logger, "lock.acquire.panic", rec)
			acquired, entry, result = false, nil, resultFault
		}
		r.metrics.recordAcquire(ctx, result)
	}()

	logger.Debug("lock.acquire.begin", "raw_key", key)
	if normalized == "" {
		result = resultPassthrough
		logger.Debug("lock.acquire.passthrough")
		return true, nil
	}

	out := r.acquireLocked(normalized)
	result = out.result
	switch out.result {
	case resultContended:
		logger.Debug("lock.acquire.contended",
			"id", out.previous.ID,
			"expire_time", formatTime(out.previous.ExpireTime),
			"remaining", out.previous.Remaining(out.now),
		)
		return false, nil
	case resultRefreshed:
		logger.Info("lock.acquire.refreshed",
			"id", out.granted.ID,
			"previous_id", out.previous.ID,
			"previous_expire_time", formatTime(out.previous.ExpireTime),
			"create_time", formatTime(out.granted.CreateTime),
			"expire_time", formatTime(out.granted.ExpireTime),
		)
	default:
		logger.Info("lock.acquire.granted",
			"id", out.granted.ID,
			"create_time", formatTime(out.granted.CreateTime),
			"expire_time", formatTime(out.granted.ExpireTime),
		)
	}
	granted := out.granted
	return true, &granted
}

// acquireOutcome carries what happened under the mutex so logging and
// metrics run after it is released.
type acquireOutcome struct {
	result   string
	now      time.Time
	granted  Entry
	previous Entry
}

func (r *Registry) acquireLocked(key string) acquireOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	current, exists := r.entries[key]
	if exists && !current.Expired(now) {
		return acquireOutcome{result: resultContended, now: now, previous: *current}
	}
	granted := Entry{
		Key:        key,
		ID:         r.ids(),
		CreateTime: now,
		ExpireTime: now.Add(r.ttl),
	}
	if exists {
		previous := *current
		*current = granted
		return acquireOutcome{result: resultRefreshed, now: now, granted: granted, previous: previous}
	}
	stored := granted
	r.entries[key] = &stored
	r.tracked.Store(int64(len(r.entries)))
	return acquireOutcome{result: resultAcquired, now: now, granted: granted}
}

// Release drops the lock named by key whether or not it has expired. It
// reports whether an entry was removed. Releasing an absent key is a no-op.
func (r *Registry) Release(ctx context.Context, key string) (released bool) {
	normalized := Normalize(key)
	logger := r.requestLogger(ctx).With("key", normalized)
	result := resultFault
	defer func() {
		if rec := recover(); rec != nil {
			loggingutil.LogRecovered(logger, "lock.release.panic", rec)
			released, result = false, resultFault
		}
		r.metrics.recordRelease(ctx, result)
	}()

	if normalized == "" {
		result = resultInvalid
		logger.Warn("lock.release.empty_key", "raw_key", key)
		return false
	}

	removed, now, ok := r.releaseLocked(normalized)
	if !ok {
		result = resultAbsent
		logger.Debug("lock.release.absent")
		return false
	}
	result = resultReleased
	logger.Info("lock.release.removed",
		"id", removed.ID,
		"expired", removed.Expired(now),
		"held_for", now.Sub(removed.CreateTime),
	)
	return true
}

func (r *Registry) releaseLocked(key string) (Entry, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, exists := r.entries[key]
	if !exists {
		return Entry{}, time.Time{}, false
	}
	now := r.clock.Now()
	removed := *current
	delete(r.entries, key)
	r.tracked.Store(int64(len(r.entries)))
	return removed, now, true
}

// List returns a snapshot of every tracked entry, expired ones included,
// ordered by key. Later registry changes do not affect the returned slice.
func (r *Registry) List(ctx context.Context) (entries []Entry) {
	logger := r.requestLogger(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			loggingutil.LogRecovered(logger, "lock.list.panic", rec)
			entries = []Entry{}
		}
	}()

	entries = r.snapshot()
	sortEntries(entries)
	logger.Trace("lock.list", "count", len(entries))
	return entries
}

func (r *Registry) snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	return entries
}

// Sweep removes every expired entry and returns copies of what it removed,
// ordered by key. Panics propagate so the caller can account for the fault.
func (r *Registry) Sweep(ctx context.Context) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var evicted []Entry
	for key, e := range r.entries {
		if !e.Expired(now) {
			continue
		}
		evicted = append(evicted, *e)
		delete(r.entries, key)
	}
	r.tracked.Store(int64(len(r.entries)))
	sortEntries(evicted)
	return evicted
}

// Len returns the number of tracked entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) requestLogger(ctx context.Context) pslog.Logger {
	if cid := correlation.ID(ctx); cid != "" {
		return r.logger.With("cid", cid)
	}
	return r.logger
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
