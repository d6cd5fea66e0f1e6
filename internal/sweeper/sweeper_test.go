package sweeper

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/distlock/internal/clock"
	"pkt.systems/distlock/internal/registry"
	"pkt.systems/pslog"
)

var testStart = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func captureLogger(buf *bytes.Buffer) pslog.Logger {
	return pslog.NewWithOptions(context.Background(), buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.DebugLevel,
	})
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type panicTarget struct{}

func (panicTarget) Sweep(context.Context) []registry.Entry {
	panic("table corrupted")
}

func TestNewRequiresTarget(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without target")
	}
	s, err := New(Config{Target: registry.New(registry.Config{})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Interval() != DefaultInterval {
		t.Fatalf("expected default interval %v, got %v", DefaultInterval, s.Interval())
	}
}

func TestRunOnceLogsEvictedKeysAndIDs(t *testing.T) {
	var buf bytes.Buffer
	clk := clock.NewManual(testStart)
	reg := registry.New(registry.Config{TTL: time.Second, Clock: clk})
	ctx := context.Background()
	_, x := reg.Acquire(ctx, "x")
	clk.Advance(500 * time.Millisecond)
	reg.Acquire(ctx, "y")
	clk.Advance(600 * time.Millisecond)

	s, err := New(Config{Target: reg, Clock: clk, Logger: captureLogger(&buf)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	evicted := s.RunOnce(ctx)
	if len(evicted) != 1 || evicted[0].Key != "x" {
		t.Fatalf("expected x evicted, got %+v", evicted)
	}
	out := buf.String()
	for _, want := range []string{"sweep.begin", "sweep.end", "sweep.evicted", x.ID} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in log output, got %q", want, out)
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("expected y to remain, have %d entries", reg.Len())
	}
}

func TestRunOnceRecoversTargetPanic(t *testing.T) {
	var buf bytes.Buffer
	s, err := New(Config{Target: panicTarget{}, Clock: clock.NewManual(testStart), Logger: captureLogger(&buf)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if evicted := s.RunOnce(context.Background()); evicted != nil {
		t.Fatalf("expected nil result after panic, got %+v", evicted)
	}
	out := buf.String()
	if !strings.Contains(out, "sweep.panic") || !strings.Contains(out, "table corrupted") {
		t.Fatalf("expected panic to be logged, got %q", out)
	}
	if !strings.Contains(out, "sweep.end") {
		t.Fatalf("expected end bracket after panic, got %q", out)
	}
}

func TestLoopSweepsOnEachTick(t *testing.T) {
	clk := clock.NewManual(testStart)
	reg := registry.New(registry.Config{TTL: 3 * time.Second, Clock: clk})
	ctx := context.Background()
	reg.Acquire(ctx, "tick")

	s, err := New(Config{Target: reg, Clock: clk, Interval: 2 * time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("sweeper did not schedule its first tick")
	}
	clk.Advance(2 * time.Second)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("sweeper did not reschedule after first tick")
	}
	if reg.Len() != 1 {
		t.Fatalf("unexpired entry evicted early, have %d", reg.Len())
	}

	clk.Advance(2 * time.Second)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("sweeper did not reschedule after second tick")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected expired entry to be evicted, have %d", reg.Len())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	clk := clock.NewManual(testStart)
	s, err := New(Config{Target: registry.New(registry.Config{Clock: clk}), Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Stop()
	s.Start()
	s.Start()
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("sweeper did not start")
	}
	if clk.Pending() != 1 {
		t.Fatalf("expected a single loop, got %d pending timers", clk.Pending())
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not join the loop")
	}
}

func TestSweepingNeverRejectsFreeKeys(t *testing.T) {
	logs := &lockedBuffer{}
	logger := pslog.NewWithOptions(context.Background(), logs, pslog.Options{
		Mode:     pslog.ModeStructured,
		MinLevel: pslog.WarnLevel,
	})
	reg := registry.New(registry.Config{TTL: 2 * time.Millisecond, Logger: logger})
	s, err := New(Config{Target: reg, Interval: time.Millisecond, Logger: logger})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	ctx := context.Background()
	const workers = 8
	const rounds = 200
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			key := fmt.Sprintf("worker-%d", w)
			for i := 0; i < rounds; i++ {
				if ok, _ := reg.Acquire(ctx, key); !ok {
					errs <- fmt.Errorf("%s round %d: released key rejected", key, i)
					return
				}
				if i%3 == 0 {
					// Leave the lock to expire so the sweeper races the next acquire.
					time.Sleep(3 * time.Millisecond)
					continue
				}
				reg.Release(ctx, key)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if strings.Contains(logs.String(), "panic") {
		t.Fatalf("unexpected fault during concurrent sweep: %s", logs.String())
	}
}
