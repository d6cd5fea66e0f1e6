package inprocess_test

import (
	"context"
	"testing"

	"pkt.systems/distlock"
	"pkt.systems/distlock/client/inprocess"
)

func TestNewRejectsNonUnixSockets(t *testing.T) {
	t.Parallel()

	cli, err := inprocess.New(context.Background(), distlock.Config{ListenProto: "tcp"})
	if err == nil {
		_ = cli.Close(context.Background())
		t.Fatal("expected error when ListenProto is not unix")
	}
}

func TestNewRunsServerAndCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inproc, err := inprocess.New(ctx, distlock.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if err := inproc.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}()

	ok, lock, err := inproc.Acquire(ctx, "unit-test")
	if err != nil || !ok || lock == nil {
		t.Fatalf("Acquire: ok=%v lock=%+v err=%v", ok, lock, err)
	}
	locks, err := inproc.List(ctx)
	if err != nil || len(locks) != 1 {
		t.Fatalf("List: %+v %v", locks, err)
	}
	released, err := inproc.Release(ctx, "unit-test")
	if err != nil || !released {
		t.Fatalf("Release: %v %v", released, err)
	}

	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close first call: %v", err)
	}
	if err := inproc.Close(ctx); err != nil {
		t.Fatalf("Close second call: %v", err)
	}
}
