package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/registry"
	"github.com/next-trace/scg-rpc-bus/rpcbus"
)

func TestNewMemoryBus_BasicFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	b, cleanup, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer cleanup()

	square := rpcbus.Unary(func(_ context.Context, x int) (int, error) { return x * x, nil })
	if err := b.Server.Register("square", square, registry.Options{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	b.Serve(ctx)

	got, err := rpcbus.Call[int](ctx, b.Client, "square", 7)
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if got != 49 {
		t.Fatalf("want 49, got %d", got)
	}
}

func TestNewMemoryBus_CleanupFailsPendingCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	b, cleanup, err := New(ctx, nil, rpcbus.WithTimeout(time.Minute))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := b.Server.Registry().Register(registry.Remote("elsewhere", "")); err != nil {
		t.Fatalf("register remote: %v", err)
	}

	pc, err := b.Client.Go(ctx, "elsewhere")
	if err != nil {
		t.Fatalf("go: %v", err)
	}

	cleanup()

	out, err := pc.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if out.OK() {
		t.Fatalf("expected failure after cleanup")
	}

	if !errors.Is(out.Err(), berr.ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", out.Err())
	}
}
