package invoker_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/batch"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/invoker"
	"github.com/next-trace/scg-rpc-bus/registry"
)

type recordingObserver struct {
	rpc.NopObserver

	mu    sync.Mutex
	kinds []string
}

func (o *recordingObserver) HandlerFinished(_ string, _ int, _ time.Duration, kind string) {
	o.mu.Lock()
	o.kinds = append(o.kinds, kind)
	o.mu.Unlock()
}

func mkBatch(t *testing.T, h rpc.Handler, opts registry.Options, ints ...int) *batch.Batch {
	t.Helper()

	svc, err := registry.NewBinding("svc", h, opts)
	require.NoError(t, err)

	b := &batch.Batch{Service: svc}

	for i, n := range ints {
		req, err := envelope.NewRequest(strconv.Itoa(i), "replies", n)
		require.NoError(t, err)

		b.Members = append(b.Members, batch.Member{Request: req})
	}

	return b
}

func firstInt(t *testing.T, a rpc.Args) int {
	t.Helper()

	var n int
	require.NoError(t, json.Unmarshal(a[0], &n))

	return n
}

func square(_ context.Context, calls []rpc.Args) ([]any, error) {
	out := make([]any, len(calls))

	for i, c := range calls {
		var n int
		if err := json.Unmarshal(c[0], &n); err != nil {
			return nil, err
		}

		out[i] = n * n
	}

	return out, nil
}

func TestInvoke_PositionalResults(t *testing.T) {
	obs := &recordingObserver{}
	inv := invoker.New(invoker.WithObserver(obs))

	out, done := inv.Invoke(t.Context(), mkBatch(t, square, registry.Options{BatchSize: 4}, 1, 2, 3, 4))
	<-done

	require.Len(t, out, 4)

	for i, want := range []string{"1", "4", "9", "16"} {
		assert.True(t, out[i].OK())
		assert.JSONEq(t, want, string(out[i].Value))
	}

	assert.Equal(t, []string{""}, obs.kinds)
}

func TestInvoke_HandlerErrorFailsEveryMember(t *testing.T) {
	h := func(context.Context, []rpc.Args) ([]any, error) { return nil, errors.New("model exploded") }
	inv := invoker.New()

	out, done := inv.Invoke(t.Context(), mkBatch(t, h, registry.Options{BatchSize: 3}, 1, 2, 3))
	<-done

	require.Len(t, out, 3)

	for _, o := range out {
		assert.Equal(t, berr.ErrCodeHandlerError, o.ErrorKind)
		assert.Equal(t, "model exploded", o.Message)
		assert.ErrorIs(t, o.Err(), berr.ErrHandlerError)
	}
}

func TestInvoke_PanicBecomesHandlerError(t *testing.T) {
	h := func(context.Context, []rpc.Args) ([]any, error) { panic("boom") }
	inv := invoker.New()

	out, done := inv.Invoke(t.Context(), mkBatch(t, h, registry.Options{}, 7))
	<-done

	require.Len(t, out, 1)
	assert.Equal(t, berr.ErrCodeHandlerError, out[0].ErrorKind)
	assert.Contains(t, out[0].Message, "boom")
}

func TestInvoke_ResultCountMismatch(t *testing.T) {
	h := func(context.Context, []rpc.Args) ([]any, error) { return []any{1}, nil }
	inv := invoker.New()

	out, done := inv.Invoke(t.Context(), mkBatch(t, h, registry.Options{BatchSize: 2}, 1, 2))
	<-done

	require.Len(t, out, 2)

	for _, o := range out {
		assert.Equal(t, berr.ErrCodeHandlerContract, o.ErrorKind)
	}
}

func TestInvoke_TimeoutReturnsBeforeHandler(t *testing.T) {
	release := make(chan struct{})
	var sawCancel atomic.Bool

	h := func(ctx context.Context, calls []rpc.Args) ([]any, error) {
		<-ctx.Done()
		sawCancel.Store(true)
		<-release

		return make([]any, len(calls)), nil
	}

	inv := invoker.New()
	start := time.Now()

	out, done := inv.Invoke(t.Context(), mkBatch(t, h, registry.Options{Timeout: 50 * time.Millisecond}, 4))

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, out, 1)
	assert.Equal(t, berr.ErrCodeTimeout, out[0].ErrorKind)

	select {
	case <-done:
		t.Fatal("finished closed while handler still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-done
	assert.True(t, sawCancel.Load())
}

func TestInvoke_ParentCancelReportsClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	h := func(ctx context.Context, calls []rpc.Args) ([]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	inv := invoker.New()

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out, done := inv.Invoke(ctx, mkBatch(t, h, registry.Options{}, 1))
	<-done

	assert.Equal(t, berr.ErrCodeClosed, out[0].ErrorKind)
}

func TestInvoke_UnencodableResult(t *testing.T) {
	h := func(_ context.Context, calls []rpc.Args) ([]any, error) {
		return []any{1, make(chan int)}, nil
	}

	inv := invoker.New()

	out, done := inv.Invoke(t.Context(), mkBatch(t, h, registry.Options{BatchSize: 2}, 1, 2))
	<-done

	assert.True(t, out[0].OK())
	assert.Equal(t, berr.ErrCodeSerializationFailed, out[1].ErrorKind)
}

func TestInvoke_IsolateFailures(t *testing.T) {
	var calls atomic.Int32

	// fails whenever the poisoned value 13 is part of the batch
	h := func(_ context.Context, in []rpc.Args) ([]any, error) {
		calls.Add(1)

		out := make([]any, len(in))

		for i, c := range in {
			var n int
			_ = json.Unmarshal(c[0], &n)

			if n == 13 {
				return nil, errors.New("unlucky")
			}

			out[i] = n
		}

		return out, nil
	}

	inv := invoker.New()
	b := mkBatch(t, h, registry.Options{BatchSize: 3, IsolateFailures: true}, 1, 13, 3)

	out, done := inv.Invoke(t.Context(), b)
	<-done

	require.Len(t, out, 3)
	assert.True(t, out[0].OK())
	assert.Equal(t, berr.ErrCodeHandlerError, out[1].ErrorKind)
	assert.True(t, out[2].OK())
	assert.JSONEq(t, "3", string(out[2].Value))
	assert.EqualValues(t, 4, calls.Load())

	assert.Equal(t, 1, firstInt(t, b.Members[0].Request.Args))
}
