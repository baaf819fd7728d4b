package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-rpc-bus/batch"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/envelope"
	"github.com/next-trace/scg-rpc-bus/pool"
)

func tagged(id string) *batch.Batch {
	return &batch.Batch{Members: []batch.Member{{Request: envelope.Request{CorrelationID: id}}}}
}

func TestScheduler_PoolSizeOneNeverOverlaps(t *testing.T) {
	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)

	s := pool.New("predict", 1, func(_ context.Context, _ *batch.Batch) {
		defer wg.Done()

		if active.Add(1) > 1 {
			overlap.Store(true)
		}

		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
	})

	const n = 30
	wg.Add(n)

	var submitters sync.WaitGroup
	for i := 0; i < n; i++ {
		submitters.Add(1)

		go func() {
			defer submitters.Done()
			assert.NoError(t, s.Submit(tagged("x")))
		}()
	}

	submitters.Wait()
	wg.Wait()

	assert.False(t, overlap.Load(), "two batches ran concurrently on a pool of one")

	_, err := s.Drain(t.Context())
	require.NoError(t, err)
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	var (
		active, peak atomic.Int32
		wg           sync.WaitGroup
	)

	s := pool.New("resize", 3, func(_ context.Context, _ *batch.Batch) {
		defer wg.Done()

		cur := active.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}

		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
	})

	wg.Add(12)
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Submit(tagged("x")))
	}

	wg.Wait()
	assert.Equal(t, int32(3), peak.Load())

	_, err := s.Drain(t.Context())
	require.NoError(t, err)
}

func TestScheduler_FIFOStartOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	s := pool.New("seq", 1, func(_ context.Context, b *batch.Batch) {
		id := b.Members[0].Request.CorrelationID

		mu.Lock()
		order = append(order, id)
		mu.Unlock()

		if id == "0" {
			started <- struct{}{}
			<-release
		}
	})

	require.NoError(t, s.Submit(tagged("0")))
	<-started

	for _, id := range []string{"1", "2", "3", "4"} {
		require.NoError(t, s.Submit(tagged(id)))
	}

	assert.Equal(t, 4, s.Queued())
	assert.Equal(t, 1, s.Running())

	close(release)

	_, err := s.Drain(t.Context())
	require.NoError(t, err)

	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, order)
}

func TestScheduler_DrainWaitsForWork(t *testing.T) {
	var done atomic.Int32

	s := pool.New("drain", 2, func(_ context.Context, _ *batch.Batch) {
		time.Sleep(20 * time.Millisecond)
		done.Add(1)
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Submit(tagged("x")))
	}

	left, err := s.Drain(t.Context())
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Equal(t, int32(5), done.Load())

	assert.ErrorIs(t, s.Submit(tagged("late")), berr.ErrClosed)
}

func TestScheduler_DrainTimeoutReturnsQueuedAndCancelsRunning(t *testing.T) {
	cancelled := make(chan struct{})

	s := pool.New("stuck", 1, func(ctx context.Context, _ *batch.Batch) {
		<-ctx.Done()
		close(cancelled)
	})

	require.NoError(t, s.Submit(tagged("running")))
	require.Eventually(t, func() bool { return s.Running() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Submit(tagged("q1")))
	require.NoError(t, s.Submit(tagged("q2")))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
	defer cancel()

	left, err := s.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, left, 2)
	assert.Equal(t, "q1", left[0].Members[0].Request.CorrelationID)
	assert.Equal(t, "q2", left[1].Members[0].Request.CorrelationID)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running batch context was not cancelled")
	}
}
