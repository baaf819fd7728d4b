// Package pool bounds how many batches of one service execute at the same
// time. Batches wait in a FIFO queue and are started in submission order as
// pool slots free up.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/next-trace/scg-rpc-bus/batch"
	berr "github.com/next-trace/scg-rpc-bus/contract/errors"
	"github.com/next-trace/scg-rpc-bus/contract/rpc"
)

// Runner executes one batch inside a pool slot. ctx is cancelled when the
// scheduler is aborted during a drain that ran out of time.
type Runner func(ctx context.Context, b *batch.Batch)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithObserver reports queue depth and slot usage.
func WithObserver(o rpc.Observer) Option {
	return func(s *Scheduler) {
		if o != nil {
			s.obs = o
		}
	}
}

// Scheduler admits batches into at most size concurrent executions.
type Scheduler struct {
	name string
	size int64
	sem  *semaphore.Weighted
	run  Runner
	obs  rpc.Observer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   *fifo
	running int
	closed  bool
	notify  chan struct{}

	wg   sync.WaitGroup
	done chan struct{}
}

// New starts a scheduler with size slots for the named service.
func New(name string, size int, run Runner, opts ...Option) *Scheduler {
	if size < 1 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		run:    run,
		obs:    rpc.NopObserver{},
		ctx:    ctx,
		cancel: cancel,
		queue:  newFIFO(16),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	for _, o := range opts {
		o(s)
	}

	go s.dispatch()

	return s
}

// Submit enqueues b. It never blocks on slot availability.
func (s *Scheduler) Submit(b *batch.Batch) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("pool %s submit: %w", s.name, berr.ErrClosed)
	}

	s.queue.push(b)
	depth := s.queue.len()
	s.mu.Unlock()

	s.obs.BatchQueued(s.name, depth)
	s.wake()

	return nil
}

// Queued returns the number of batches waiting for a slot.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.queue.len()
}

// Running returns the number of batches currently holding a slot.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Drain stops accepting batches and waits until every queued and running
// batch has finished. If ctx ends first, running batches have their context
// cancelled and the batches that never started are returned so the caller can
// hand them back to the broker.
func (s *Scheduler) Drain(ctx context.Context) ([]*batch.Batch, error) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wake()

	finished := make(chan struct{})

	go func() {
		<-s.done
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancel()
		return nil, nil
	case <-ctx.Done():
	}

	s.cancel()
	<-s.done

	s.mu.Lock()
	left := s.queue.drain()
	s.mu.Unlock()

	s.obs.BatchQueued(s.name, 0)

	return left, ctx.Err()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// waitForWork blocks until a batch is queued. It reports false once the
// scheduler is closed and empty, or aborted.
func (s *Scheduler) waitForWork() bool {
	for {
		s.mu.Lock()
		n := s.queue.len()
		closed := s.closed
		s.mu.Unlock()

		if n > 0 {
			return true
		}

		if closed {
			return false
		}

		select {
		case <-s.notify:
		case <-s.ctx.Done():
			return false
		}
	}
}

// dispatch is the only consumer of the queue: a batch leaves the queue only
// once it holds a slot, so start order is submission order.
func (s *Scheduler) dispatch() {
	defer close(s.done)

	for s.waitForWork() {
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}

		s.mu.Lock()
		b := s.queue.pop()
		depth := s.queue.len()
		s.running++
		n := s.running
		s.mu.Unlock()

		s.obs.BatchQueued(s.name, depth)
		s.obs.SlotsInUse(s.name, n)
		s.wg.Add(1)

		go s.execute(b)
	}
}

func (s *Scheduler) execute(b *batch.Batch) {
	defer func() {
		s.mu.Lock()
		s.running--
		n := s.running
		s.mu.Unlock()

		s.sem.Release(1)
		s.obs.SlotsInUse(s.name, n)
		s.wg.Done()
	}()

	s.run(s.ctx, b)
}
